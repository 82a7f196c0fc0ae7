// Package finalize implements the Finalization Timer (§4.5) and the
// Conversation Aggregate Manager (§4.6): deciding when a silence has
// persisted long enough to close an in-progress conversation, and owning the
// get-or-create / append / continuity logic for the aggregate itself.
//
// The package depends only on the memory.ConversationStore and memory.Cache
// interfaces plus the two small collaborator interfaces declared below
// (MemoryProcessor, GeoResolver) and a ClientNotifier the session package
// implements to deliver the memory_processing_started / memory_created
// frames. None of this package's types know about the websocket or the STT
// adapters.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/relay/internal/transcript"
	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// ErrClosed is returned by Finalizer methods once Close has been called.
var ErrClosed = errors.New("finalize: finalizer is closed")

// PluginMessage is a single message produced by plugin dispatch during
// memory processing, carried verbatim in the memory_created frame.
type PluginMessage struct {
	Plugin string `json:"plugin"`
	Text   string `json:"text"`
}

// MemoryProcessor hands a finalized conversation aggregate to post-capture
// processing (structuring, summarization, plugin dispatch) and returns the
// messages produced by that dispatch. A non-nil error aborts the
// finalization sequence at step 4 and the aggregate is marked discarded.
type MemoryProcessor interface {
	Process(ctx context.Context, agg *relaytypes.ConversationAggregate) ([]PluginMessage, error)
}

// GeoResolver reverse-geocodes a cached coordinate fix into a human-readable
// address, per §4.5 step 2.
type GeoResolver interface {
	ReverseGeocode(ctx context.Context, loc memory.Geolocation) (address string, err error)
}

// ClientNotifier delivers the memory_processing_started and memory_created
// frames to the connected client. Implemented by the session package.
type ClientNotifier interface {
	NotifyMemoryProcessingStarted(agg *relaytypes.ConversationAggregate)
	NotifyMemoryCreated(agg *relaytypes.ConversationAggregate, messages []PluginMessage)
}

// Finalizer runs the finalization sequence for a single session's
// conversations. One Finalizer is created per session.
type Finalizer struct {
	store     memory.ConversationStore
	cache     memory.Cache
	processor MemoryProcessor
	geo       GeoResolver
	notifier  ClientNotifier
	log       *slog.Logger
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithGeoResolver sets the reverse-geocoding collaborator. If unset, step 2
// of the finalization sequence is skipped.
func WithGeoResolver(g GeoResolver) Option {
	return func(f *Finalizer) { f.geo = g }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Finalizer) { f.log = log }
}

// New constructs a Finalizer. store, processor, and notifier are required;
// cache may be nil, in which case the cached in-progress id and the cached
// geolocation lookup are skipped.
func New(store memory.ConversationStore, cache memory.Cache, processor MemoryProcessor, notifier ClientNotifier, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:     store,
		cache:     cache,
		processor: processor,
		notifier:  notifier,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize runs the six-step finalization sequence (§4.5) against the
// conversation identified by id. Any residue segments passed in are merged
// into the re-read aggregate via transcript.MergeIntoTail before the
// conversation is marked processing. The finalization timer, CatchUp and the
// session's continuity path all call Finalize without residue, so segments
// still in a session's in-memory Segment Buffer when the timer fires are not
// part of the finalized conversation.
//
// It is safe to call more than once for the same id: a conversation that is
// already completed or discarded is left untouched, and step 1's status
// check lets a conversation stuck in processing be finalized again.
func (f *Finalizer) Finalize(ctx context.Context, id string, residue ...relaytypes.TranscriptSegment) error {
	agg, err := f.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("finalize: get conversation %s: %w", id, err)
	}
	if agg == nil {
		return nil
	}
	if agg.Status == relaytypes.StatusCompleted || agg.Status == relaytypes.StatusDiscarded {
		return nil
	}

	if len(residue) > 0 {
		merged := transcript.MergeIntoTail(agg.TranscriptSegments, residue)
		if err := f.store.UpdateSegments(ctx, id, merged, agg.FinishedAt); err != nil {
			return fmt.Errorf("finalize: merge residue %s: %w", id, err)
		}
		agg.TranscriptSegments = merged
	}

	// Step 1: mark processing unless already processing (idempotence for
	// the catch-up activity and for a stale-but-not-yet-superseded timer).
	if agg.Status != relaytypes.StatusProcessing {
		agg.Status = relaytypes.StatusProcessing
		if err := f.store.UpdateStatus(ctx, id, relaytypes.StatusProcessing); err != nil {
			return fmt.Errorf("finalize: mark processing %s: %w", id, err)
		}
		f.notifier.NotifyMemoryProcessingStarted(agg)
	}

	failed := false

	// Step 2: geolocation attachment.
	if f.geo != nil && f.cache != nil {
		if loc, ok, err := f.cache.GetGeolocation(ctx, agg.UID); err == nil && ok {
			address, err := f.geo.ReverseGeocode(ctx, *loc)
			if err != nil {
				f.log.Warn("finalize: reverse geocode failed", "uid", agg.UID, "error", err)
				failed = true
			} else {
				agg.GeolocationAddress = address
			}
		}
	}

	// Step 3: hand to the memory processor.
	var messages []PluginMessage
	if !failed {
		messages, err = f.processor.Process(ctx, agg)
		if err != nil {
			f.log.Warn("finalize: memory processing failed", "conversation_id", id, "error", err)
			failed = true
		}
	}

	// Step 4: on any failure during steps 2-3, discard. Otherwise the
	// conversation completes the in_progress -> processing -> completed
	// lifecycle (§3 invariant).
	if failed {
		if err := f.store.MarkDiscarded(ctx, id); err != nil {
			return fmt.Errorf("finalize: mark discarded %s: %w", id, err)
		}
		agg.Discarded = true
		agg.Status = relaytypes.StatusDiscarded
		messages = nil
	} else {
		if err := f.store.UpdateStatus(ctx, id, relaytypes.StatusCompleted); err != nil {
			return fmt.Errorf("finalize: mark completed %s: %w", id, err)
		}
		agg.Status = relaytypes.StatusCompleted
	}

	// Step 5: emit memory_created regardless of outcome.
	f.notifier.NotifyMemoryCreated(agg, messages)

	return nil
}

// CatchUp replays finalization for every conversation still in the
// processing state for uid, run once on session start. Idempotence is
// ensured by Finalize's step 1 status check.
func (f *Finalizer) CatchUp(ctx context.Context, uid string) error {
	pending, err := f.store.GetProcessing(ctx, uid)
	if err != nil {
		return fmt.Errorf("finalize: catch-up list %s: %w", uid, err)
	}
	for _, agg := range pending {
		if err := f.Finalize(ctx, agg.ID); err != nil {
			f.log.Warn("finalize: catch-up finalize failed", "conversation_id", agg.ID, "error", err)
		}
	}
	return nil
}
