package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/relay/internal/transcript"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// AggregateManager owns the get-or-create, append, and continuity logic for
// a session's in-progress conversation (§4.6).
type AggregateManager struct {
	finalizer *Finalizer
	uid       string
	language  string
}

// NewAggregateManager constructs an AggregateManager for a single session.
func NewAggregateManager(f *Finalizer, uid, language string) *AggregateManager {
	return &AggregateManager{finalizer: f, uid: uid, language: language}
}

// GetOrCreate looks up the in-progress aggregate for uid, merges batch into
// it via the §4.4 coalesce rule and persists it, or creates a fresh
// aggregate if none exists. It returns the persisted aggregate.
//
// batch must already be rebased onto the conversation's wall-clock timeline
// (internal/transcript.Rebase) before being passed here.
func (m *AggregateManager) GetOrCreate(ctx context.Context, batch []relaytypes.TranscriptSegment, finishedAt time.Time) (*relaytypes.ConversationAggregate, error) {
	agg, err := m.lookupInProgress(ctx)
	if err != nil {
		return nil, err
	}

	if agg != nil {
		agg.TranscriptSegments = transcript.MergeIntoTail(agg.TranscriptSegments, batch)
		agg.FinishedAt = finishedAt
		if err := m.finalizer.store.UpdateSegments(ctx, agg.ID, agg.TranscriptSegments, finishedAt); err != nil {
			return nil, fmt.Errorf("finalize: update segments %s: %w", agg.ID, err)
		}
		return agg, nil
	}

	if len(batch) == 0 {
		return nil, nil
	}
	first := batch[0]
	agg = &relaytypes.ConversationAggregate{
		ID:                 uuid.NewString(),
		UID:                m.uid,
		Language:           m.language,
		CreatedAt:          finishedAt,
		StartedAt:          finishedAt.Add(-time.Duration((first.End - first.Start) * float64(time.Second))),
		FinishedAt:         finishedAt,
		TranscriptSegments: transcript.Coalesce(batch),
		Status:             relaytypes.StatusInProgress,
	}
	if err := m.finalizer.store.Upsert(ctx, agg); err != nil {
		return nil, fmt.Errorf("finalize: upsert new aggregate %s: %w", agg.ID, err)
	}
	if m.finalizer.cache != nil {
		if err := m.finalizer.cache.SetInProgressID(ctx, m.uid, agg.ID); err != nil {
			return nil, fmt.Errorf("finalize: cache in-progress id %s: %w", m.uid, err)
		}
	}
	return agg, nil
}

// lookupInProgress consults the cache first, falling back to a store-level
// index query when the cached id is missing or stale.
func (m *AggregateManager) lookupInProgress(ctx context.Context) (*relaytypes.ConversationAggregate, error) {
	if m.finalizer.cache != nil {
		if id, ok, err := m.finalizer.cache.GetInProgressID(ctx, m.uid); err == nil && ok {
			agg, err := m.finalizer.store.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("finalize: get cached in-progress %s: %w", id, err)
			}
			if agg != nil && agg.Status == relaytypes.StatusInProgress {
				return agg, nil
			}
		}
	}
	agg, err := m.finalizer.store.GetInProgress(ctx, m.uid)
	if err != nil {
		return nil, fmt.Errorf("finalize: get-in-progress %s: %w", m.uid, err)
	}
	return agg, nil
}

// Continuity reports how a session resuming an existing in-progress
// conversation should rebase incoming timestamps and arm (or immediately
// fire) finalization, per §4.6's "continuity across reconnect" rule.
// [AggregateManager.Resolve] returns (nil, false, nil) when no in-progress
// aggregate exists for uid.
type Continuity struct {
	// SecondsToAdd is the offset to apply to every incoming segment's
	// start/end so that STT-provided timestamps, which restart at zero per
	// upstream, land onto the conversation's existing clock.
	SecondsToAdd float64

	// ConversationID is the resumed aggregate's id.
	ConversationID string

	// ImmediatelyFinalize is true when the aggregate has already been idle
	// for at least IdleThreshold; the caller must finalize it synchronously
	// rather than arming a timer.
	ImmediatelyFinalize bool

	// ArmDelay is the duration after which the finalization timer should
	// fire, valid only when ImmediatelyFinalize is false.
	ArmDelay time.Duration

	// Witness is the aggregate's finished_at at the time continuity was
	// computed, to be captured by the armed timer.
	Witness time.Time
}

// Resolve computes the continuity decision for uid at the given reference
// time (normally time.Now()), per §4.6.
func (m *AggregateManager) Resolve(ctx context.Context, now time.Time) (*Continuity, bool, error) {
	agg, err := m.lookupInProgress(ctx)
	if err != nil {
		return nil, false, err
	}
	if agg == nil {
		return nil, false, nil
	}

	c := &Continuity{
		SecondsToAdd:   now.Sub(agg.StartedAt).Seconds(),
		ConversationID: agg.ID,
		Witness:        agg.FinishedAt,
	}

	idle := now.Sub(agg.FinishedAt)
	if idle >= IdleThreshold {
		c.ImmediatelyFinalize = true
	} else {
		c.ArmDelay = IdleThreshold - idle
	}
	return c, true, nil
}
