// Package memory defines the external collaborators the relay core consumes
// for conversation persistence and short-term shared state.
//
// Both interfaces are deliberately thin: the core only ever issues the
// operations named in the specification's external-interfaces section. A
// PostgreSQL-backed [ConversationStore] lives in internal/storepg and a
// Redis-backed [Cache] lives in internal/cachekv; either may be swapped for
// a fake in tests without the session package knowing the difference.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/MrWong99/relay/pkg/relaytypes"
)

// ConversationStore persists ConversationAggregate records and answers the
// lookup queries the session core needs during get-or-create, continuity,
// and finalization.
type ConversationStore interface {
	// Get retrieves a conversation by id. Returns (nil, nil) when not found.
	Get(ctx context.Context, id string) (*relaytypes.ConversationAggregate, error)

	// GetInProgress returns the aggregate with status in_progress for uid, if
	// any. Returns (nil, nil) when none exists. At most one such aggregate
	// may exist per uid at any time.
	GetInProgress(ctx context.Context, uid string) (*relaytypes.ConversationAggregate, error)

	// GetProcessing returns all aggregates with status processing for uid,
	// used by the session-start catch-up activity (§4.5).
	GetProcessing(ctx context.Context, uid string) ([]*relaytypes.ConversationAggregate, error)

	// GetLastCompleted returns the most recently finished aggregate with
	// status completed for uid. Returns (nil, nil) when none exists.
	GetLastCompleted(ctx context.Context, uid string) (*relaytypes.ConversationAggregate, error)

	// Upsert inserts agg or replaces the stored record with the same ID.
	Upsert(ctx context.Context, agg *relaytypes.ConversationAggregate) error

	// UpdateStatus transitions the conversation identified by id to status.
	UpdateStatus(ctx context.Context, id string, status relaytypes.ConversationStatus) error

	// UpdateSegments replaces the persisted transcript segments and
	// finished_at for the conversation identified by id.
	UpdateSegments(ctx context.Context, id string, segments []relaytypes.TranscriptSegment, finishedAt time.Time) error

	// MarkDiscarded transitions the conversation identified by id to status
	// discarded.
	MarkDiscarded(ctx context.Context, id string) error
}

// Geolocation is a cached, previously resolved coordinate for a uid.
type Geolocation struct {
	Latitude  float64
	Longitude float64
}

// Cache holds short-term, per-user shared state: the in-progress conversation
// id a session should attach to, and any cached geolocation fix.
type Cache interface {
	// GetInProgressID returns the cached in-progress conversation id for uid.
	// The second return value is false when no id is cached.
	GetInProgressID(ctx context.Context, uid string) (string, bool, error)

	// SetInProgressID records the in-progress conversation id for uid.
	SetInProgressID(ctx context.Context, uid, conversationID string) error

	// GetGeolocation returns a cached geolocation fix for uid, if any.
	GetGeolocation(ctx context.Context, uid string) (*Geolocation, bool, error)
}
