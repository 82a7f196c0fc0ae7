package finalize

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/relay/pkg/relaytypes"
)

// IdleThreshold is conversation_creation_timeout: the silence duration after
// which an in-progress conversation is finalized.
const IdleThreshold = 120 * time.Second

// Timer implements the single-lock cancel-and-reschedule scheduling protocol
// of §4.5. One Timer exists per session. Every call to Arm cancels any
// outstanding task and schedules a new one; when a task fires it re-reads
// the in-progress conversation and finalizes only if it is still the most
// recent witness.
//
// Grounded on pkg/broker.Reconnector's mu-guarded done-channel swap: Arm
// plays the role of "replace the in-flight attempt", and the fired
// goroutine's witness comparison plays the role of Reconnector's
// generation check against a stale reconnect attempt.
type Timer struct {
	finalizer *Finalizer
	uid       string
	log       *slog.Logger

	mu      sync.Mutex
	t       *time.Timer
	done    chan struct{}
	witness time.Time
}

// NewTimer constructs a Timer bound to a single session's uid.
func NewTimer(f *Finalizer, uid string) *Timer {
	return &Timer{finalizer: f, uid: uid, log: f.log}
}

// Arm cancels any outstanding finalization task and schedules a new one to
// fire after delay, capturing finishedAt as its witness. Called on every
// transcript batch (delay == IdleThreshold) and on session-start continuity
// when resuming an idle conversation (delay == remaining idle budget).
func (t *Timer) Arm(conversationID string, finishedAt time.Time, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	if t.done != nil {
		close(t.done)
	}
	done := make(chan struct{})
	t.done = done
	t.witness = finishedAt

	t.t = time.AfterFunc(delay, func() {
		select {
		case <-done:
			return
		default:
		}
		t.fire(conversationID, finishedAt)
	})
}

// Cancel stops any outstanding finalization task without scheduling a new
// one, used when a session tears down cleanly.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
}

// fire re-reads the in-progress conversation and finalizes it unless a more
// recent batch has already superseded this witness.
func (t *Timer) fire(conversationID string, witness time.Time) {
	ctx := context.Background()

	agg, err := t.finalizer.store.Get(ctx, conversationID)
	if err != nil {
		t.log.Warn("finalize: timer re-read failed", "conversation_id", conversationID, "error", err)
		return
	}
	if agg == nil || agg.Status != relaytypes.StatusInProgress || agg.FinishedAt.After(witness) {
		return // stale: a newer batch arrived, or the conversation is already being/been finalized.
	}

	if err := t.finalizer.Finalize(ctx, conversationID); err != nil {
		t.log.Warn("finalize: timer-triggered finalize failed", "conversation_id", conversationID, "error", err)
	}
}
