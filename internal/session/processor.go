package session

import (
	"context"
	"time"

	"github.com/MrWong99/relay/internal/transcript"
)

// transcriptProcessorLoop is the Transcript Processor (§4.4): drains the
// Segment Buffer every 300ms while the session is active or the buffer is
// non-empty, rebasing, coalescing, emitting, persisting, and (re)arming
// finalization each tick a batch is present.
func (s *Session) transcriptProcessorLoop(ctx context.Context) {
	ticker := time.NewTicker(transcriptTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainFinalTick(context.Background())
			return
		case <-ticker.C:
		}

		s.processTick(ctx)

		if !s.IsActive() && s.segmentBufEmpty() {
			return
		}
	}
}

// drainFinalTick runs one last tick after the session's context is
// cancelled, so a batch that arrived just before shutdown is not lost —
// §4.2's "on exit, all STT upstreams are finalized/closed exactly once"
// pairs with this to guarantee the buffer is flushed before teardown.
func (s *Session) drainFinalTick(ctx context.Context) {
	s.processTick(ctx)
}

// processTick runs steps 1-8 of §4.4 once, if the Segment Buffer is
// non-empty.
func (s *Session) processTick(ctx context.Context) {
	batch := s.swapSegments()
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	if s.secondsToTrim == nil && s.secondsToAdd == nil {
		trim := batch[0].Start
		s.secondsToTrim = &trim
	}
	finishedAt := time.Now()
	secondsToAdd := s.secondsToAdd
	secondsToTrim := s.secondsToTrim
	s.mu.Unlock()

	rebased := transcript.Rebase(batch, secondsToAdd, secondsToTrim)
	coalesced := transcript.Coalesce(rebased)

	if err := s.conn.WriteJSON(ctx, coalesced); err != nil {
		s.log.Warn("session: emit transcript batch failed", "uid", s.UID, "error", err)
	}

	if s.transcriptRelay != nil {
		s.transcriptRelay.Append(coalesced, s.currentConversationIDSnapshot())
	}

	agg, err := s.aggMgr.GetOrCreate(ctx, coalesced, finishedAt)
	if err != nil {
		s.log.Warn("session: get-or-create conversation aggregate failed", "uid", s.UID, "error", err)
		return
	}

	s.mu.Lock()
	s.currentConversationID = agg.ID
	s.mu.Unlock()

	s.timer.Arm(agg.ID, finishedAt, IdleThreshold)
}

func (s *Session) currentConversationIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentConversationID
}

// resetRebaseOffsets clears seconds_to_trim/seconds_to_add, called after a
// conversation finalizes so the next batch begins a new conversation
// (§4.5 step 6).
func (s *Session) resetRebaseOffsets() {
	s.mu.Lock()
	s.secondsToTrim = nil
	s.secondsToAdd = nil
	s.mu.Unlock()
}
