package session

import (
	"context"
	"time"
)

// heartbeatLoop is the Socket Supervisor (§4.1): it sends a literal "ping"
// text frame every 10s and, unless NO_SOCKET_TIMEOUT is set, closes the
// session once 420s of wall time have elapsed since accept — regardless of
// how much inbound traffic arrived in between. spec.md is explicit that
// this is measured from accept, not from the last inbound frame; the
// Python ground truth compares against a started_at captured once and
// never reset.
//
// Grounded on internal/app/session_manager.go's heartbeat goroutine
// (ticker + select on ctx.Done), generalized with the soft-timeout check
// the teacher's single-voice-session model never needed.
func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.conn.WriteText(ctx, []byte("ping")); err != nil {
			s.log.Warn("session: heartbeat send failed", "uid", s.UID, "error", err)
			s.shutdown(CloseInternal)
			cancel()
			return
		}

		if !s.noSocketTimeout && s.elapsedSinceAccept() > softTimeout {
			s.log.Info("session: soft timeout reached, closing", "uid", s.UID)
			s.shutdown(CloseNormal)
			cancel()
			return
		}
	}
}
