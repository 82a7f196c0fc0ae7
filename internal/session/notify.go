package session

import (
	"context"
	"time"

	"github.com/MrWong99/relay/internal/finalize"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// writeTimeout bounds every outbound client frame write so a stalled
// connection can never wedge a caller that has no other context to hand in
// (notably finalize.ClientNotifier's two methods, which carry no ctx
// parameter since finalization may be triggered from the timer goroutine
// well after the request that started it).
const writeTimeout = 5 * time.Second

// sendServiceStatus emits a service_status frame (§6).
func (s *Session) sendServiceStatus(ctx context.Context, status, text string) error {
	if text == "" {
		text = statusText(status)
	}
	return s.conn.WriteJSON(ctx, serviceStatusFrame{Type: "service_status", Status: status, StatusText: text})
}

// sendLastMemory emits the last_memory frame (§6, §12).
func (s *Session) sendLastMemory(ctx context.Context, memoryID string) error {
	return s.conn.WriteJSON(ctx, lastMemoryFrame{Type: "last_memory", MemoryID: memoryID})
}

// NotifyMemoryProcessingStarted implements finalize.ClientNotifier.
func (s *Session) NotifyMemoryProcessingStarted(agg *relaytypes.ConversationAggregate) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.WriteJSON(ctx, memoryProcessingStartedFrame{Type: "memory_processing_started", Memory: agg}); err != nil {
		s.log.Warn("session: send memory_processing_started failed", "uid", s.UID, "error", err)
	}
}

// NotifyMemoryCreated implements finalize.ClientNotifier.
func (s *Session) NotifyMemoryCreated(agg *relaytypes.ConversationAggregate, messages []finalize.PluginMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.WriteJSON(ctx, memoryCreatedFrame{Type: "memory_created", Memory: agg, Messages: messages}); err != nil {
		s.log.Warn("session: send memory_created failed", "uid", s.UID, "error", err)
	}
	if s.metrics != nil {
		outcome := "completed"
		if agg.Discarded {
			outcome = "discarded"
		}
		s.metrics.RecordFinalization(ctx, outcome)
	}

	// §4.5 step 6: once this session's current conversation finalizes, clear
	// the rebase offsets so the next batch begins a new conversation.
	if agg.ID == s.currentConversationIDSnapshot() {
		s.resetRebaseOffsets()
	}
}
