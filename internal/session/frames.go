package session

import (
	"github.com/MrWong99/relay/internal/finalize"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// serviceStatusFrame is emitted at each stage of session startup (§6).
type serviceStatusFrame struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
}

// lastMemoryFrame is emitted once at session start when a prior completed
// conversation exists for the uid (§6, §12).
type lastMemoryFrame struct {
	Type     string `json:"type"`
	MemoryID string `json:"memory_id"`
}

// memoryProcessingStartedFrame is emitted when finalization begins (§4.5
// step 1).
type memoryProcessingStartedFrame struct {
	Type   string                             `json:"type"`
	Memory *relaytypes.ConversationAggregate `json:"memory"`
}

// memoryCreatedFrame is emitted when finalization completes, successfully
// or not (§4.5 step 5).
type memoryCreatedFrame struct {
	Type     string                             `json:"type"`
	Memory   *relaytypes.ConversationAggregate `json:"memory"`
	Messages []finalize.PluginMessage           `json:"messages"`
}

// statusText maps a service_status status to its human-readable text.
func statusText(status string) string {
	switch status {
	case "initiating":
		return "starting session"
	case "in_progress_memories_processing":
		return "finishing prior memories"
	case "stt_initiating":
		return "connecting to transcription"
	case "ready":
		return "ready"
	default:
		return status
	}
}
