// Package relaytypes defines the shared types used across the relay's
// session, transcript, finalization, and fan-out packages.
//
// These types form the lingua franca between the socket layer, the STT
// adapters, the conversation store, and the downstream broker. They are
// intentionally minimal — each package defines its own internal types, but
// cross-cutting data structures live here to avoid circular imports.
package relaytypes

import "time"

// Codec identifies the wire encoding of inbound audio frames.
type Codec string

const (
	CodecPCM8  Codec = "pcm8"
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// ConversationStatus is the lifecycle state of a ConversationAggregate.
type ConversationStatus string

const (
	StatusInProgress ConversationStatus = "in_progress"
	StatusProcessing ConversationStatus = "processing"
	StatusCompleted  ConversationStatus = "completed"
	StatusDiscarded  ConversationStatus = "discarded"
)

// TranscriptSegment is a single speaker-attributed span of transcribed
// speech, rebased onto the conversation's wall-clock timeline.
type TranscriptSegment struct {
	// Text is the (possibly coalesced) transcript text.
	Text string `json:"text"`

	// Speaker is the provider-reported speaker label, e.g. "SPEAKER_00".
	Speaker string `json:"speaker"`

	// SpeakerID is derived from the numeric suffix of Speaker.
	SpeakerID int `json:"speaker_id"`

	// IsUser indicates the segment is attributed to the connected user
	// rather than another diarized speaker.
	IsUser bool `json:"is_user"`

	// PersonID optionally identifies a recognised speaker profile.
	PersonID string `json:"person_id,omitempty"`

	// Start and End are seconds on the conversation's wall-clock timeline.
	// Invariant: Start <= End, both non-negative after rebasing.
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ConversationAggregate is the "in-progress conversation" record persisted
// in the external document store. At most one aggregate per uid may have
// Status == StatusInProgress at any time.
type ConversationAggregate struct {
	ID                 string              `json:"id"`
	UID                string              `json:"uid"`
	Language           string              `json:"language"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          time.Time           `json:"started_at"`
	FinishedAt         time.Time           `json:"finished_at"`
	TranscriptSegments []TranscriptSegment `json:"transcript_segments"`
	Status             ConversationStatus  `json:"status"`
	Discarded          bool                `json:"discarded"`
	GeolocationAddress  string             `json:"geolocation_address,omitempty"`
}

// AudioFrame represents a single frame of inbound audio, after codec
// normalization, flowing through the Audio Ingress pipeline.
type AudioFrame struct {
	// Data is raw little-endian PCM.
	Data []byte

	// SampleRate in Hz — 8000 or 16000.
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Transcript represents a speech-to-text result pushed by an STT adapter's
// callback. Both partial and final transcripts use this type; only final
// transcripts are appended to the Segment Buffer.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []WordDetail
	SpeakerID  string
	Timestamp  time.Duration
	Duration   time.Duration
}

// KeywordBoost represents a keyword to boost in STT recognition, used to
// prime speaker/vocabulary identification (e.g. NPC or proper-noun names in
// the connecting application's domain).
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
