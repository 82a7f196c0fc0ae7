// Package broker defines the downstream broker client contract consumed by
// the relay's Downstream Fan-out activity, plus the wire framing shared by
// both the audio and transcript relays.
//
// A broker connection is a single WebSocket channel opened with (uid,
// sample_rate). Once open, the fan-out loop writes length-prefixed frames to
// it; the broker itself never sends anything back that the relay needs to
// read, so [Conn] only exposes Send and Close.
package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/relay/pkg/relaytypes"
)

// ErrConnClosed is wrapped by a [Conn.Send] error to signal that the
// underlying socket was closed by the peer and the caller should reconnect
// rather than retry the send.
var ErrConnClosed = errors.New("broker: connection closed")

// IsClosedErr reports whether err indicates the connection was closed and a
// reconnect is required, as opposed to a transient send failure.
func IsClosedErr(err error) bool {
	return errors.Is(err, ErrConnClosed)
}

// MessageType is the 4-byte little-endian prefix identifying a frame's
// payload kind.
type MessageType uint32

const (
	// TypeAudio prefixes a raw accumulated audio byte buffer.
	TypeAudio MessageType = 101

	// TypeTranscript prefixes a UTF-8 JSON TranscriptPayload body.
	TypeTranscript MessageType = 102
)

// TranscriptPayload is the JSON body carried by a TypeTranscript frame.
type TranscriptPayload struct {
	Segments []relaytypes.TranscriptSegment `json:"segments"`
	MemoryID string                         `json:"memory_id"`
}

// EncodeFrame prepends the 4-byte little-endian MessageType prefix to
// payload and returns the combined frame ready to send over a [Conn].
func EncodeFrame(msgType MessageType, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(msgType))
	copy(frame[4:], payload)
	return frame
}

// EncodeTranscriptFrame marshals a TranscriptPayload and wraps it in a
// TypeTranscript frame.
func EncodeTranscriptFrame(segments []relaytypes.TranscriptSegment, memoryID string) ([]byte, error) {
	body, err := json.Marshal(TranscriptPayload{Segments: segments, MemoryID: memoryID})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal transcript payload: %w", err)
	}
	return EncodeFrame(TypeTranscript, body), nil
}

// EncodeAudioFrame wraps a raw accumulated audio buffer in a TypeAudio frame.
func EncodeAudioFrame(buf []byte) []byte {
	return EncodeFrame(TypeAudio, buf)
}

// Conn is a single open connection to the downstream broker.
type Conn interface {
	// Send writes one already-framed message. Implementations must return an
	// error that satisfies [IsClosedErr] when the underlying socket has been
	// closed by the peer, so the fan-out loop can distinguish "reconnect" from
	// "log and continue".
	Send(ctx context.Context, frame []byte) error

	// Close closes the underlying socket.
	Close() error
}

// Dialer establishes broker connections for a given uid and sample rate.
type Dialer interface {
	Dial(ctx context.Context, uid string, sampleRate int) (Conn, error)
}
