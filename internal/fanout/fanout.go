// Package fanout implements the Downstream Fan-out activity: two independent
// relay loops that batch-forward transcript segments and raw audio to the
// downstream broker over separate WebSocket channels.
//
// Both relays share the same cadence and reconnection shape, grounded on
// [broker.Reconnector] (itself adapted from the teacher's audio-platform
// reconnector): wake every tick, forward the accumulated buffer if
// non-empty, and reset it. On a closed-connection error the socket is
// dropped and a reconnect is scheduled under the per-stream lock that
// [broker.Reconnector] already provides, so at most one reconnect attempt is
// ever in flight per relay.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/relay/internal/observe"
	"github.com/MrWong99/relay/pkg/broker"
	"github.com/MrWong99/relay/pkg/relaytypes"
	"go.opentelemetry.io/otel/metric"
)

// metricAttr builds the metric.WithAttributes option tagging a fanout
// measurement with its relay kind ("audio" or "transcript").
func metricAttr(kind string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("relay", kind))
}

// defaultTickInterval is the cadence at which both relays wake, per §4.7.
const defaultTickInterval = 1 * time.Second

// base holds the fields and reconnect plumbing shared by AudioRelay and
// TranscriptRelay.
type base struct {
	kind         string // "audio" or "transcript", used as a metric attribute
	uid          string
	reconnector  *broker.Reconnector
	metrics      *observe.Metrics
	tickInterval time.Duration
}

// send writes frame to the relay's current connection. A closed connection
// schedules a reconnect via the Reconnector and the frame is dropped (the
// caller's buffer has already been reset, matching §4.7: "the undrained
// buffer persists" applies only to non-close errors, never to the segment
// just sent). Any other error is logged and the loop continues.
func (b *base) send(ctx context.Context, frame []byte) {
	conn := b.reconnector.Connection()
	if conn == nil {
		slog.Warn("fanout: dropping frame, no active connection", "uid", b.uid, "kind", b.kind)
		return
	}

	start := time.Now()
	err := conn.Send(ctx, frame)
	if b.metrics != nil {
		b.metrics.FanoutSendLatency.Record(ctx, time.Since(start).Seconds(),
			metricAttr(b.kind))
	}
	if err == nil {
		return
	}

	if broker.IsClosedErr(err) {
		slog.Warn("fanout: connection closed, scheduling reconnect", "uid", b.uid, "kind", b.kind, "err", err)
		if b.metrics != nil {
			b.metrics.RecordFanoutReconnect(ctx, b.kind)
		}
		b.reconnector.NotifyDisconnect()
		return
	}

	slog.Warn("fanout: send failed", "uid", b.uid, "kind", b.kind, "err", err)
}

// AudioRelay forwards accumulated raw audio bytes to the broker as TypeAudio
// frames.
type AudioRelay struct {
	base

	mu  sync.Mutex
	buf []byte
}

// NewAudioRelay creates an AudioRelay bound to reconnector. tickInterval
// defaults to 1s when zero.
func NewAudioRelay(uid string, reconnector *broker.Reconnector, metrics *observe.Metrics, tickInterval time.Duration) *AudioRelay {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	return &AudioRelay{
		base: base{kind: "audio", uid: uid, reconnector: reconnector, metrics: metrics, tickInterval: tickInterval},
	}
}

// Append adds raw audio bytes to the relay's buffer.
func (r *AudioRelay) Append(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, data...)
}

// swap returns the current buffer contents and resets it to empty.
func (r *AudioRelay) swap() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = nil
	return out
}

// Run executes the relay loop until ctx is cancelled or activeFn reports
// false with an empty buffer. activeFn should report the session's
// websocket_active flag.
func (r *AudioRelay) Run(ctx context.Context, activeFn func() bool) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		buf := r.swap()
		if len(buf) > 0 {
			r.send(ctx, broker.EncodeAudioFrame(buf))
		}

		if !activeFn() && len(buf) == 0 {
			return
		}
	}
}

// TranscriptRelay forwards accumulated transcript segments to the broker as
// TypeTranscript frames, tagged with the conversation's current memory ID.
type TranscriptRelay struct {
	base

	mu       sync.Mutex
	segments []relaytypes.TranscriptSegment
	memoryID string
}

// NewTranscriptRelay creates a TranscriptRelay bound to reconnector.
// tickInterval defaults to 1s when zero.
func NewTranscriptRelay(uid string, reconnector *broker.Reconnector, metrics *observe.Metrics, tickInterval time.Duration) *TranscriptRelay {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	return &TranscriptRelay{
		base: base{kind: "transcript", uid: uid, reconnector: reconnector, metrics: metrics, tickInterval: tickInterval},
	}
}

// Append adds segments to the relay's buffer and records the conversation's
// current memory ID, which is sent alongside the next flush.
func (r *TranscriptRelay) Append(segments []relaytypes.TranscriptSegment, memoryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, segments...)
	r.memoryID = memoryID
}

// swap returns the current segment buffer and memory ID, resetting the
// segment buffer to empty. The memory ID is retained across flushes since a
// conversation's id rarely changes mid-tick.
func (r *TranscriptRelay) swap() ([]relaytypes.TranscriptSegment, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments) == 0 {
		return nil, r.memoryID
	}
	out := r.segments
	r.segments = nil
	return out, r.memoryID
}

// Run executes the relay loop until ctx is cancelled or activeFn reports
// false with an empty buffer.
func (r *TranscriptRelay) Run(ctx context.Context, activeFn func() bool) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		segs, memoryID := r.swap()
		if len(segs) > 0 {
			frame, err := broker.EncodeTranscriptFrame(segs, memoryID)
			if err != nil {
				slog.Warn("fanout: encode transcript frame", "uid", r.uid, "err", err)
			} else {
				r.send(ctx, frame)
			}
		}

		if !activeFn() && len(segs) == 0 {
			return
		}
	}
}
