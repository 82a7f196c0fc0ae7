// Package rms implements vad.Engine with a root-mean-square energy detector,
// tuned to the same sensitivity as WebRTC VAD's "mode 1" (low aggressiveness)
// per §4.2's gating rule. Each session applies hysteresis — a run of
// consecutive above-threshold frames before flipping to speaking, and a
// silence-duration timeout before flipping back — grounded on
// team-hashing-lokutor-orchestrator's RMSVAD, reshaped onto
// pkg/provider/vad's Engine/SessionHandle split and its frame-size/
// sample-rate validation convention.
//
// The Audio Ingress activity (internal/session), not this package, is
// responsible for splitting an inbound audio frame into the fixed-size
// sub-samples the gating rule operates on (320 bytes at 16 kHz, 160 bytes at
// 8 kHz) and for treating the frame as speech if any sub-sample does; this
// package only classifies a single sub-sample-sized frame at a time.
package rms

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/relay/pkg/provider/vad"
)

// mode1Threshold is the RMS energy level, on a normalized [0,1] scale,
// equivalent to WebRTC VAD mode 1's speech/silence boundary.
const mode1Threshold = 0.015

// minConfirmedFrames is the number of consecutive above-threshold frames
// required before a session transitions from silent to speaking, filtering
// out transient spikes and echo-onset pops, matching RMSVAD's default.
const minConfirmedFrames = 7

// silenceFramesToEnd is the number of consecutive below-threshold frames
// required before a speaking session transitions back to silent.
const silenceFramesToEnd = 15

// Engine implements vad.Engine using the RMS energy detector.
type Engine struct{}

// NewEngine constructs an RMS-based VAD engine. There is no per-engine
// configuration; all tuning lives on the per-session Config.
func NewEngine() *Engine {
	return &Engine{}
}

// NewSession creates a new RMS VAD session for cfg. SpeechThreshold, if
// non-zero, overrides mode1Threshold; SilenceThreshold is otherwise unused
// since this detector gates on consecutive-frame counts rather than a
// distinct silence probability band.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("rms: SampleRate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("rms: FrameSizeMs must be positive")
	}

	threshold := mode1Threshold
	if cfg.SpeechThreshold > 0 {
		threshold = cfg.SpeechThreshold
	}

	bytesPerFrame := 2 * cfg.SampleRate * cfg.FrameSizeMs / 1000

	return &session{
		cfg:           cfg,
		threshold:     threshold,
		bytesPerFrame: bytesPerFrame,
	}, nil
}

// session is a single-stream RMS VAD session. It implements
// vad.SessionHandle and is not safe for concurrent use by multiple
// goroutines, matching the teacher's single-caller convention.
type session struct {
	cfg           vad.Config
	threshold     float64
	bytesPerFrame int

	closed            bool
	speaking          bool
	consecutiveAbove  int
	consecutiveSilent int
}

// ProcessFrame classifies a single frame and applies the hysteresis
// transition rules. frame must be exactly bytesPerFrame long (callers pad
// short sub-samples with zeros per §4.2, rather than this method doing so,
// since padding needs to happen before RMS is computed on the caller's
// buffer reuse pattern).
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("rms: session is closed")
	}
	if len(frame) != s.bytesPerFrame {
		return vad.VADEvent{}, fmt.Errorf("rms: frame is %d bytes, want %d", len(frame), s.bytesPerFrame)
	}

	energy := rmsEnergy(frame)

	if energy > s.threshold {
		s.consecutiveAbove++
		s.consecutiveSilent = 0

		if !s.speaking {
			if s.consecutiveAbove >= minConfirmedFrames {
				s.speaking = true
				return vad.VADEvent{Type: vad.VADSpeechStart, Probability: energy}, nil
			}
			return vad.VADEvent{Type: vad.VADSilence, Probability: energy}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: energy}, nil
	}

	s.consecutiveAbove = 0
	s.consecutiveSilent++

	if s.speaking {
		if s.consecutiveSilent >= silenceFramesToEnd {
			s.speaking = false
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: energy}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: energy}, nil
	}
	return vad.VADEvent{Type: vad.VADSilence, Probability: energy}, nil
}

// Reset clears all accumulated hysteresis state without closing the session.
func (s *session) Reset() {
	s.speaking = false
	s.consecutiveAbove = 0
	s.consecutiveSilent = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rmsEnergy computes the root-mean-square energy of 16-bit little-endian PCM
// samples, normalized to [0, 1].
func rmsEnergy(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

var _ vad.Engine = (*Engine)(nil)
