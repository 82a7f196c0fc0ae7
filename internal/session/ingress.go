package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/relay/internal/audio"
	"github.com/MrWong99/relay/pkg/provider/vad"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// vadSubSampleBytes returns the fixed sub-sample size VAD gating splits a
// frame into, per §4.2: 320 bytes at 16 kHz, 160 bytes at 8 kHz (10ms of
// 16-bit mono PCM at each rate).
func vadSubSampleBytes(sampleRate int) int {
	if sampleRate >= 16000 {
		return 320
	}
	return 160
}

// audioIngressLoop is the Audio Ingress activity (§4.2): reads binary
// frames from the client, normalizes codec, gates through VAD, and
// dispatches to the STT upstreams and the audio fan-out buffer.
func (s *Session) audioIngressLoop(ctx context.Context) error {
	var decoder *audio.OpusDecoder
	if s.Codec == relaytypes.CodecOpus {
		var err error
		decoder, err = audio.NewOpusDecoder()
		if err != nil {
			return fmt.Errorf("session: create opus decoder: %w", err)
		}
	}

	var vadSession vad.SessionHandle
	gateVAD := s.providers.VAD != nil && s.IncludeSpeechProfile && s.Codec != relaytypes.CodecOpus
	if gateVAD {
		var err error
		vadSession, err = s.providers.VAD.NewSession(vad.Config{
			SampleRate:       s.SampleRate,
			FrameSizeMs:      10,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			s.log.Warn("session: vad session unavailable, disabling gate", "uid", s.UID, "error", err)
			gateVAD = false
		} else {
			defer vadSession.Close()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgType, data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if isNormalDisconnect(err) {
				s.shutdown(CloseNormal)
				return nil
			}
			s.shutdown(CloseInternal)
			return fmt.Errorf("session: read client frame: %w", err)
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		pcm := data
		if decoder != nil && s.Codec == relaytypes.CodecOpus {
			pcm, err = decoder.Decode(data)
			if err != nil {
				s.log.Warn("session: opus decode failed, dropping frame", "uid", s.UID, "error", err)
				continue
			}
		}

		if s.audioRelay != nil {
			s.audioRelay.Append(pcm)
		}

		hasSpeech := true
		if gateVAD {
			hasSpeech = s.frameHasSpeech(vadSession, pcm)
		}
		if !hasSpeech {
			continue
		}

		s.dispatchToUpstreams(pcm)
	}
}

// frameHasSpeech implements §4.2's sub-sample-split-and-OR VAD gate: the
// frame is split into fixed-size sub-samples, zero-padded if short, and
// marked speech if any sub-sample is.
func (s *Session) frameHasSpeech(vs vad.SessionHandle, frame []byte) bool {
	sub := vadSubSampleBytes(s.SampleRate)
	for off := 0; off < len(frame); off += sub {
		end := off + sub
		chunk := frame[off:minInt(end, len(frame))]
		if len(chunk) < sub {
			padded := make([]byte, sub)
			copy(padded, chunk)
			chunk = padded
		}
		evt, err := vs.ProcessFrame(chunk)
		if err != nil {
			s.log.Warn("session: vad process frame failed", "uid", s.UID, "error", err)
			continue
		}
		if evt.Type == vad.VADSpeechStart || evt.Type == vad.VADSpeechContinue {
			return true
		}
	}
	return false
}

// dispatchToUpstreams implements §4.2's dispatch policy: Soniox and
// Speechmatics always receive a passed-gate frame; Deepgram routes to the
// profile-primed secondary while inside the speech-profile window, then to
// the primary, closing the secondary exactly once on that transition.
func (s *Session) dispatchToUpstreams(pcm []byte) {
	if h := s.upstreams.soniox; h != nil {
		if err := h.SendAudio(pcm); err != nil {
			s.log.Warn("session: soniox send failed", "uid", s.UID, "error", err)
		}
	}
	if h := s.upstreams.speechmatics; h != nil {
		if err := h.SendAudio(pcm); err != nil {
			s.log.Warn("session: speechmatics send failed", "uid", s.UID, "error", err)
		}
	}

	switch {
	case s.upstreams.deepgramSecondary != nil && s.elapsedSinceAccept() <= s.speechProfileDuration():
		if err := s.upstreams.deepgramSecondary.SendAudio(pcm); err != nil {
			s.log.Warn("session: deepgram secondary send failed", "uid", s.UID, "error", err)
		}
	case s.upstreams.deepgramPrimary != nil:
		if s.upstreams.deepgramSecondary != nil {
			s.closeDeepgramSecondary()
		}
		if err := s.upstreams.deepgramPrimary.SendAudio(pcm); err != nil {
			s.log.Warn("session: deepgram primary send failed", "uid", s.UID, "error", err)
		}
	}
}

// elapsedSinceAccept returns wall time since the session's connection was
// accepted, used by the dispatch policy's profile-window comparison.
func (s *Session) elapsedSinceAccept() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// isNormalDisconnect reports whether err represents an ordinary client
// disconnect (EOF or a WebSocket normal/going-away close) as opposed to a
// failure that should close the session with 1011.
func isNormalDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
