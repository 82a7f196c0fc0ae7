package rms

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/relay/pkg/provider/vad"
)

const (
	testSampleRate = 16000
	testFrameMs    = 20
)

func newTestSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	e := NewEngine()
	s, err := e.NewSession(vad.Config{SampleRate: testSampleRate, FrameSizeMs: testFrameMs})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func frameBytes() int {
	return 2 * testSampleRate * testFrameMs / 1000
}

func silentFrame() []byte {
	return make([]byte, frameBytes())
}

func loudFrame() []byte {
	buf := make([]byte, frameBytes())
	for i := 0; i+1 < len(buf); i += 2 {
		var v int16 = 20000
		if (i/2)%2 == 1 {
			v = -20000
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
	}
	return buf
}

func TestNewSession_RejectsInvalidConfig(t *testing.T) {
	e := NewEngine()
	if _, err := e.NewSession(vad.Config{SampleRate: 0, FrameSizeMs: testFrameMs}); err == nil {
		t.Error("expected error for zero SampleRate")
	}
	if _, err := e.NewSession(vad.Config{SampleRate: testSampleRate, FrameSizeMs: 0}); err == nil {
		t.Error("expected error for zero FrameSizeMs")
	}
}

func TestProcessFrame_RejectsWrongSize(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.ProcessFrame(make([]byte, 3)); err == nil {
		t.Error("expected error for mis-sized frame")
	}
}

func TestProcessFrame_StaysSilentBelowThreshold(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < minConfirmedFrames+5; i++ {
		ev, err := s.ProcessFrame(silentFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d: type = %v, want VADSilence", i, ev.Type)
		}
	}
}

func TestProcessFrame_RequiresConsecutiveFramesBeforeSpeechStart(t *testing.T) {
	s := newTestSession(t)

	for i := 0; i < minConfirmedFrames-1; i++ {
		ev, err := s.ProcessFrame(loudFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d before confirmation: type = %v, want VADSilence", i, ev.Type)
		}
	}

	ev, err := s.ProcessFrame(loudFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Fatalf("confirming frame: type = %v, want VADSpeechStart", ev.Type)
	}

	ev, err = s.ProcessFrame(loudFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("following frame: type = %v, want VADSpeechContinue", ev.Type)
	}
}

func TestProcessFrame_EndsSpeechAfterSustainedSilence(t *testing.T) {
	s := newTestSession(t)

	for i := 0; i < minConfirmedFrames; i++ {
		if _, err := s.ProcessFrame(loudFrame()); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}

	var last vad.VADEvent
	for i := 0; i < silenceFramesToEnd; i++ {
		ev, err := s.ProcessFrame(silentFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		last = ev
	}
	if last.Type != vad.VADSpeechEnd {
		t.Errorf("type = %v, want VADSpeechEnd", last.Type)
	}
}

func TestProcessFrame_BriefSilenceDuringSpeechDoesNotEndIt(t *testing.T) {
	s := newTestSession(t)

	for i := 0; i < minConfirmedFrames; i++ {
		if _, err := s.ProcessFrame(loudFrame()); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}

	ev, err := s.ProcessFrame(silentFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("type = %v, want VADSpeechContinue for a single silent frame mid-speech", ev.Type)
	}
}

func TestReset_ClearsHysteresisState(t *testing.T) {
	s := newTestSession(t)

	for i := 0; i < minConfirmedFrames; i++ {
		if _, err := s.ProcessFrame(loudFrame()); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}
	s.Reset()

	for i := 0; i < minConfirmedFrames-1; i++ {
		ev, err := s.ProcessFrame(loudFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d after reset: type = %v, want VADSilence (not yet re-confirmed)", i, ev.Type)
		}
	}
}

func TestClose_RejectsFurtherFrames(t *testing.T) {
	s := newTestSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(silentFrame()); err == nil {
		t.Error("expected error processing a frame after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v, want nil", err)
	}
}

func TestRMSEnergy_SilentFrameIsZero(t *testing.T) {
	if got := rmsEnergy(silentFrame()); got != 0 {
		t.Errorf("rmsEnergy(silent) = %v, want 0", got)
	}
}

func TestRMSEnergy_LoudFrameExceedsMode1Threshold(t *testing.T) {
	if got := rmsEnergy(loudFrame()); got <= mode1Threshold {
		t.Errorf("rmsEnergy(loud) = %v, want > %v", got, mode1Threshold)
	}
}
