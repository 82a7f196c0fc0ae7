// Package audio provides the Opus decode step of the Audio Ingress activity
// (§4.2): each session owns exactly one decoder for the lifetime of its
// connection, since Opus decoder state is per-stream and must never be
// shared across sessions.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Relay audio is 16 kHz mono Opus with a 10 ms frame size (160 samples per
// channel per frame), per §4.2.
const (
	opusSampleRate  = 16000
	opusChannels    = 1
	opusFrameSizeMs = 10
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 160
)

// OpusDecoder wraps a gopus decoder for a single session's inbound Opus
// stream. Only codec "opus" at 16000 Hz is decoded; other opus variants are
// passed through untouched by the caller (§4.2: "defined behavior: no
// decode").
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder configured for relay audio.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes a single Opus packet into interleaved little-endian int16
// PCM bytes.
func (d *OpusDecoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
