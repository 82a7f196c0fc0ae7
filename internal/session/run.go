package session

import (
	"context"
	"fmt"

	"github.com/MrWong99/relay/internal/fanout"
	"github.com/MrWong99/relay/pkg/broker"
)

// startTranscriptFanout dials the downstream transcript broker channel and
// starts its reconnect monitor, registering teardown as a closer (§4.7).
func (s *Session) startTranscriptFanout(ctx context.Context) error {
	reconnector := broker.NewReconnector(broker.ReconnectorConfig{
		Dialer:     s.transcriptDialer,
		UID:        s.UID,
		SampleRate: s.SampleRate,
	})
	if _, err := reconnector.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect transcript broker: %w", err)
	}
	reconnector.Monitor(ctx)

	s.transcriptRelay = fanout.NewTranscriptRelay(s.UID, reconnector, s.metrics, 0)
	s.addCloser(reconnector.Stop)
	return nil
}

// startAudioFanout dials the downstream audio broker channel and starts its
// reconnect monitor, registering teardown as a closer (§4.7).
func (s *Session) startAudioFanout(ctx context.Context) error {
	reconnector := broker.NewReconnector(broker.ReconnectorConfig{
		Dialer:     s.audioDialer,
		UID:        s.UID,
		SampleRate: s.SampleRate,
	})
	if _, err := reconnector.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect audio broker: %w", err)
	}
	reconnector.Monitor(ctx)

	s.audioRelay = fanout.NewAudioRelay(s.UID, reconnector, s.metrics, 0)
	s.addCloser(reconnector.Stop)
	return nil
}
