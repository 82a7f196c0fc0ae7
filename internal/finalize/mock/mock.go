// Package mock provides in-memory fakes of finalize.MemoryProcessor,
// finalize.GeoResolver, and finalize.ClientNotifier for use in tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/relay/internal/finalize"
	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// Processor is a finalize.MemoryProcessor fake.
type Processor struct {
	Messages []finalize.PluginMessage
	Err      error

	mu    sync.Mutex
	Calls []*relaytypes.ConversationAggregate
}

func (p *Processor) Process(_ context.Context, agg *relaytypes.ConversationAggregate) ([]finalize.PluginMessage, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, agg)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Messages, nil
}

// GeoResolver is a finalize.GeoResolver fake.
type GeoResolver struct {
	Address string
	Err     error
}

func (g *GeoResolver) ReverseGeocode(_ context.Context, _ memory.Geolocation) (string, error) {
	return g.Address, g.Err
}

// Notifier is a finalize.ClientNotifier fake recording every call.
type Notifier struct {
	mu               sync.Mutex
	StartedCalls     []*relaytypes.ConversationAggregate
	CreatedAggs      []*relaytypes.ConversationAggregate
	CreatedMessages  [][]finalize.PluginMessage
}

func (n *Notifier) NotifyMemoryProcessingStarted(agg *relaytypes.ConversationAggregate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.StartedCalls = append(n.StartedCalls, agg)
}

func (n *Notifier) NotifyMemoryCreated(agg *relaytypes.ConversationAggregate, messages []finalize.PluginMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.CreatedAggs = append(n.CreatedAggs, agg)
	n.CreatedMessages = append(n.CreatedMessages, messages)
}

var (
	_ finalize.MemoryProcessor = (*Processor)(nil)
	_ finalize.GeoResolver     = (*GeoResolver)(nil)
	_ finalize.ClientNotifier  = (*Notifier)(nil)
)
