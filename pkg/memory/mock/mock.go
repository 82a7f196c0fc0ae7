// Package mock provides in-memory fakes of memory.ConversationStore and
// memory.Cache for use in tests, mirroring the style of the provider mock
// packages elsewhere in this module (small struct, mutex-guarded maps, no
// mocking framework).
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// Store is an in-memory memory.ConversationStore.
type Store struct {
	mu   sync.Mutex
	byID map[string]*relaytypes.ConversationAggregate
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*relaytypes.ConversationAggregate)}
}

func clone(a *relaytypes.ConversationAggregate) *relaytypes.ConversationAggregate {
	if a == nil {
		return nil
	}
	cp := *a
	cp.TranscriptSegments = append([]relaytypes.TranscriptSegment(nil), a.TranscriptSegments...)
	return &cp
}

func (s *Store) Get(_ context.Context, id string) (*relaytypes.ConversationAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.byID[id]), nil
}

func (s *Store) GetInProgress(_ context.Context, uid string) (*relaytypes.ConversationAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.UID == uid && a.Status == relaytypes.StatusInProgress {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (s *Store) GetProcessing(_ context.Context, uid string) ([]*relaytypes.ConversationAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relaytypes.ConversationAggregate
	for _, a := range s.byID {
		if a.UID == uid && a.Status == relaytypes.StatusProcessing {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (s *Store) GetLastCompleted(_ context.Context, uid string) (*relaytypes.ConversationAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *relaytypes.ConversationAggregate
	for _, a := range s.byID {
		if a.UID != uid || a.Status != relaytypes.StatusCompleted {
			continue
		}
		if best == nil || a.FinishedAt.After(best.FinishedAt) {
			best = a
		}
	}
	return clone(best), nil
}

func (s *Store) Upsert(_ context.Context, agg *relaytypes.ConversationAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[agg.ID] = clone(agg)
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status relaytypes.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.Status = status
	}
	return nil
}

func (s *Store) UpdateSegments(_ context.Context, id string, segments []relaytypes.TranscriptSegment, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.TranscriptSegments = append([]relaytypes.TranscriptSegment(nil), segments...)
		a.FinishedAt = finishedAt
	}
	return nil
}

func (s *Store) MarkDiscarded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.Status = relaytypes.StatusDiscarded
		a.Discarded = true
	}
	return nil
}

// Cache is an in-memory memory.Cache.
type Cache struct {
	mu    sync.Mutex
	inProg map[string]string
	geo    map[string]memory.Geolocation
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{inProg: make(map[string]string), geo: make(map[string]memory.Geolocation)}
}

func (c *Cache) GetInProgressID(_ context.Context, uid string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.inProg[uid]
	return id, ok, nil
}

func (c *Cache) SetInProgressID(_ context.Context, uid, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProg[uid] = conversationID
	return nil
}

func (c *Cache) GetGeolocation(_ context.Context, uid string) (*memory.Geolocation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.geo[uid]
	if !ok {
		return nil, false, nil
	}
	return &g, true, nil
}

// SetGeolocation is a test helper for seeding a cached fix.
func (c *Cache) SetGeolocation(uid string, g memory.Geolocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.geo[uid] = g
}

var (
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.Cache             = (*Cache)(nil)
)
