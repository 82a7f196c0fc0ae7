// Package cachekv is a Redis-backed implementation of pkg/memory's Cache:
// the in-progress conversation id and cached geolocation fix each uid's
// session needs for continuity-across-reconnect (§4.6) and finalization
// geocoding (§4.5).
package cachekv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/relay/pkg/memory"
)

// inProgressTTL bounds how long a stale in-progress-id mapping can survive
// a crash that skipped MarkDiscarded/UpdateStatus; the finalization catch-up
// activity (§4.5) is the authoritative recovery path, this is a backstop.
const inProgressTTL = 24 * time.Hour

// geolocationTTL bounds how long a cached coordinate is considered fresh
// enough to reverse-geocode from without a new fix.
const geolocationTTL = 30 * time.Minute

func inProgressKey(uid string) string  { return "relay:inprogress:" + uid }
func geolocationKey(uid string) string { return "relay:geo:" + uid }

var _ memory.Cache = (*Cache)(nil)

// Cache is a Redis-backed memory.Cache. It holds a *redis.Client and is safe
// for concurrent use (go-redis clients are themselves safe for concurrent
// use).
type Cache struct {
	client *redis.Client
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (construction and Close).
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// GetInProgressID implements memory.Cache.
func (c *Cache) GetInProgressID(ctx context.Context, uid string) (string, bool, error) {
	id, err := c.client.Get(ctx, inProgressKey(uid)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cachekv: get in-progress id: %w", err)
	}
	return id, true, nil
}

// SetInProgressID implements memory.Cache.
func (c *Cache) SetInProgressID(ctx context.Context, uid, conversationID string) error {
	if err := c.client.Set(ctx, inProgressKey(uid), conversationID, inProgressTTL).Err(); err != nil {
		return fmt.Errorf("cachekv: set in-progress id: %w", err)
	}
	return nil
}

// ClearInProgressID removes the cached in-progress conversation id for uid.
// No code in the relay calls it: finalization leaves the cached id in place
// until the key's TTL expires.
func (c *Cache) ClearInProgressID(ctx context.Context, uid string) error {
	if err := c.client.Del(ctx, inProgressKey(uid)).Err(); err != nil {
		return fmt.Errorf("cachekv: clear in-progress id: %w", err)
	}
	return nil
}

// geolocationEntry is the JSON shape stored under geolocationKey.
type geolocationEntry struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GetGeolocation implements memory.Cache.
func (c *Cache) GetGeolocation(ctx context.Context, uid string) (*memory.Geolocation, bool, error) {
	data, err := c.client.Get(ctx, geolocationKey(uid)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cachekv: get geolocation: %w", err)
	}

	var entry geolocationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("cachekv: unmarshal geolocation: %w", err)
	}
	return &memory.Geolocation{Latitude: entry.Latitude, Longitude: entry.Longitude}, true, nil
}

// SetGeolocation records a geolocation fix for uid, to be consulted the next
// time a conversation finalizes (§4.5 step 2).
func (c *Cache) SetGeolocation(ctx context.Context, uid string, loc memory.Geolocation) error {
	data, err := json.Marshal(geolocationEntry{Latitude: loc.Latitude, Longitude: loc.Longitude})
	if err != nil {
		return fmt.Errorf("cachekv: marshal geolocation: %w", err)
	}
	if err := c.client.Set(ctx, geolocationKey(uid), data, geolocationTTL).Err(); err != nil {
		return fmt.Errorf("cachekv: set geolocation: %w", err)
	}
	return nil
}
