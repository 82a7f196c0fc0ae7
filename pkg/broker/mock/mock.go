// Package mock provides in-memory mock implementations of the
// [broker.Dialer] and [broker.Conn] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/relay/pkg/broker"
)

// ─── Conn ───────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [broker.Conn].
type Conn struct {
	mu sync.Mutex

	// SendError is returned by [Conn.Send].
	SendError error

	// CloseError is returned by [Conn.Close].
	CloseError error

	// SentFrames records every frame passed to Send, in order.
	SentFrames [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Send implements [broker.Conn]. Records the frame and returns SendError.
func (c *Conn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.SentFrames = append(c.SentFrames, cp)
	return c.SendError
}

// Close implements [broker.Conn]. Returns CloseError.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseError
}

// ─── Dialer ─────────────────────────────────────────────────────────────────

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	UID        string
	SampleRate int
}

// Dialer is a mock implementation of [broker.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialResult is the [broker.Conn] returned by Dial.
	DialResult broker.Conn

	// DialError is the error returned by Dial.
	DialError error

	// DialCalls records all Dial invocations.
	DialCalls []DialCall
}

// Dial implements [broker.Dialer]. Records the call and returns
// DialResult/DialError.
func (d *Dialer) Dial(_ context.Context, uid string, sampleRate int) (broker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{UID: uid, SampleRate: sampleRate})
	return d.DialResult, d.DialError
}
