package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	brokermock "github.com/MrWong99/relay/pkg/broker/mock"
)

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		conn := &brokermock.Conn{}
		dialer := &brokermock.Dialer{
			DialResult: conn,
		}

		r := NewReconnector(ReconnectorConfig{
			Dialer:     dialer,
			UID:        "uid-1",
			SampleRate: 16000,
		})

		got, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != conn {
			t.Error("expected returned connection to match mock")
		}
		if r.Connection() != conn {
			t.Error("expected stored connection to match mock")
		}

		if len(dialer.DialCalls) != 1 {
			t.Errorf("expected 1 dial call, got %d", len(dialer.DialCalls))
		}
		if dialer.DialCalls[0].UID != "uid-1" || dialer.DialCalls[0].SampleRate != 16000 {
			t.Errorf("unexpected dial call: %+v", dialer.DialCalls[0])
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		dialer := &brokermock.Dialer{
			DialError: errors.New("dial failed"),
		}

		r := NewReconnector(ReconnectorConfig{
			Dialer: dialer,
			UID:    "uid-1",
		})

		_, err := r.Connect(context.Background())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Connection() != nil {
			t.Error("expected nil connection after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Dialer: &brokermock.Dialer{},
		UID:    "uid",
	})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	conn1 := &brokermock.Conn{}
	conn2 := &brokermock.Conn{}

	var reconnected atomic.Pointer[Conn]

	customDialer := &dialCountDialer{
		conns: []Conn{conn1, conn2},
	}

	r := NewReconnector(ReconnectorConfig{
		Dialer:     customDialer,
		UID:        "uid-1",
		MaxRetries: 3,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(c Conn) {
			reconnected.Store(&c)
		},
	})

	_, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := t.Context()

	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(50 * time.Millisecond)

	gotPtr := reconnected.Load()
	if gotPtr == nil {
		t.Fatal("expected OnReconnect to be called")
	}
	if *gotPtr != conn2 {
		t.Error("expected OnReconnect to be called with conn2")
	}

	_ = r.Stop()
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	var failCount atomic.Int32

	dialer := &failNTimesDialer{
		failTimes: 3,
		conn:      &brokermock.Conn{},
		count:     &failCount,
	}

	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Dialer:     dialer,
		UID:        "uid-1",
		MaxRetries: 5,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(c Conn) {
			reconnected.Store(true)
		},
	})

	r.mu.Lock()
	r.conn = &brokermock.Conn{}
	r.mu.Unlock()

	ctx := t.Context()

	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(200 * time.Millisecond)

	if !reconnected.Load() {
		t.Error("expected successful reconnection after failures")
	}

	attempts := failCount.Load()
	if attempts < 4 {
		t.Errorf("expected at least 4 connection attempts, got %d", attempts)
	}

	_ = r.Stop()
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	var dialAttempts atomic.Int32
	dialer := &countingFailDialer{
		err:   errors.New("permanently down"),
		count: &dialAttempts,
	}

	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Dialer:     dialer,
		UID:        "uid-1",
		MaxRetries: 2,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		OnReconnect: func(c Conn) {
			reconnected.Store(true)
		},
	})

	r.mu.Lock()
	r.conn = &brokermock.Conn{}
	r.mu.Unlock()

	ctx := t.Context()

	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(100 * time.Millisecond)

	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}

	if got := dialAttempts.Load(); got != 2 {
		t.Errorf("expected 2 dial attempts, got %d", got)
	}

	_ = r.Stop()
}

func TestReconnector_Stop(t *testing.T) {
	conn := &brokermock.Conn{}
	dialer := &brokermock.Dialer{DialResult: conn}

	r := NewReconnector(ReconnectorConfig{
		Dialer: dialer,
		UID:    "uid-1",
	})

	_, _ = r.Connect(context.Background())

	err := r.Stop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.Connection() != nil {
		t.Error("expected nil connection after Stop")
	}

	if conn.CallCountClose != 1 {
		t.Errorf("expected 1 Close call, got %d", conn.CallCountClose)
	}

	err = r.Stop()
	if err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Dialer: &brokermock.Dialer{},
		UID:    "uid",
	})

	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

// dialCountDialer returns connections from a list, cycling through them.
type dialCountDialer struct {
	mu        sync.Mutex
	conns     []Conn
	callCount int
}

func (d *dialCountDialer) Dial(_ context.Context, _ string, _ int) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.callCount
	d.callCount++
	if idx < len(d.conns) {
		return d.conns[idx], nil
	}
	return d.conns[len(d.conns)-1], nil
}

// failNTimesDialer fails the first N Dial calls, then succeeds.
type failNTimesDialer struct {
	failTimes int
	conn      Conn
	count     *atomic.Int32
}

func (d *failNTimesDialer) Dial(_ context.Context, _ string, _ int) (Conn, error) {
	n := d.count.Add(1)
	if int(n) <= d.failTimes {
		return nil, errors.New("dial failed")
	}
	return d.conn, nil
}

// countingFailDialer always fails but counts attempts atomically.
type countingFailDialer struct {
	err   error
	count *atomic.Int32
}

func (d *countingFailDialer) Dial(_ context.Context, _ string, _ int) (Conn, error) {
	d.count.Add(1)
	return nil, d.err
}
