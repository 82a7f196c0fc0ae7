package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
)

// WSDialer dials the downstream broker over a plain WebSocket, passing uid
// and sample_rate as query parameters on connect.
type WSDialer struct {
	// BaseURL is the broker endpoint, e.g. "wss://broker.internal/ingest".
	BaseURL string
}

// NewWSDialer creates a [WSDialer] targeting baseURL.
func NewWSDialer(baseURL string) *WSDialer {
	return &WSDialer{BaseURL: baseURL}
}

// Dial implements [Dialer].
func (d *WSDialer) Dial(ctx context.Context, uid string, sampleRate int) (Conn, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("uid", uid)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a *websocket.Conn to [Conn].
type wsConn struct {
	conn *websocket.Conn
}

// Send implements [Conn].
func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		status := websocket.CloseStatus(err)
		if status != -1 {
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
		return fmt.Errorf("broker: send: %w", err)
	}
	return nil
}

// Close implements [Conn].
func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "fan-out relay closed")
}
