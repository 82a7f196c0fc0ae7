package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// ClientConn is the Socket Supervisor's view of the connected client: frame
// I/O plus the close/ping primitives the heartbeat loop needs. Modeling it
// as an interface (rather than a concrete *websocket.Conn field on Session)
// lets session_test.go exercise the Socket Supervisor, Audio Ingress, and
// Transcript Processor with an in-memory fake, grounded on
// pkg/broker.Conn's same "small interface wrapping *websocket.Conn" shape.
type ClientConn interface {
	// ReadMessage blocks for the next inbound frame. msgType is
	// websocket.MessageBinary for audio frames or websocket.MessageText for
	// the JSON control/keyword frames named in §2.3.
	ReadMessage(ctx context.Context) (msgType websocket.MessageType, data []byte, err error)

	// WriteJSON marshals v and writes it as a text frame.
	WriteJSON(ctx context.Context, v any) error

	// WriteText writes data as a raw (unquoted) text frame, used by the
	// Socket Supervisor's 10s "ping" heartbeat (§4.1) — the heartbeat is a
	// literal 4-byte text frame, not a JSON-encoded string and not a
	// WebSocket ping control frame.
	WriteText(ctx context.Context, data []byte) error

	// Close closes the connection with the given WebSocket status code and
	// reason string.
	Close(code int, reason string) error
}

// wsClientConn adapts a server-accepted *websocket.Conn to ClientConn.
// Grounded on the accept/read/write/ping/close shape of
// other_examples' websocket handler, which is the only place in the
// retrieval pack that server-accepts a WebSocket (the teacher only ever
// dials out as a client, via pkg/broker.WSDialer).
type wsClientConn struct {
	conn *websocket.Conn
}

// AcceptClientConn upgrades an inbound HTTP request to a WebSocket and
// returns a ClientConn wrapping it. readLimit bounds the maximum frame size
// accepted, guarding against a misbehaving client flooding memory.
func AcceptClientConn(w http.ResponseWriter, r *http.Request, readLimit int64) (ClientConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("session: accept websocket: %w", err)
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsClientConn{conn: conn}, nil
}

func (c *wsClientConn) ReadMessage(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.conn.Read(ctx)
}

func (c *wsClientConn) WriteJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal frame: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, body)
}

func (c *wsClientConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClientConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
