package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketTransport dials gorilla websocket connections. Envelopes
// travel as text frames since the sealed form is base64.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebSocketTransport returns a transport using the default dialer.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, t.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *wsConn) WriteMessage(data string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
	return c.conn.Close()
}
