package events

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// NewWebSocketClient returns a Client for the direct-socket transport
// variant: a websocket endpoint pushing JSON {type, payload} frames.
func NewWebSocketClient(url string, reconnectDelay time.Duration, logger *slog.Logger) *Client {
	dial := func() (frameConn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
	return newClient(dial, reconnectDelay, logger)
}
