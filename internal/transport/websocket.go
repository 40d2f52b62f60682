package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
	"nhooyr.io/websocket"
)

// DefaultReadLimit caps a single inbound message.
const DefaultReadLimit = 1 << 20

// ErrUnexpectedMessageType is returned for binary frames; the bridge protocol is text only.
var ErrUnexpectedMessageType = errors.New("unexpected websocket message type")

// WebSocket is a contracts.Transport over a websocket connection carrying one JSON message per text frame.
type WebSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

var _ contracts.Transport = (*WebSocket)(nil)

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(DefaultReadLimit)
	return &WebSocket{conn: conn}
}

// Dial connects to a bridge process.
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// NewDialer returns a contracts.Dialer that opens websocket transports.
func NewDialer(log contracts.Logger) contracts.Dialer {
	return func(ctx context.Context, url string) (contracts.Transport, error) {
		ws, err := Dial(ctx, url)
		if err != nil {
			log.Warn("bridge dial failed",
				log.Field().String("url", url),
				log.Field().Error("error", err))
			return nil, err
		}
		log.Debug("bridge transport open", log.Field().String("url", url))
		return ws, nil
	}
}

// ReadMessage blocks for the next text frame.
func (w *WebSocket) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedMessageType, typ)
	}
	return data, nil
}

// WriteMessage sends data as one text frame.
func (w *WebSocket) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs the closing handshake. Repeated calls return the first result.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		err := w.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			w.closeErr = err
		}
	})
	return w.closeErr
}
