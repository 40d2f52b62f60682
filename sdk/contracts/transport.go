package contracts

import "context"

// Transport is a duplex message channel to a bridge process. One message per call.
// WriteMessage may be called concurrently with ReadMessage.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Transport to the bridge process listening at url.
type Dialer func(ctx context.Context, url string) (Transport, error)
