package client

import (
	"context"

	"github.com/gorilla/websocket"

	"collabkit.dev/collabkit/wire"
)

// Transport is one live bidirectional connection to the broker. Receive
// blocks until a message arrives or the connection fails; both directions
// are FIFO.
type Transport interface {
	Send(wire.Envelope) error
	Receive() (wire.Envelope, error)
	Close() error
}

// Dialer opens a Transport to a broker URL. The client takes a Dialer rather
// than a concrete websocket type so tests can drive the session engine
// through an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer is the production Dialer, backed by gorilla/websocket the
// same way the broker side is.
type WebSocketDialer struct{}

// Dial implements Dialer.
func (WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() (wire.Envelope, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return wire.Envelope{}, err
		}
		env, err := wire.Decode(data)
		if err != nil {
			// A malformed frame from the broker is dropped, not fatal: the
			// dispatcher decides close-vs-drop, not the codec.
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
