package broker

import (
	"sync"

	"github.com/gorilla/websocket"

	"collabkit.dev/collabkit/wire"
)

// wsSender adapts a *websocket.Conn to the Sender interface, buffering
// outbound envelopes on a channel so a broadcast never blocks on a slow
// reader.
type wsSender struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{
		conn:   conn,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Send encodes env and queues it for delivery. A full outbound buffer drops
// the message rather than blocking the caller, matching the corpus's
// "prevent a slow client from blocking the whole broadcast" convention.
func (w *wsSender) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	select {
	case w.send <- data:
		return nil
	case <-w.closed:
		return nil
	default:
		return nil
	}
}

func (w *wsSender) Close() error {
	w.once.Do(func() { close(w.closed) })
	return w.conn.Close()
}

func (w *wsSender) writePump() {
	for {
		select {
		case data := <-w.send:
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-w.closed:
			return
		}
	}
}
