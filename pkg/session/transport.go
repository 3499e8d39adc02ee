package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingBacklog = 32
)

// Transport is a duplex, ordered, at-least-once envelope channel to the
// room relay. Send never blocks past a bounded enqueue; Receive yields
// envelopes in arrival order; Done closes when the transport drops, so
// failures are never silent.
type Transport interface {
	Send(env *protocol.Envelope) error
	Receive() <-chan *protocol.Envelope
	Done() <-chan struct{}
	Close() error
}

// Dialer produces a fresh Transport; the session redials through it when
// the signaling channel drops.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebsocketDialer dials the registry's room signaling endpoint.
type WebsocketDialer struct {
	// ServerURL is the registry base, e.g. ws://localhost:8090.
	ServerURL string
	Room      protocol.RoomID
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	base, err := url.Parse(d.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	base.Path = "/rooms/" + d.Room

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signaling dial: %w", err)
	}
	return newWebsocketTransport(conn), nil
}

type websocketTransport struct {
	conn     *websocket.Conn
	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope
	done     chan struct{}

	closeOnce sync.Once
}

func newWebsocketTransport(conn *websocket.Conn) *websocketTransport {
	t := &websocketTransport{
		conn:     conn,
		incoming: make(chan *protocol.Envelope, outgoingBacklog),
		outgoing: make(chan *protocol.Envelope, outgoingBacklog),
		done:     make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *websocketTransport) readPump() {
	defer func() {
		t.conn.Close()
		t.signalDone()
		close(t.incoming)
	}()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		env := new(protocol.Envelope)
		if err := t.conn.ReadJSON(env); err != nil {
			return
		}
		select {
		case t.incoming <- env:
		case <-t.done:
			return
		}
	}
}

func (t *websocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case env := <-t.outgoing:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(env); err != nil {
				t.signalDone()
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.signalDone()
				return
			}
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *websocketTransport) signalDone() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *websocketTransport) Send(env *protocol.Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.outgoing <- env:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-time.After(writeWait):
		return ErrTransportClosed
	}
}

func (t *websocketTransport) Receive() <-chan *protocol.Envelope {
	return t.incoming
}

func (t *websocketTransport) Done() <-chan struct{} {
	return t.done
}

func (t *websocketTransport) Close() error {
	t.signalDone()
	return nil
}
