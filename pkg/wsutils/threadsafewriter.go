package wsutils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single write so one stalled reader cannot block every
// goroutine fanning out through the same room.
const writeWait = 10 * time.Second

// ThreadSafeWriter serializes writes to a websocket connection. Reads stay
// single-consumer; gorilla forbids concurrent writers only.
type ThreadSafeWriter struct {
	*websocket.Conn
	sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (t *ThreadSafeWriter) WriteJSON(val interface{}) error {
	t.Lock()
	defer t.Unlock()

	t.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.Conn.WriteJSON(val)
}

func (t *ThreadSafeWriter) WriteMessage(messageType int, data []byte) error {
	t.Lock()
	defer t.Unlock()

	t.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.Conn.WriteMessage(messageType, data)
}

func (t *ThreadSafeWriter) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.Conn.Close()
	})
	return t.closeErr
}

func (t *ThreadSafeWriter) ReadJSON(val any) error {
	return t.Conn.ReadJSON(val)
}

func NewThreadSafeWriter(conn *websocket.Conn) *ThreadSafeWriter {
	return &ThreadSafeWriter{
		Conn: conn,
	}
}
