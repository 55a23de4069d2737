package upstream

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// wsSession guards a gorilla connection shared by the supervisor (reads,
// close) and the hub (control writes). gorilla allows one concurrent writer.
type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSession) set(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

func (w *wsSession) get() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *wsSession) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// stream pumps frames to onFrame until the connection breaks or ctx ends.
func (w *wsSession) stream(ctx context.Context, provider string, onFrame func([]byte)) error {
	conn := w.get()
	if conn == nil {
		return &ConnectionError{Provider: provider, Op: "read", Err: ErrNotConnected}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Provider: provider, Op: "read", Err: err}
		}
		onFrame(msg)
	}
}

func (w *wsSession) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
