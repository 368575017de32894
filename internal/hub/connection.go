package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"semaphore/pkg/logging"
)

const (
	// time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	sendQueueSize = 256
)

type outboundFrame struct {
	payload  []byte
	critical bool
}

// Conn is one WebSocket connection. All writes go through the send queue
// so the write pump is the only goroutine touching the socket for output.
type Conn struct {
	ID          string
	UserID      string
	RemoteAddr  string
	ConnectedAt time.Time

	ws     *websocket.Conn
	send   chan outboundFrame
	queued atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, id, userID string) *Conn {
	return &Conn{
		ID:          id,
		UserID:      userID,
		RemoteAddr:  ws.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan outboundFrame, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump. Critical frames block until the
// pump has room, bounded by the write deadline; everything else is dropped
// when the queue is full. Returns false when the frame was dropped.
func (c *Conn) enqueue(payload []byte, critical bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	frame := outboundFrame{payload: payload, critical: critical}
	select {
	case c.send <- frame:
		c.queued.Add(int64(len(payload)))
		return true
	default:
	}
	if !critical {
		return false
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- frame:
		c.queued.Add(int64(len(payload)))
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

// QueuedBytes reports the bytes sitting in the outbound queue.
func (c *Conn) QueuedBytes() int64 {
	return c.queued.Load()
}

// close sends a close frame with the given code and tears the socket down.
// Safe to call more than once.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		message := websocket.FormatCloseMessage(code, reason)
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		c.ws.WriteMessage(websocket.CloseMessage, message)
		c.ws.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with pings.
func (c *Conn) writePump(pingPeriod time.Duration, sendPings bool, logger logging.Logger) {
	var ticker *time.Ticker
	var pings <-chan time.Time
	if sendPings && pingPeriod > 0 {
		ticker = time.NewTicker(pingPeriod)
		pings = ticker.C
		defer ticker.Stop()
	}
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			c.queued.Add(-int64(len(frame.payload)))
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				logger.WithError(err).WithField("socket_id", c.ID).Debug("Write failed, dropping connection")
				return
			}
		case <-pings:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Table is the connection table, keyed by socket id.
type Table struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewTable() *Table {
	return &Table{conns: make(map[string]*Conn)}
}

func (t *Table) Add(conn *Conn) {
	t.mu.Lock()
	t.conns[conn.ID] = conn
	t.mu.Unlock()
}

// Remove drops the connection and reports whether it was present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	_, present := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	return present
}

func (t *Table) Get(id string) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[id]
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Snapshot returns the current connections; safe to iterate while the
// table mutates.
func (t *Table) Snapshot() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	return conns
}
