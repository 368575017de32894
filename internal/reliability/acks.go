package reliability

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"semaphore/internal/config"
	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

// RedeliverFunc re-sends a frame to a socket when an ack times out.
type RedeliverFunc func(socketID string, frame *protocol.ServerFrame)

type pendingAck struct {
	messageID string
	socketID  string
	frame     *protocol.ServerFrame
	firstSent time.Time
	attempts  int
	deadline  time.Time
	done      chan error
}

// ackHeap orders pending acks by deadline. Entries acknowledged early are
// removed lazily on pop.
type ackHeap []*pendingAck

func (h ackHeap) Len() int            { return len(h) }
func (h ackHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h ackHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ackHeap) Push(x interface{}) { *h = append(*h, x.(*pendingAck)) }
func (h *ackHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Acknowledger tracks messages awaiting a client ack and retries them on a
// per-attempt timeout. One sweeper goroutine services all deadlines.
type Acknowledger struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	heap    ackHeap

	cfg       config.AckConfig
	redeliver RedeliverFunc
	logger    logging.Logger

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func NewAcknowledger(cfg config.AckConfig, redeliver RedeliverFunc, logger logging.Logger) *Acknowledger {
	a := &Acknowledger{
		pending:   make(map[string]*pendingAck),
		cfg:       cfg,
		redeliver: redeliver,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if cfg.Enabled {
		go a.sweeper()
	}
	return a
}

// Register enqueues a frame awaiting an ack. The returned channel receives
// nil on ack or an error when the retry budget is exhausted. With acks
// disabled the channel resolves immediately.
func (a *Acknowledger) Register(messageID, socketID string, frame *protocol.ServerFrame) <-chan error {
	done := make(chan error, 1)
	if !a.cfg.Enabled {
		done <- nil
		return done
	}

	entry := &pendingAck{
		messageID: messageID,
		socketID:  socketID,
		frame:     frame,
		firstSent: time.Now(),
		attempts:  1,
		deadline:  time.Now().Add(a.cfg.Timeout),
		done:      done,
	}

	a.mu.Lock()
	a.pending[messageID] = entry
	heap.Push(&a.heap, entry)
	a.mu.Unlock()

	a.signal()
	return done
}

// Acknowledge resolves a pending entry. Returns false when no such message
// is outstanding.
func (a *Acknowledger) Acknowledge(messageID string) bool {
	a.mu.Lock()
	entry, exists := a.pending[messageID]
	if exists {
		delete(a.pending, messageID)
	}
	a.mu.Unlock()

	if !exists {
		return false
	}
	entry.done <- nil
	return true
}

// PendingCount reports the number of outstanding acknowledgments.
func (a *Acknowledger) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Clear fails every outstanding entry, used on shutdown.
func (a *Acknowledger) Clear() {
	a.mu.Lock()
	cleared := make([]*pendingAck, 0, len(a.pending))
	for _, entry := range a.pending {
		cleared = append(cleared, entry)
	}
	a.pending = make(map[string]*pendingAck)
	a.heap = a.heap[:0]
	a.mu.Unlock()

	for _, entry := range cleared {
		entry.done <- fmt.Errorf("cleared")
	}
}

func (a *Acknowledger) Stop() {
	a.once.Do(func() { close(a.stop) })
}

func (a *Acknowledger) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// sweeper services deadlines in order, retrying or failing entries as
// their per-attempt timers expire.
func (a *Acknowledger) sweeper() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		a.mu.Lock()
		var wait time.Duration = time.Hour
		if len(a.heap) > 0 {
			wait = time.Until(a.heap[0].deadline)
		}
		a.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			a.expire()
		case <-a.wake:
		case <-a.stop:
			return
		}
	}
}

func (a *Acknowledger) expire() {
	now := time.Now()

	var retries []*pendingAck
	var failures []*pendingAck

	a.mu.Lock()
	for len(a.heap) > 0 && !a.heap[0].deadline.After(now) {
		entry := heap.Pop(&a.heap).(*pendingAck)
		if a.pending[entry.messageID] != entry {
			continue // already acknowledged or cleared
		}
		if entry.attempts < a.cfg.RetryAttempts {
			entry.attempts++
			entry.deadline = now.Add(a.cfg.Timeout)
			heap.Push(&a.heap, entry)
			retries = append(retries, entry)
		} else {
			delete(a.pending, entry.messageID)
			failures = append(failures, entry)
		}
	}
	a.mu.Unlock()

	for _, entry := range retries {
		a.logger.WithFields(logging.Fields{
			"message_id": entry.messageID,
			"socket_id":  entry.socketID,
			"attempt":    entry.attempts,
		}).Debug("Retrying unacknowledged message")
		if a.redeliver != nil {
			a.redeliver(entry.socketID, entry.frame)
		}
	}
	for _, entry := range failures {
		a.logger.WithFields(logging.Fields{
			"message_id": entry.messageID,
			"socket_id":  entry.socketID,
			"attempts":   entry.attempts,
		}).Warn("Message acknowledgment failed")
		entry.done <- fmt.Errorf("timeout after %d attempts", entry.attempts)
	}
}
