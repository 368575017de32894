package presence

import (
	"sync"
	"time"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

// EvictFunc is called for each member dropped by the sweeper. The hub uses
// it to broadcast member_removed and update the registry.
type EvictFunc func(channel, socketID string)

// Tracker watches presence members for heartbeat staleness. Members that
// stop refreshing within the timeout are evicted by a periodic sweeper.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]map[string]time.Time // channel -> socket id -> last seen

	interval time.Duration
	timeout  time.Duration
	onEvict  EvictFunc
	logger   logging.Logger

	stop chan struct{}
	once sync.Once
}

func NewTracker(cfg config.HeartbeatConfig, onEvict EvictFunc, logger logging.Logger) *Tracker {
	return &Tracker{
		lastSeen: make(map[string]map[string]time.Time),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		onEvict:  onEvict,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Track starts watching a member, stamped as seen now.
func (t *Tracker) Track(channel, socketID string) {
	t.mu.Lock()
	if t.lastSeen[channel] == nil {
		t.lastSeen[channel] = make(map[string]time.Time)
	}
	t.lastSeen[channel][socketID] = time.Now()
	t.mu.Unlock()
}

// Touch refreshes a member's heartbeat. Unknown members are ignored; the
// registry is the authority on who belongs to a channel.
func (t *Tracker) Touch(channel, socketID string) {
	t.mu.Lock()
	if members := t.lastSeen[channel]; members != nil {
		if _, tracked := members[socketID]; tracked {
			members[socketID] = time.Now()
		}
	}
	t.mu.Unlock()
}

// TouchAll refreshes the socket across every channel it is tracked in,
// used for heartbeats that name no channel.
func (t *Tracker) TouchAll(socketID string) {
	now := time.Now()
	t.mu.Lock()
	for _, members := range t.lastSeen {
		if _, tracked := members[socketID]; tracked {
			members[socketID] = now
		}
	}
	t.mu.Unlock()
}

// Remove stops watching a member without firing the evict callback.
func (t *Tracker) Remove(channel, socketID string) {
	t.mu.Lock()
	if members := t.lastSeen[channel]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(t.lastSeen, channel)
		}
	}
	t.mu.Unlock()
}

// RemoveAll stops watching a socket everywhere, used on disconnect.
func (t *Tracker) RemoveAll(socketID string) {
	t.mu.Lock()
	for channel, members := range t.lastSeen {
		delete(members, socketID)
		if len(members) == 0 {
			delete(t.lastSeen, channel)
		}
	}
	t.mu.Unlock()
}

// Start launches the sweeper.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

type eviction struct {
	channel  string
	socketID string
}

func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.timeout)

	var evicted []eviction
	t.mu.Lock()
	for channel, members := range t.lastSeen {
		for socketID, seenAt := range members {
			if seenAt.Before(cutoff) {
				delete(members, socketID)
				evicted = append(evicted, eviction{channel: channel, socketID: socketID})
			}
		}
		if len(members) == 0 {
			delete(t.lastSeen, channel)
		}
	}
	t.mu.Unlock()

	for _, e := range evicted {
		t.logger.WithFields(logging.Fields{
			"channel":   e.channel,
			"socket_id": e.socketID,
		}).Info("Evicting stale presence member")
		if t.onEvict != nil {
			t.onEvict(e.channel, e.socketID)
		}
	}
}
