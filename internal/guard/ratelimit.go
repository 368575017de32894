package guard

import (
	"sync"
	"time"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

const limiterSweepInterval = 60 * time.Second

type windowEntry struct {
	count int
	reset time.Time
}

// MessageLimiter enforces a fixed-window message cap per key. State is
// in-memory only; a restart starts every window fresh.
type MessageLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry

	max    int
	window time.Duration

	perChannel bool
	perUser    bool

	logger logging.Logger
	stop   chan struct{}
	once   sync.Once
}

func NewMessageLimiter(cfg config.RateLimitConfig, logger logging.Logger) *MessageLimiter {
	return &MessageLimiter{
		entries:    make(map[string]*windowEntry),
		max:        cfg.Max,
		window:     cfg.Window,
		perChannel: cfg.PerChannel,
		perUser:    cfg.PerUser,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Key assembles the limiter key for a message. Users share a budget when
// per-user mode is on and the user is known, otherwise each socket gets its
// own.
func (l *MessageLimiter) Key(socketID, userID, channel string) string {
	key := "socket:" + socketID
	if l.perUser && userID != "" {
		key = "user:" + userID
	}
	if l.perChannel && channel != "" {
		key += ":channel:" + channel
	}
	return key
}

// Check admits or blocks one message for the key. When blocked it returns
// the wall time at which the window resets.
func (l *MessageLimiter) Check(key string) (blocked bool, reset time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists || now.After(entry.reset) {
		l.entries[key] = &windowEntry{count: 1, reset: now.Add(l.window)}
		return false, time.Time{}
	}
	if entry.count >= l.max {
		return true, entry.reset
	}
	entry.count++
	return false, time.Time{}
}

// StartSweeper begins dropping expired windows in the background.
func (l *MessageLimiter) StartSweeper() {
	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *MessageLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MessageLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	for key, entry := range l.entries {
		if now.After(entry.reset) {
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()
}
