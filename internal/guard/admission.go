package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter throttles upgrade attempts per remote IP and globally.
// It protects against connection churn storms; capacity admission is the
// load manager's job.
type ConnectionLimiter struct {
	mu     sync.Mutex
	perIP  map[string]*ipLimiter
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	stop chan struct{}
	once sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimiter builds a limiter admitting perIPPerSec upgrades per
// IP and globalPerSec in total, each with the given burst. Non-positive
// values fall back to defaults.
func NewConnectionLimiter(perIPPerSec, globalPerSec float64, burst int) *ConnectionLimiter {
	if perIPPerSec <= 0 {
		perIPPerSec = 20
	}
	if globalPerSec <= 0 {
		globalPerSec = 2000
	}
	if burst <= 0 {
		burst = 20
	}
	return &ConnectionLimiter{
		perIP:      make(map[string]*ipLimiter),
		global:     rate.NewLimiter(rate.Limit(globalPerSec), burst*4),
		perIPRate:  rate.Limit(perIPPerSec),
		perIPBurst: burst,
		stop:       make(chan struct{}),
	}
}

// Allow reports whether an upgrade from ip may proceed right now.
func (c *ConnectionLimiter) Allow(ip string) bool {
	if !c.global.Allow() {
		return false
	}

	c.mu.Lock()
	entry, exists := c.perIP[ip]
	if !exists {
		entry = &ipLimiter{limiter: rate.NewLimiter(c.perIPRate, c.perIPBurst)}
		c.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	c.mu.Unlock()

	return entry.limiter.Allow()
}

// StartSweeper drops IP entries idle for ten minutes.
func (c *ConnectionLimiter) StartSweeper() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *ConnectionLimiter) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ConnectionLimiter) sweep() {
	cutoff := time.Now().Add(-10 * time.Minute)
	c.mu.Lock()
	for ip, entry := range c.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(c.perIP, ip)
		}
	}
	c.mu.Unlock()
}
