package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

const dedupSweepInterval = 60 * time.Second

// Deduplicator decides whether a message was already seen recently.
type Deduplicator interface {
	IsDuplicate(channel, event string, data json.RawMessage, explicitID string) bool
	Stop()
}

// DedupKey derives the identity of a message: the explicit id when the
// producer supplied one, otherwise a digest over channel, event and the
// canonicalized payload.
func DedupKey(channel, event string, data json.RawMessage, explicitID string) string {
	if explicitID != "" {
		return explicitID
	}

	payload := []byte(data)
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err == nil {
		// re-marshal for stable map key ordering
		if canonical, err := json.Marshal(decoded); err == nil {
			payload = canonical
		}
	}

	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(event))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// memoryDeduplicator keeps seen keys in process memory with TTL expiry and
// insertion-order eviction once maxSize is exceeded.
type memoryDeduplicator struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	order []string

	ttl     time.Duration
	maxSize int

	stop chan struct{}
	once sync.Once
}

func NewMemoryDeduplicator(cfg config.DedupConfig) Deduplicator {
	d := &memoryDeduplicator{
		seen:    make(map[string]time.Time),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		stop:    make(chan struct{}),
	}
	go d.sweeper()
	return d
}

func (d *memoryDeduplicator) IsDuplicate(channel, event string, data json.RawMessage, explicitID string) bool {
	key := DedupKey(channel, event, data, explicitID)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	seenAt, exists := d.seen[key]
	if exists && now.Sub(seenAt) < d.ttl {
		return true
	}

	// a TTL-expired key is re-inserted, so it moves to the back of the
	// eviction order
	if exists {
		for i, candidate := range d.order {
			if candidate == key {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.order = append(d.order, key)
	d.seen[key] = now

	for d.maxSize > 0 && len(d.seen) > d.maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

func (d *memoryDeduplicator) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *memoryDeduplicator) sweeper() {
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

func (d *memoryDeduplicator) sweep() {
	now := time.Now()
	d.mu.Lock()
	for key, seenAt := range d.seen {
		if now.Sub(seenAt) >= d.ttl {
			delete(d.seen, key)
		}
	}
	kept := d.order[:0]
	for _, key := range d.order {
		if _, exists := d.seen[key]; exists {
			kept = append(kept, key)
		}
	}
	d.order = kept
	d.mu.Unlock()
}

// redisDeduplicator shares seen keys across the fleet. Store failures are
// treated as not-duplicate so delivery never blocks on the store.
type redisDeduplicator struct {
	client    goredis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    logging.Logger
}

func NewRedisDeduplicator(client goredis.UniversalClient, keyPrefix string, cfg config.DedupConfig, logger logging.Logger) Deduplicator {
	return &redisDeduplicator{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
		logger:    logger,
	}
}

func (d *redisDeduplicator) IsDuplicate(channel, event string, data json.RawMessage, explicitID string) bool {
	key := d.keyPrefix + "dedup:" + DedupKey(channel, event, data, explicitID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inserted, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.WithError(err).Warn("Deduplication store unavailable, treating message as new")
		return false
	}
	return !inserted
}

func (d *redisDeduplicator) Stop() {}
