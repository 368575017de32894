package history

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"semaphore/internal/config"
)

// Message is one retained broadcast. Timestamp is unix milliseconds.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SocketID  string          `json:"socketId,omitempty"`
}

// Store keeps a bounded, time-ordered window of recent messages per
// channel so late subscribers can catch up.
type Store interface {
	// Store appends a message and returns the stored record.
	Store(ctx context.Context, channel, event string, data json.RawMessage, socketID string) (Message, error)

	// History returns messages with Timestamp strictly greater than since,
	// oldest first, at most limit entries. since=0 means everything,
	// limit<=0 means no cap.
	History(ctx context.Context, channel string, since int64, limit int) ([]Message, error)

	Stop()
}

func newMessage(event string, data json.RawMessage, socketID string) Message {
	return Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SocketID:  socketID,
	}
}

// memoryStore trims its window on every append: by count first, then age.
type memoryStore struct {
	mu       sync.Mutex
	channels map[string][]Message

	maxMessages int
	ttl         time.Duration
}

func NewMemoryStore(cfg config.PersistenceConfig) Store {
	return &memoryStore{
		channels:    make(map[string][]Message),
		maxMessages: cfg.MaxMessages,
		ttl:         cfg.TTL,
	}
}

func (s *memoryStore) Store(_ context.Context, channel, event string, data json.RawMessage, socketID string) (Message, error) {
	msg := newMessage(event, data, socketID)

	s.mu.Lock()
	window := append(s.channels[channel], msg)
	window = s.trim(window)
	s.channels[channel] = window
	s.mu.Unlock()

	return msg, nil
}

func (s *memoryStore) History(_ context.Context, channel string, since int64, limit int) ([]Message, error) {
	s.mu.Lock()
	window := s.trim(s.channels[channel])
	s.channels[channel] = window
	out := make([]Message, 0, len(window))
	for _, msg := range window {
		if msg.Timestamp > since {
			out = append(out, msg)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Stop() {}

func (s *memoryStore) trim(window []Message) []Message {
	if s.maxMessages > 0 && len(window) > s.maxMessages {
		window = window[len(window)-s.maxMessages:]
	}
	if s.ttl > 0 {
		cutoff := time.Now().Add(-s.ttl).UnixMilli()
		first := 0
		for first < len(window) && window[first].Timestamp < cutoff {
			first++
		}
		window = window[first:]
	}
	return window
}
