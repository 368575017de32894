package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

// redisStore keeps each channel's window in a sorted set scored by the
// message timestamp, shared across the fleet.
type redisStore struct {
	client    goredis.UniversalClient
	keyPrefix string

	maxMessages int
	ttl         time.Duration
	logger      logging.Logger
}

func NewRedisStore(client goredis.UniversalClient, keyPrefix string, cfg config.PersistenceConfig, logger logging.Logger) Store {
	return &redisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		maxMessages: cfg.MaxMessages,
		ttl:         cfg.TTL,
		logger:      logger,
	}
}

func (s *redisStore) Store(ctx context.Context, channel, event string, data json.RawMessage, socketID string) (Message, error) {
	msg := newMessage(event, data, socketID)
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("marshal history message: %w", err)
	}

	key := s.key(channel)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(msg.Timestamp), Member: payload})
	if s.ttl > 0 {
		cutoff := time.Now().Add(-s.ttl).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
		pipe.Expire(ctx, key, s.ttl)
	}
	if s.maxMessages > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.maxMessages-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("store history message: %w", err)
	}
	return msg, nil
}

func (s *redisStore) History(ctx context.Context, channel string, since int64, limit int) ([]Message, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	raw, err := s.client.ZRangeByScore(ctx, s.key(channel), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.WithError(err).WithField("channel", channel).Warn("Dropping undecodable history entry")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *redisStore) Stop() {}

func (s *redisStore) key(channel string) string {
	return s.keyPrefix + "history:" + channel
}
