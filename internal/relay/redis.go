package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"semaphore/pkg/logging"
	"semaphore/pkg/redis"
)

const (
	channelStateTTL = 3600 * time.Second
	connectionTTL   = 7200 * time.Second
)

// RedisRelay implements Relay on Redis pub/sub plus keyed state with TTLs.
// Every key and pub/sub topic carries the configured prefix so multiple
// deployments can share one Redis.
type RedisRelay struct {
	client        goredis.UniversalClient
	pubsub        *redis.TypedPubSub[Envelope]
	prefix        string
	serverID      string
	publishToSelf bool
	logger        logging.Logger
}

// NewRedisRelay builds a relay identified by serverID. With publishToSelf
// the node's own envelopes come back through the subscription instead of
// being dropped as loopback.
func NewRedisRelay(client goredis.UniversalClient, prefix, serverID string, publishToSelf bool, logger logging.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "broadcasting:"
	}
	return &RedisRelay{
		client:        client,
		pubsub:        redis.NewTypedPubSub[Envelope](client, logger),
		prefix:        prefix,
		serverID:      serverID,
		publishToSelf: publishToSelf,
		logger:        logger,
	}
}

// ServerID returns the node identity stamped onto published envelopes.
func (r *RedisRelay) ServerID() string {
	return r.serverID
}

func (r *RedisRelay) Publish(ctx context.Context, envelope Envelope) error {
	if envelope.Type == "" {
		envelope.Type = EnvelopeBroadcast
	}
	envelope.ServerID = r.serverID
	return r.pubsub.Publish(ctx, r.prefix+envelope.Channel, envelope)
}

// Listen subscribes to every prefixed topic. Channel names map one-to-one
// onto topics, so a pattern subscription covers present and future
// channels; loopback envelopes are dropped here unless publishToSelf is
// set.
func (r *RedisRelay) Listen(ctx context.Context, handler func(Envelope)) error {
	return r.pubsub.PSubscribe(ctx, r.prefix+"*", func(envelope Envelope) {
		if envelope.ServerID == r.serverID && !r.publishToSelf {
			return
		}
		handler(envelope)
	})
}

func (r *RedisRelay) StoreChannel(ctx context.Context, channel, socketID string) error {
	key := r.channelKey(channel)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, socketID)
	pipe.Expire(ctx, key, channelStateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRelay) RemoveChannel(ctx context.Context, channel, socketID string) error {
	return r.client.SRem(ctx, r.channelKey(channel), socketID).Err()
}

func (r *RedisRelay) StorePresenceMember(ctx context.Context, channel, socketID string, member interface{}) error {
	payload, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("marshal presence member: %w", err)
	}
	key := r.presenceKey(channel)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, socketID, payload)
	pipe.Expire(ctx, key, channelStateTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRelay) RemovePresenceMember(ctx context.Context, channel, socketID string) error {
	return r.client.HDel(ctx, r.presenceKey(channel), socketID).Err()
}

// PresenceMembers returns the fleet-wide presence hash of a channel.
func (r *RedisRelay) PresenceMembers(ctx context.Context, channel string) (map[string]json.RawMessage, error) {
	raw, err := r.client.HGetAll(ctx, r.presenceKey(channel)).Result()
	if err != nil {
		return nil, err
	}
	members := make(map[string]json.RawMessage, len(raw))
	for socketID, payload := range raw {
		members[socketID] = json.RawMessage(payload)
	}
	return members, nil
}

func (r *RedisRelay) StoreConnection(ctx context.Context, socketID string, snapshot interface{}) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal connection snapshot: %w", err)
	}
	return r.client.Set(ctx, r.connectionKey(socketID), payload, connectionTTL).Err()
}

func (r *RedisRelay) RemoveConnection(ctx context.Context, socketID string) error {
	return r.client.Del(ctx, r.connectionKey(socketID)).Err()
}

func (r *RedisRelay) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) channelKey(channel string) string {
	return r.prefix + "channels:" + channel
}

func (r *RedisRelay) presenceKey(channel string) string {
	return r.prefix + "presence:" + channel
}

func (r *RedisRelay) connectionKey(socketID string) string {
	return r.prefix + "connections:" + socketID
}
