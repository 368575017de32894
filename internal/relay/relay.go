package relay

import (
	"context"
	"encoding/json"
)

// Envelope is the wire record exchanged between nodes. ServerID names the
// publishing node so receivers can drop their own traffic.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	SocketID  string          `json:"socketId,omitempty"`
	ServerID  string          `json:"serverId"`
	MessageID string          `json:"messageId,omitempty"`
}

// EnvelopeBroadcast is the only envelope type currently on the wire.
const EnvelopeBroadcast = "broadcast"

// Relay carries broadcasts between nodes and mirrors channel, presence and
// connection state into a shared store. Implementations never mutate local
// state; the hub replays received envelopes itself.
type Relay interface {
	// Publish sends an envelope to every peer subscribed to the channel.
	Publish(ctx context.Context, envelope Envelope) error

	// Listen blocks delivering peer envelopes to handler until ctx is done.
	// Envelopes published by this node are filtered out.
	Listen(ctx context.Context, handler func(Envelope)) error

	StoreChannel(ctx context.Context, channel, socketID string) error
	RemoveChannel(ctx context.Context, channel, socketID string) error

	StorePresenceMember(ctx context.Context, channel, socketID string, member interface{}) error
	RemovePresenceMember(ctx context.Context, channel, socketID string) error
	PresenceMembers(ctx context.Context, channel string) (map[string]json.RawMessage, error)

	StoreConnection(ctx context.Context, socketID string, snapshot interface{}) error
	RemoveConnection(ctx context.Context, socketID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
