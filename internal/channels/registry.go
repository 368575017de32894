package channels

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

// ChannelType is the visibility class of a channel.
type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelPresence
)

func (t ChannelType) String() string {
	switch t {
	case ChannelPrivate:
		return "private"
	case ChannelPresence:
		return "presence"
	default:
		return "public"
	}
}

// TypeOf classifies a channel name by its reserved prefix.
func TypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, "presence-"):
		return ChannelPresence
	case strings.HasPrefix(name, "private-"):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

type presenceMember struct {
	id    string
	value interface{}
}

type channelEntry struct {
	name        string
	channelType ChannelType
	subscribers map[string]struct{}
	members     map[string]presenceMember // socket id -> member
}

// Socket identifies a connection to the registry.
type Socket struct {
	ID     string
	UserID string
}

// SubscribeResult reports a completed subscription.
type SubscribeResult struct {
	Channel           string
	Type              ChannelType
	AlreadySubscribed bool
	// Member is set for presence channels; other subscribers learn about it
	// through member_added.
	Member interface{}
	// Presence snapshots membership after the subscription, presence only.
	Presence *protocol.PresenceData
}

// UnsubscribeResult reports a completed unsubscription.
type UnsubscribeResult struct {
	Channel   string
	Type      ChannelType
	Removed   bool
	Destroyed bool
	Member    interface{} // presence member that left, when presence
}

// Registry owns all channel state on this node. Both directions of the
// socket/channel relation are mutated under one mutex so they can never
// disagree.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
	sockets  map[string]map[string]struct{} // socket id -> channel names

	authorizer *Authorizer
	bus        *LifecycleBus
	logger     logging.Logger
}

func NewRegistry(authorizer *Authorizer, bus *LifecycleBus, logger logging.Logger) *Registry {
	return &Registry{
		channels:   make(map[string]*channelEntry),
		sockets:    make(map[string]map[string]struct{}),
		authorizer: authorizer,
		bus:        bus,
		logger:     logger,
	}
}

// Subscribe adds the socket to a channel, authorizing first for non-public
// channels. The returned protocol error carries the client-facing kind.
func (r *Registry) Subscribe(socket Socket, name string, channelData json.RawMessage) (*SubscribeResult, *protocol.Error) {
	channelType := TypeOf(name)

	var member interface{}
	if channelType != ChannelPublic {
		authz, err := r.authorizer.Authorize(AuthRequest{
			SocketID:    socket.ID,
			UserID:      socket.UserID,
			Channel:     name,
			ChannelData: channelData,
		})
		if err != nil {
			return nil, err
		}
		member = authz.Member
	}
	if channelType == ChannelPresence && member == nil {
		member = parseMemberData(channelData, socket)
	}

	r.mu.Lock()
	entry, exists := r.channels[name]
	if !exists {
		entry = &channelEntry{
			name:        name,
			channelType: channelType,
			subscribers: make(map[string]struct{}),
		}
		if channelType == ChannelPresence {
			entry.members = make(map[string]presenceMember)
		}
		r.channels[name] = entry
	}

	if _, already := entry.subscribers[socket.ID]; already {
		result := &SubscribeResult{Channel: name, Type: channelType, AlreadySubscribed: true}
		if channelType == ChannelPresence {
			result.Member = entry.members[socket.ID].value
			result.Presence = entry.presenceSnapshot()
		}
		r.mu.Unlock()
		return result, nil
	}

	entry.subscribers[socket.ID] = struct{}{}
	if channelType == ChannelPresence {
		entry.members[socket.ID] = presenceMember{id: memberID(member, socket.ID), value: member}
	}

	if r.sockets[socket.ID] == nil {
		r.sockets[socket.ID] = make(map[string]struct{})
	}
	r.sockets[socket.ID][name] = struct{}{}

	count := len(entry.subscribers)
	result := &SubscribeResult{Channel: name, Type: channelType, Member: member}
	if channelType == ChannelPresence {
		result.Presence = entry.presenceSnapshot()
	}
	r.mu.Unlock()

	if !exists {
		r.bus.Emit(LifecycleContext{Event: LifecycleCreated, Channel: name, Type: channelType, SocketID: socket.ID, Count: count})
	}
	r.bus.Emit(LifecycleContext{Event: LifecycleSubscribed, Channel: name, Type: channelType, SocketID: socket.ID, Count: count})

	return result, nil
}

// Unsubscribe removes the socket from a channel and drops the channel entry
// when it empties.
func (r *Registry) Unsubscribe(socketID, name string) *UnsubscribeResult {
	r.mu.Lock()
	entry, exists := r.channels[name]
	if !exists {
		r.mu.Unlock()
		return &UnsubscribeResult{Channel: name, Type: TypeOf(name)}
	}
	if _, subscribed := entry.subscribers[socketID]; !subscribed {
		r.mu.Unlock()
		return &UnsubscribeResult{Channel: name, Type: entry.channelType}
	}

	delete(entry.subscribers, socketID)
	result := &UnsubscribeResult{Channel: name, Type: entry.channelType, Removed: true}
	if entry.channelType == ChannelPresence {
		result.Member = entry.members[socketID].value
		delete(entry.members, socketID)
	}

	if channels := r.sockets[socketID]; channels != nil {
		delete(channels, name)
		if len(channels) == 0 {
			delete(r.sockets, socketID)
		}
	}

	count := len(entry.subscribers)
	if count == 0 {
		delete(r.channels, name)
		result.Destroyed = true
	}
	r.mu.Unlock()

	r.bus.Emit(LifecycleContext{Event: LifecycleUnsubscribed, Channel: name, Type: result.Type, SocketID: socketID, Count: count})
	if result.Destroyed {
		r.bus.Emit(LifecycleContext{Event: LifecycleEmpty, Channel: name, Type: result.Type, SocketID: socketID})
		r.bus.Emit(LifecycleContext{Event: LifecycleDestroyed, Channel: name, Type: result.Type, SocketID: socketID})
	}

	return result
}

// UnsubscribeAll removes the socket from every channel it is subscribed to.
func (r *Registry) UnsubscribeAll(socketID string) []*UnsubscribeResult {
	names := r.SocketChannels(socketID)
	results := make([]*UnsubscribeResult, 0, len(names))
	for _, name := range names {
		results = append(results, r.Unsubscribe(socketID, name))
	}
	return results
}

// Subscribers returns a snapshot of the channel's subscriber socket ids.
func (r *Registry) Subscribers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.channels[name]
	if !exists {
		return nil
	}
	ids := make([]string, 0, len(entry.subscribers))
	for id := range entry.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// IsSubscribed reports whether the socket is currently in the channel.
func (r *Registry) IsSubscribed(socketID, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.channels[name]
	if !exists {
		return false
	}
	_, subscribed := entry.subscribers[socketID]
	return subscribed
}

// SocketChannels returns a snapshot of the channels a socket is in.
func (r *Registry) SocketChannels(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sockets[socketID]))
	for name := range r.sockets[socketID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelNames returns all live channel names.
func (r *Registry) ChannelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// SubscriberCount returns the subscriber count of a channel, 0 if absent.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.channels[name]
	if !exists {
		return 0
	}
	return len(entry.subscribers)
}

// PresenceSnapshot returns the current presence membership of a channel,
// nil when the channel is absent or not presence.
func (r *Registry) PresenceSnapshot(name string) *protocol.PresenceData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.channels[name]
	if !exists || entry.channelType != ChannelPresence {
		return nil
	}
	return entry.presenceSnapshot()
}

// MemberFor returns the presence member value a socket registered on a
// channel.
func (r *Registry) MemberFor(name, socketID string) interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.channels[name]
	if !exists || entry.channelType != ChannelPresence {
		return nil
	}
	return entry.members[socketID].value
}

func (e *channelEntry) presenceSnapshot() *protocol.PresenceData {
	data := &protocol.PresenceData{
		IDs:   make([]string, 0, len(e.members)),
		Hash:  make(map[string]interface{}, len(e.members)),
		Count: len(e.members),
	}
	for _, member := range e.members {
		data.IDs = append(data.IDs, member.id)
		data.Hash[member.id] = member.value
	}
	sort.Strings(data.IDs)
	return data
}

// parseMemberData builds a presence member from client-supplied channel
// data when the authorization rule did not supply one.
func parseMemberData(channelData json.RawMessage, socket Socket) interface{} {
	if len(channelData) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(channelData, &decoded); err == nil && decoded != nil {
			return decoded
		}
	}
	id := socket.UserID
	if id == "" {
		id = socket.ID
	}
	return map[string]interface{}{"id": id, "info": map[string]interface{}{}}
}

// memberID extracts the identity key used in presence hashes.
func memberID(member interface{}, socketID string) string {
	if m, ok := member.(map[string]interface{}); ok {
		if id, ok := m["id"]; ok && id != nil {
			return fmt.Sprint(id)
		}
	}
	return socketID
}
