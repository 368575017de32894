package channels

import (
	"encoding/json"
	"testing"

	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

func testRegistry() (*Registry, *Authorizer, *LifecycleBus) {
	logger := logging.NewLogger()
	authorizer := NewAuthorizer(logger)
	bus := NewLifecycleBus(logger)
	return NewRegistry(authorizer, bus, logger), authorizer, bus
}

func TestTypeOf(t *testing.T) {
	if TypeOf("news") != ChannelPublic {
		t.Fatal("news should be public")
	}
	if TypeOf("private-user.1") != ChannelPrivate {
		t.Fatal("private- prefix should be private")
	}
	if TypeOf("presence-room.1") != ChannelPresence {
		t.Fatal("presence- prefix should be presence")
	}
}

func TestSubscribePublic(t *testing.T) {
	registry, _, _ := testRegistry()

	result, err := registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if result.Type != ChannelPublic || result.AlreadySubscribed {
		t.Fatalf("unexpected result %+v", result)
	}
	if !registry.IsSubscribed("s1", "news") {
		t.Fatal("expected s1 subscribed to news")
	}
}

func TestMembershipSymmetry(t *testing.T) {
	registry, _, _ := testRegistry()

	registry.Subscribe(Socket{ID: "s1"}, "a", nil)
	registry.Subscribe(Socket{ID: "s1"}, "b", nil)
	registry.Subscribe(Socket{ID: "s2"}, "a", nil)

	// socket side and channel side must agree
	for _, name := range registry.SocketChannels("s1") {
		found := false
		for _, id := range registry.Subscribers(name) {
			if id == "s1" {
				found = true
			}
		}
		if !found {
			t.Fatalf("s1 lists %s but channel does not list s1", name)
		}
	}

	registry.Unsubscribe("s1", "a")
	for _, id := range registry.Subscribers("a") {
		if id == "s1" {
			t.Fatal("s1 still listed after unsubscribe")
		}
	}
	for _, name := range registry.SocketChannels("s1") {
		if name == "a" {
			t.Fatal("socket still lists a after unsubscribe")
		}
	}
}

func TestEmptyChannelDropped(t *testing.T) {
	registry, _, _ := testRegistry()

	registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	registry.Subscribe(Socket{ID: "s2"}, "news", nil)
	if registry.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel, got %d", registry.ChannelCount())
	}

	registry.Unsubscribe("s1", "news")
	if registry.ChannelCount() != 1 {
		t.Fatal("channel dropped while still populated")
	}

	result := registry.Unsubscribe("s2", "news")
	if !result.Destroyed {
		t.Fatal("expected last unsubscribe to destroy the channel")
	}
	if registry.ChannelCount() != 0 {
		t.Fatal("empty channel still stored")
	}
}

func TestPrivateSubscribeDenied(t *testing.T) {
	registry, authorizer, _ := testRegistry()
	authorizer.Register("private-user.{userId}", func(req AuthRequest) (interface{}, error) {
		return req.Params["userId"] == req.UserID, nil
	})

	if _, err := registry.Subscribe(Socket{ID: "s1", UserID: "123"}, "private-user.123", nil); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}

	_, err := registry.Subscribe(Socket{ID: "s1", UserID: "123"}, "private-user.999", nil)
	if err == nil || err.Kind != protocol.ErrAuth || err.Status != 401 {
		t.Fatalf("expected AuthError 401, got %v", err)
	}
	if registry.IsSubscribed("s1", "private-user.999") {
		t.Fatal("denied subscription must not register")
	}
}

func TestPresenceParity(t *testing.T) {
	registry, authorizer, _ := testRegistry()
	authorizer.Register("presence-chat.{roomId}", func(req AuthRequest) (interface{}, error) {
		return map[string]interface{}{"id": req.SocketID, "info": map[string]interface{}{}}, nil
	})

	resultA, err := registry.Subscribe(Socket{ID: "sA"}, "presence-chat.1", nil)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if resultA.Presence == nil || resultA.Presence.Count != 1 {
		t.Fatalf("expected presence count 1, got %+v", resultA.Presence)
	}

	resultB, err := registry.Subscribe(Socket{ID: "sB"}, "presence-chat.1", nil)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	if resultB.Presence.Count != 2 {
		t.Fatalf("expected presence count 2, got %d", resultB.Presence.Count)
	}
	if _, ok := resultB.Presence.Hash["sA"]; !ok {
		t.Fatalf("expected sA in hash, got %v", resultB.Presence.Hash)
	}

	// member keys must track subscribers exactly
	snapshot := registry.PresenceSnapshot("presence-chat.1")
	if len(snapshot.IDs) != len(registry.Subscribers("presence-chat.1")) {
		t.Fatalf("presence parity violated: %v vs %v", snapshot.IDs, registry.Subscribers("presence-chat.1"))
	}

	result := registry.Unsubscribe("sA", "presence-chat.1")
	member := result.Member.(map[string]interface{})
	if member["id"] != "sA" {
		t.Fatalf("expected departing member sA, got %v", member)
	}
	snapshot = registry.PresenceSnapshot("presence-chat.1")
	if snapshot.Count != 1 {
		t.Fatalf("expected 1 member after leave, got %d", snapshot.Count)
	}
}

func TestPresenceMemberFromChannelData(t *testing.T) {
	registry, authorizer, _ := testRegistry()
	authorizer.Register("presence-room.{id}", func(req AuthRequest) (interface{}, error) {
		return true, nil // allow without supplying a member
	})

	data := json.RawMessage(`{"id":"u7","info":{"name":"Ada"}}`)
	result, err := registry.Subscribe(Socket{ID: "s7", UserID: "u7"}, "presence-room.1", data)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	member := result.Member.(map[string]interface{})
	if member["id"] != "u7" {
		t.Fatalf("expected channel_data member, got %v", member)
	}
	if _, ok := result.Presence.Hash["u7"]; !ok {
		t.Fatalf("expected hash keyed by member id, got %v", result.Presence.Hash)
	}
}

func TestDuplicateSubscribeIsIdempotent(t *testing.T) {
	registry, _, _ := testRegistry()

	registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	result, err := registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !result.AlreadySubscribed {
		t.Fatal("expected AlreadySubscribed on second subscribe")
	}
	if got := registry.SubscriberCount("news"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	registry, _, _ := testRegistry()

	registry.Subscribe(Socket{ID: "s1"}, "a", nil)
	registry.Subscribe(Socket{ID: "s1"}, "b", nil)
	registry.Subscribe(Socket{ID: "s2"}, "b", nil)

	results := registry.UnsubscribeAll("s1")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(registry.SocketChannels("s1")) != 0 {
		t.Fatal("socket still has channels after UnsubscribeAll")
	}
	if registry.SubscriberCount("b") != 1 {
		t.Fatal("other sockets must keep their subscriptions")
	}
}

func TestLifecycleOrdering(t *testing.T) {
	registry, _, bus := testRegistry()

	var events []LifecycleEvent
	for _, event := range []LifecycleEvent{LifecycleCreated, LifecycleSubscribed, LifecycleUnsubscribed, LifecycleEmpty, LifecycleDestroyed} {
		event := event
		bus.On(event, func(ctx LifecycleContext) {
			events = append(events, event)
		})
	}

	registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	registry.Unsubscribe("s1", "news")

	want := []LifecycleEvent{LifecycleCreated, LifecycleSubscribed, LifecycleUnsubscribed, LifecycleEmpty, LifecycleDestroyed}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestLifecycleHandlerPanicContained(t *testing.T) {
	registry, _, bus := testRegistry()

	ran := false
	bus.On(LifecycleCreated, func(ctx LifecycleContext) { panic("boom") })
	bus.On(LifecycleCreated, func(ctx LifecycleContext) { ran = true })

	registry.Subscribe(Socket{ID: "s1"}, "news", nil)
	if !ran {
		t.Fatal("handler after a panicking one did not run")
	}
}
