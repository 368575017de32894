package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"semaphore/internal/channels"
	"semaphore/internal/config"
	"semaphore/internal/protocol"
	"semaphore/internal/relay"
	"semaphore/pkg/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		Connection: config.ConnectionConfig{
			IdleTimeout: time.Minute,
			SendPings:   false,
		},
		Security: config.SecurityConfig{
			MaxPayloadSize: 4096,
		},
		RateLimit: config.RateLimitConfig{
			Max:    100,
			Window: time.Minute,
		},
		Heartbeat: config.HeartbeatConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Timeout:  time.Minute,
		},
		Load: config.LoadConfig{
			MaxConnections:           100,
			MaxChannelsPerConnection: 50,
			MaxGlobalChannels:        100,
			ShedLoadAt:               0.9,
			BackpressureThreshold:    1 << 20,
			MaxBatchSize:             10,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			ResetTimeout:     time.Second,
			SuccessThreshold: 1,
		},
	}
}

func startHub(t *testing.T, cfg *config.Config, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts.Config = cfg
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger()
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()

	router := gin.New()
	router.GET("/ws", h.HandleUpgrade)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
		server.Close()
	})
	return h, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wireFrame struct {
	Event     string          `json:"event"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"messageId"`
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return frame
}

func expectNoFrame(t *testing.T, ws *websocket.Conn, wait time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(wait))
	var frame wireFrame
	if err := ws.ReadJSON(&frame); err == nil {
		t.Fatalf("expected silence, got %+v", frame)
	}
}

func send(t *testing.T, ws *websocket.Conn, payload string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// connect dials, consumes connection_established and returns the socket id.
func connect(t *testing.T, server *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	ws := dial(t, server)
	frame := readFrame(t, ws)
	if frame.Event != "connection_established" {
		t.Fatalf("expected connection_established first, got %q", frame.Event)
	}
	var data struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.SocketID == "" {
		t.Fatalf("bad connection_established payload: %s", frame.Data)
	}
	return ws, data.SocketID
}

func subscribe(t *testing.T, ws *websocket.Conn, channel string) wireFrame {
	t.Helper()
	send(t, ws, `{"event":"subscribe","channel":"`+channel+`"}`)
	frame := readFrame(t, ws)
	if frame.Event != "subscription_succeeded" || frame.Channel != channel {
		t.Fatalf("expected subscription_succeeded for %s, got %+v", channel, frame)
	}
	return frame
}

func TestPublicFanOut(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})

	wsA, socketA := connect(t, server)
	wsB, _ := connect(t, server)
	subscribe(t, wsA, "news")
	subscribe(t, wsB, "news")

	h.Broadcast("news", "article.created", json.RawMessage(`{"title":"T"}`), BroadcastOptions{})

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		frame := readFrame(t, ws)
		if frame.Event != "article.created" || frame.Channel != "news" {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if string(frame.Data) != `{"title":"T"}` {
			t.Fatalf("unexpected payload %s", frame.Data)
		}
	}

	// exclusion: only B hears the follow-up
	h.Broadcast("news", "article.updated", nil, BroadcastOptions{Exclude: socketA})
	frame := readFrame(t, wsB)
	if frame.Event != "article.updated" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	expectNoFrame(t, wsA, 200*time.Millisecond)
}

func TestPrivateChannelAuthorization(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})
	h.Authorizer().Register("private-user.{userId}", func(req channels.AuthRequest) (interface{}, error) {
		return req.Params["userId"] == "123", nil
	})

	ws, _ := connect(t, server)
	subscribe(t, ws, "private-user.123")

	send(t, ws, `{"event":"subscribe","channel":"private-user.999"}`)
	frame := readFrame(t, ws)
	if frame.Event != "subscription_error" || frame.Channel != "private-user.999" {
		t.Fatalf("expected subscription_error, got %+v", frame)
	}
	var data struct {
		Type   string `json:"type"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if data.Type != "AuthError" || data.Status != 401 {
		t.Fatalf("expected AuthError 401, got %+v", data)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})
	h.Authorizer().Register("presence-chat.{roomId}", func(req channels.AuthRequest) (interface{}, error) {
		return map[string]interface{}{"id": req.SocketID, "info": map[string]interface{}{}}, nil
	})

	wsA, socketA := connect(t, server)
	frameA := subscribe(t, wsA, "presence-chat.1")

	var presenceA struct {
		Presence struct {
			IDs   []string               `json:"ids"`
			Hash  map[string]interface{} `json:"hash"`
			Count int                    `json:"count"`
		} `json:"presence"`
	}
	if err := json.Unmarshal(frameA.Data, &presenceA); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if presenceA.Presence.Count != 1 {
		t.Fatalf("expected count 1, got %+v", presenceA.Presence)
	}

	wsB, socketB := connect(t, server)
	frameB := subscribe(t, wsB, "presence-chat.1")

	var presenceB struct {
		Presence struct {
			Hash  map[string]interface{} `json:"hash"`
			Count int                    `json:"count"`
		} `json:"presence"`
	}
	if err := json.Unmarshal(frameB.Data, &presenceB); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if presenceB.Presence.Count != 2 {
		t.Fatalf("expected count 2, got %+v", presenceB.Presence)
	}
	if _, ok := presenceB.Presence.Hash[socketA]; !ok {
		t.Fatalf("expected %s in hash, got %v", socketA, presenceB.Presence.Hash)
	}

	// A observes B joining; the joiner itself does not
	added := readFrame(t, wsA)
	if added.Event != "member_added" || added.Channel != "presence-chat.1" {
		t.Fatalf("expected member_added, got %+v", added)
	}
	var member struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(added.Data, &member); err != nil || member.ID != socketB {
		t.Fatalf("expected member %s, got %s", socketB, added.Data)
	}
	expectNoFrame(t, wsB, 200*time.Millisecond)

	wsB.Close()
	removed := readFrame(t, wsA)
	if removed.Event != "member_removed" || removed.Channel != "presence-chat.1" {
		t.Fatalf("expected member_removed, got %+v", removed)
	}
	if err := json.Unmarshal(removed.Data, &member); err != nil || member.ID != socketB {
		t.Fatalf("expected departing member %s, got %s", socketB, removed.Data)
	}
}

func TestClientEventOnPrivateChannel(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})
	h.Authorizer().Register("private-chat.{roomId}", func(req channels.AuthRequest) (interface{}, error) {
		return true, nil
	})

	wsA, _ := connect(t, server)
	wsB, _ := connect(t, server)
	subscribe(t, wsA, "private-chat.1")
	subscribe(t, wsB, "private-chat.1")

	send(t, wsA, `{"event":"client-typing","channel":"private-chat.1","data":{"user":"a"}}`)

	frame := readFrame(t, wsB)
	if frame.Event != "client-typing" || frame.Channel != "private-chat.1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	// the sender never hears its own whisper
	expectNoFrame(t, wsA, 200*time.Millisecond)
}

func TestClientEventOnPublicChannelDropped(t *testing.T) {
	_, server := startHub(t, testConfig(), Options{})

	wsA, _ := connect(t, server)
	wsB, _ := connect(t, server)
	subscribe(t, wsA, "news")
	subscribe(t, wsB, "news")

	send(t, wsA, `{"event":"client-shout","channel":"news","data":{}}`)
	expectNoFrame(t, wsB, 200*time.Millisecond)
	expectNoFrame(t, wsA, 50*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Max: 3, Window: 300 * time.Millisecond}
	_, server := startHub(t, cfg, Options{})

	ws, _ := connect(t, server)
	for i := 0; i < 4; i++ {
		send(t, ws, `{"event":"ping"}`)
	}

	for i := 0; i < 3; i++ {
		frame := readFrame(t, ws)
		if frame.Event != "pong" {
			t.Fatalf("expected pong %d, got %+v", i+1, frame)
		}
	}

	frame := readFrame(t, ws)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	var data struct {
		Type       string `json:"type"`
		RetryAfter int64  `json:"retryAfter"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if data.Type != "RateLimitExceeded" {
		t.Fatalf("expected RateLimitExceeded, got %+v", data)
	}
	if data.RetryAfter <= time.Now().Add(-time.Second).UnixMilli() {
		t.Fatalf("retryAfter should be in the near future, got %d", data.RetryAfter)
	}

	// a fresh window admits again
	time.Sleep(350 * time.Millisecond)
	send(t, ws, `{"event":"ping"}`)
	if frame := readFrame(t, ws); frame.Event != "pong" {
		t.Fatalf("expected pong after window reset, got %+v", frame)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxPayloadSize = 128
	_, server := startHub(t, cfg, Options{})

	ws, _ := connect(t, server)
	big := `{"event":"ping","data":"` + strings.Repeat("x", 150) + `"}`
	send(t, ws, big)

	frame := readFrame(t, ws)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	var data struct {
		Type string `json:"type"`
	}
	json.Unmarshal(frame.Data, &data)
	if data.Type != "PayloadTooLarge" {
		t.Fatalf("expected PayloadTooLarge, got %+v", data)
	}

	// exactly one error and the connection survives
	send(t, ws, `{"event":"ping"}`)
	if frame := readFrame(t, ws); frame.Event != "pong" {
		t.Fatalf("expected pong after oversized frame, got %+v", frame)
	}
}

func TestBatchSubscribe(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})
	h.Authorizer().Register("private-locked.{id}", func(req channels.AuthRequest) (interface{}, error) {
		return false, nil
	})

	ws, _ := connect(t, server)
	send(t, ws, `{"event":"batch_subscribe","channels":["a","b","private-locked.1"],"messageId":"m1"}`)

	frame := readFrame(t, ws)
	if frame.Event != "batch_subscribe_result" || frame.MessageID != "m1" {
		t.Fatalf("unexpected result frame %+v", frame)
	}
	var result struct {
		Succeeded []string          `json:"succeeded"`
		Failed    map[string]string `json:"failed"`
	}
	if err := json.Unmarshal(frame.Data, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 successes, got %v", result.Succeeded)
	}
	if _, ok := result.Failed["private-locked.1"]; !ok {
		t.Fatalf("expected private-locked.1 to fail, got %v", result.Failed)
	}

	send(t, ws, `{"event":"batch_unsubscribe","channels":["a","never-joined"],"messageId":"m2"}`)
	frame = readFrame(t, ws)
	if frame.Event != "batch_unsubscribe_result" || frame.MessageID != "m2" {
		t.Fatalf("unexpected result frame %+v", frame)
	}
	if err := json.Unmarshal(frame.Data, &result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "a" {
		t.Fatalf("expected only a unsubscribed, got %v", result.Succeeded)
	}
	if _, ok := result.Failed["never-joined"]; !ok {
		t.Fatalf("expected never-joined to fail, got %v", result.Failed)
	}
}

func TestAcknowledgmentRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Acks = config.AckConfig{Enabled: true, Timeout: 100 * time.Millisecond, RetryAttempts: 2}
	h, server := startHub(t, cfg, Options{})

	ws, _ := connect(t, server)
	subscribe(t, ws, "news")

	h.Broadcast("news", "needs.ack", json.RawMessage(`{}`), BroadcastOptions{})

	first := readFrame(t, ws)
	if first.Event != "needs.ack" || first.MessageID == "" {
		t.Fatalf("expected tracked frame, got %+v", first)
	}

	// ignore it; the hub must redeliver the same message id
	second := readFrame(t, ws)
	if second.MessageID != first.MessageID {
		t.Fatalf("expected redelivery of %s, got %+v", first.MessageID, second)
	}

	// ack the retry; no further delivery happens
	send(t, ws, `{"event":"ack","messageId":"`+second.MessageID+`"}`)
	expectNoFrame(t, ws, 250*time.Millisecond)
}

func TestSubscriptionCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Load.MaxChannelsPerConnection = 1
	_, server := startHub(t, cfg, Options{})

	ws, _ := connect(t, server)
	subscribe(t, ws, "first")

	send(t, ws, `{"event":"subscribe","channel":"second"}`)
	frame := readFrame(t, ws)
	if frame.Event != "subscription_error" {
		t.Fatalf("expected subscription_error, got %+v", frame)
	}
	var data struct {
		Type   string `json:"type"`
		Status int    `json:"status"`
	}
	json.Unmarshal(frame.Data, &data)
	if data.Type != "CapacityError" || data.Status != 429 {
		t.Fatalf("expected CapacityError 429, got %+v", data)
	}
}

func TestUnknownFrameWithAckFlag(t *testing.T) {
	_, server := startHub(t, testConfig(), Options{})

	ws, _ := connect(t, server)
	send(t, ws, `{"event":"custom.thing","ack":true,"messageId":"m9"}`)

	frame := readFrame(t, ws)
	if frame.Event != "ack" || frame.MessageID != "m9" {
		t.Fatalf("expected ack reply, got %+v", frame)
	}
}

func TestRelayFanOutAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)

	newRelay := func(serverID string) relay.Relay {
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return relay.NewRedisRelay(client, "broadcasting:", serverID, false, logging.NewLogger())
	}

	hub1, server1 := startHub(t, testConfig(), Options{Relay: newRelay("node-1")})
	_, server2 := startHub(t, testConfig(), Options{Relay: newRelay("node-2")})

	ws1, _ := connect(t, server1)
	ws2, _ := connect(t, server2)
	subscribe(t, ws1, "x")
	subscribe(t, ws2, "x")
	time.Sleep(100 * time.Millisecond) // let relay listeners establish

	hub1.Broadcast("x", "e", json.RawMessage(`{}`), BroadcastOptions{})

	for name, ws := range map[string]*websocket.Conn{"node1": ws1, "node2": ws2} {
		frame := readFrame(t, ws)
		if frame.Event != "e" || frame.Channel != "x" {
			t.Fatalf("%s: unexpected frame %+v", name, frame)
		}
		// exactly one delivery each, no echo storm
		expectNoFrame(t, ws, 250*time.Millisecond)
	}
}

func TestDeliverKeepsPresenceEventsUnderBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Load.BackpressureThreshold = 10
	h, err := New(Options{Config: cfg, Logger: logging.NewLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn := &Conn{ID: "s1", send: make(chan outboundFrame, 8), done: make(chan struct{})}
	conn.queued.Add(100) // well past the threshold

	h.deliver(conn, protocol.NewEventFrame("presence-room.1", protocol.EventMemberAdded, nil, ""), false)
	if len(conn.send) != 1 {
		t.Fatal("member_added must survive backpressure shedding")
	}

	h.deliver(conn, protocol.NewEventFrame("presence-room.1", protocol.EventMemberRemoved, nil, ""), false)
	if len(conn.send) != 2 {
		t.Fatal("member_removed must survive backpressure shedding")
	}

	h.deliver(conn, protocol.NewEventFrame("presence-room.1", "chat.message", nil, ""), false)
	if len(conn.send) != 2 {
		t.Fatal("plain event must be shed under backpressure")
	}
}

func TestDeliverHonorsBackpressureLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.BackpressureLimit = 10
	h, err := New(Options{Config: cfg, Logger: logging.NewLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn := &Conn{ID: "s1", send: make(chan outboundFrame, 8), done: make(chan struct{})}
	conn.queued.Add(20)

	// the hard cap applies even to critical frames
	h.deliver(conn, protocol.NewPong(), true)
	if len(conn.send) != 0 {
		t.Fatal("frame must be dropped past the backpressure limit")
	}
}

func TestPublishToSelfDeliversOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig()
	cfg.Connection.PublishToSelf = true
	nodeRelay := relay.NewRedisRelay(client, "broadcasting:", "node-1", true, logging.NewLogger())
	h, server := startHub(t, cfg, Options{Relay: nodeRelay})

	ws, _ := connect(t, server)
	subscribe(t, ws, "news")
	time.Sleep(100 * time.Millisecond) // let the relay listener establish

	h.Broadcast("news", "article.created", json.RawMessage(`{"title":"T"}`), BroadcastOptions{})

	frame := readFrame(t, ws)
	if frame.Event != "article.created" || frame.Channel != "news" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	// the relay echo is the only delivery
	expectNoFrame(t, ws, 250*time.Millisecond)
}

func TestTransportReadLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.MaxPayloadLength = 64
	_, server := startHub(t, cfg, Options{})

	ws, _ := connect(t, server)
	send(t, ws, `{"event":"ping","data":"`+strings.Repeat("x", 100)+`"}`)

	// the server abandons the socket once the transport cap is exceeded
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected close after exceeding the transport read limit")
	}
}

func TestConnectionAdmissionFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.ConnectRatePerIP = 1
	cfg.Connection.ConnectRateGlobal = 1000
	cfg.Connection.ConnectBurst = 1
	_, server := startHub(t, cfg, Options{})

	connect(t, server) // consumes the per-IP burst

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		ws.Close()
		t.Fatal("expected a second rapid upgrade to be throttled")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
}

func TestActivityCountsAsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = config.HeartbeatConfig{
		Enabled:  true,
		Interval: 30 * time.Millisecond,
		Timeout:  90 * time.Millisecond,
	}
	h, server := startHub(t, cfg, Options{})
	h.Authorizer().Register("presence-room.{id}", func(req channels.AuthRequest) (interface{}, error) {
		return map[string]interface{}{"id": req.SocketID}, nil
	})

	wsA, _ := connect(t, server)
	subscribe(t, wsA, "presence-room.1")
	wsB, socketB := connect(t, server)
	subscribe(t, wsB, "presence-room.1")

	if frame := readFrame(t, wsA); frame.Event != "member_added" {
		t.Fatalf("expected member_added, got %+v", frame)
	}

	// A keeps chatting while B stays silent; only B misses its heartbeats.
	// Without ordinary frames counting as liveness, A would be evicted too
	// and never observe B leaving.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("silent member was never evicted")
		}
		send(t, wsA, `{"event":"ping"}`)
		frame := readFrame(t, wsA)
		if frame.Event == "member_removed" {
			var member struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(frame.Data, &member); err != nil || member.ID != socketB {
				t.Fatalf("expected %s evicted, got %s", socketB, frame.Data)
			}
			return
		}
		if frame.Event != "pong" {
			t.Fatalf("unexpected frame %+v", frame)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStats(t *testing.T) {
	h, server := startHub(t, testConfig(), Options{})

	ws, _ := connect(t, server)
	subscribe(t, ws, "news")
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats.Connections != 1 || stats.Channels != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ServerID == "" {
		t.Fatal("expected server id")
	}
}
