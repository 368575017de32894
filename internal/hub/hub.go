package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"semaphore/internal/channels"
	"semaphore/internal/config"
	"semaphore/internal/guard"
	"semaphore/internal/history"
	"semaphore/internal/metrics"
	"semaphore/internal/presence"
	"semaphore/internal/protocol"
	"semaphore/internal/relay"
	"semaphore/internal/reliability"
	"semaphore/internal/webhooks"
	"semaphore/pkg/crypto"
	"semaphore/pkg/logging"
)

// Webhook event names emitted by the hub.
const (
	WebhookChannelCreated   = "channel.created"
	WebhookChannelDestroyed = "channel.destroyed"
	WebhookMemberAdded      = "member.added"
	WebhookMemberRemoved    = "member.removed"
)

const breakerRelayPublish = "relay-publish"

// Options wires the hub's collaborators. Relay, History, Dedup and Metrics
// are optional; the hub runs single-node and unobserved without them.
type Options struct {
	Config  *config.Config
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Relay   relay.Relay
	History history.Store
	Dedup   reliability.Deduplicator
}

// Hub owns the connection table and routes every frame. It is the only
// component that touches more than one subsystem.
type Hub struct {
	cfg    *config.Config
	logger logging.Logger
	m      *metrics.Metrics

	serverID string

	table      *Table
	registry   *channels.Registry
	authorizer *channels.Authorizer
	lifecycle  *channels.LifecycleBus

	validators *guard.ValidatorChain
	limiter    *guard.MessageLimiter
	admission  *guard.ConnectionLimiter
	load       *guard.LoadManager

	acks     *reliability.Acknowledger
	dedup    reliability.Deduplicator
	breakers *reliability.BreakerManager

	relay   relay.Relay
	history history.Store
	tracker *presence.Tracker
	emitter *webhooks.Emitter

	encryptor *crypto.FieldEncryptor
	encrypted []*channels.Pattern

	upgrader websocket.Upgrader

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startedAt time.Time
}

func New(opts Options) (*Hub, error) {
	cfg := opts.Config
	logger := opts.Logger

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		m:        opts.Metrics,
		serverID: uuid.New().String(),
		table:    NewTable(),

		validators: guard.NewValidatorChain(),
		limiter:    guard.NewMessageLimiter(cfg.RateLimit, logger),
		admission:  guard.NewConnectionLimiter(cfg.Connection.ConnectRatePerIP, cfg.Connection.ConnectRateGlobal, cfg.Connection.ConnectBurst),
		load:       guard.NewLoadManager(cfg.Load, logger),

		dedup:    opts.Dedup,
		breakers: reliability.NewBreakerManager(cfg.Breaker, logger),

		relay:   opts.Relay,
		history: opts.History,
		emitter: webhooks.NewEmitter(cfg.Webhooks, logger),

		ctx:    ctx,
		cancel: cancel,
	}

	h.authorizer = channels.NewAuthorizer(logger)
	h.lifecycle = channels.NewLifecycleBus(logger)
	h.registry = channels.NewRegistry(h.authorizer, h.lifecycle, logger)
	h.acks = reliability.NewAcknowledger(cfg.Acks, h.redeliver, logger)
	h.tracker = presence.NewTracker(cfg.Heartbeat, h.evictPresenceMember, logger)

	if cfg.Encryption.Enabled && cfg.Encryption.Secret != "" {
		encryptor, err := crypto.DeriveFieldEncryptor([]byte(cfg.Encryption.Secret), "channel-payloads")
		if err != nil {
			cancel()
			return nil, err
		}
		h.encryptor = encryptor
		for _, template := range cfg.Encryption.Channels {
			pattern, err := channels.CompilePattern(template)
			if err != nil {
				cancel()
				return nil, err
			}
			h.encrypted = append(h.encrypted, pattern)
		}
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: cfg.Connection.PerMessageDeflate,
		CheckOrigin:       h.checkOrigin,
	}

	h.lifecycle.On(channels.LifecycleCreated, func(ctx channels.LifecycleContext) {
		h.emitWebhook(WebhookChannelCreated, map[string]interface{}{"channel": ctx.Channel, "type": ctx.Type.String()})
		if h.m != nil {
			h.m.ActiveChannels.WithLabelValues().Inc()
		}
	})
	h.lifecycle.On(channels.LifecycleDestroyed, func(ctx channels.LifecycleContext) {
		h.emitWebhook(WebhookChannelDestroyed, map[string]interface{}{"channel": ctx.Channel, "type": ctx.Type.String()})
		if h.m != nil {
			h.m.ActiveChannels.WithLabelValues().Dec()
		}
	})

	return h, nil
}

// Authorizer exposes rule registration to the embedding application.
func (h *Hub) Authorizer() *channels.Authorizer {
	return h.authorizer
}

// Lifecycle exposes the channel lifecycle bus for custom hooks.
func (h *Hub) Lifecycle() *channels.LifecycleBus {
	return h.lifecycle
}

// Validators exposes the inbound frame validator chain.
func (h *Hub) Validators() *guard.ValidatorChain {
	return h.validators
}

// Registry exposes read access to channel state for the HTTP surface.
func (h *Hub) Registry() *channels.Registry {
	return h.registry
}

// ServerID is this node's relay identity.
func (h *Hub) ServerID() string {
	return h.serverID
}

// Start launches the background tasks. Calling it twice is a no-op.
func (h *Hub) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	h.startedAt = time.Now()

	h.limiter.StartSweeper()
	h.admission.StartSweeper()
	if h.cfg.Heartbeat.Enabled {
		h.tracker.Start()
	}

	if h.relay != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.relay.Listen(h.ctx, h.handleRelayEnvelope); err != nil {
				h.logger.WithError(err).Error("Relay listener stopped")
			}
		}()
	}

	h.logger.WithField("server_id", h.serverID).Info("Hub started")
}

// Stop shuts the hub down: background sweepers first, then the relay
// listener, then every connection with a going-away close, and finally the
// outstanding acks.
func (h *Hub) Stop(ctx context.Context) {
	if !h.running.CompareAndSwap(true, false) {
		return
	}

	h.limiter.Stop()
	h.admission.Stop()
	h.tracker.Stop()
	if h.dedup != nil {
		h.dedup.Stop()
	}
	if h.history != nil {
		h.history.Stop()
	}

	h.cancel()
	h.wg.Wait()

	for _, conn := range h.table.Snapshot() {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}

	h.acks.Clear()
	h.emitter.Shutdown(ctx)

	h.logger.Info("Hub stopped")
}

// BroadcastOptions tunes one fan-out call.
type BroadcastOptions struct {
	// Exclude suppresses delivery to one local socket id.
	Exclude string
	// SocketID is the originating socket carried in the relay envelope.
	SocketID string
	// MessageID identifies the message for dedup; empty derives one from
	// content.
	MessageID string
	// SkipRelay keeps the broadcast local, set when replaying a relay
	// envelope.
	SkipRelay bool
	// SkipDedup bypasses duplicate suppression, set for trusted
	// server-originated sends and relay replays.
	SkipDedup bool
	// Source labels the broadcast in metrics: local, api, relay, ingest.
	Source string
}

// Broadcast fans an event out to every local subscriber of the channel and
// hands it to the relay. Local delivery never fails; relay and persistence
// errors are logged.
func (h *Hub) Broadcast(channel, event string, data json.RawMessage, opts BroadcastOptions) {
	if !opts.SkipDedup && h.dedup != nil {
		if h.dedup.IsDuplicate(channel, event, data, opts.MessageID) {
			h.logger.WithFields(logging.Fields{"channel": channel, "event": event}).Debug("Dropping duplicate broadcast")
			return
		}
	}

	data = h.maybeEncrypt(channel, data)

	if h.m != nil {
		source := opts.Source
		if source == "" {
			source = "local"
		}
		h.m.BroadcastsTotal.WithLabelValues(source).Inc()
	}

	viaRelay := h.relay != nil && !opts.SkipRelay

	// with publish-to-self the relay echoes the envelope back to this node
	// and the replay performs the local fan-out
	deferred := viaRelay && h.cfg.Connection.PublishToSelf
	if !deferred {
		h.fanOutLocal(channel, event, data, opts.Exclude)
	}

	if viaRelay {
		if err := h.publishToRelay(channel, event, data, opts); err != nil && deferred {
			// relay down, no echo is coming; deliver locally anyway
			h.fanOutLocal(channel, event, data, opts.Exclude)
		}
	}

	// only the originating node persists so a shared store sees each
	// message once
	if h.history != nil && !opts.SkipRelay && !h.historyExcluded(event) {
		if _, err := h.history.Store(h.ctx, channel, event, data, opts.SocketID); err != nil {
			h.logger.WithError(err).WithField("channel", channel).Warn("Failed to persist message")
		}
	}
}

func (h *Hub) fanOutLocal(channel, event string, data json.RawMessage, exclude string) {
	for _, socketID := range h.registry.Subscribers(channel) {
		if socketID == exclude {
			continue
		}
		conn := h.table.Get(socketID)
		if conn == nil {
			continue
		}

		messageID := ""
		if h.cfg.Acks.Enabled {
			messageID = uuid.New().String()
		}
		frame := protocol.NewEventFrame(channel, event, data, messageID)
		if h.cfg.Acks.Enabled {
			h.acks.Register(messageID, socketID, frame)
		}
		h.deliver(conn, frame, false)
	}
}

func (h *Hub) publishToRelay(channel, event string, data json.RawMessage, opts BroadcastOptions) error {
	envelope := relay.Envelope{
		Type:      relay.EnvelopeBroadcast,
		Channel:   channel,
		Event:     event,
		Data:      data,
		SocketID:  opts.SocketID,
		MessageID: opts.MessageID,
	}

	err := h.breakers.Get(breakerRelayPublish).Execute(h.ctx, func(ctx context.Context) error {
		return h.relay.Publish(ctx, envelope)
	})
	if err != nil {
		if h.m != nil {
			h.m.RelayPublishFailures.WithLabelValues().Inc()
		}
		h.logger.WithError(err).WithField("channel", channel).Warn("Relay publish failed")
	}
	return err
}

// handleRelayEnvelope replays a peer's broadcast locally without
// re-publishing. The relay already dropped loopback envelopes.
func (h *Hub) handleRelayEnvelope(envelope relay.Envelope) {
	if envelope.Type != relay.EnvelopeBroadcast {
		return
	}
	h.Broadcast(envelope.Channel, envelope.Event, envelope.Data, BroadcastOptions{
		Exclude:   envelope.SocketID,
		SocketID:  envelope.SocketID,
		MessageID: envelope.MessageID,
		SkipRelay: true,
		SkipDedup: true,
		Source:    "relay",
	})
}

// deliver enqueues a frame, honoring backpressure for non-critical frames.
// Presence membership events ride through so member lists stay coherent.
func (h *Hub) deliver(conn *Conn, frame *protocol.ServerFrame, critical bool) {
	queued := conn.QueuedBytes()

	if limit := h.cfg.Connection.BackpressureLimit; limit > 0 && queued >= limit {
		if h.m != nil {
			h.m.DroppedFrames.WithLabelValues("backpressure_limit").Inc()
		}
		if h.cfg.Connection.CloseOnBackpressureLimit {
			conn.close(websocket.ClosePolicyViolation, "backpressure limit exceeded")
		}
		return
	}

	if !critical && !protocol.IsPresenceEvent(frame.Event) && h.load.ShouldDrop(queued) {
		if h.m != nil {
			h.m.DroppedFrames.WithLabelValues("backpressure").Inc()
		}
		return
	}

	payload, err := frame.Encode()
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode outbound frame")
		return
	}

	if !conn.enqueue(payload, critical) {
		if h.m != nil {
			h.m.DroppedFrames.WithLabelValues("queue_full").Inc()
		}
		if critical && h.cfg.Connection.CloseOnBackpressureLimit {
			conn.close(websocket.ClosePolicyViolation, "send queue overflow")
		}
		return
	}
	if h.m != nil {
		h.m.MessagesSent.WithLabelValues().Inc()
	}
}

// redeliver re-sends a frame whose ack timed out.
func (h *Hub) redeliver(socketID string, frame *protocol.ServerFrame) {
	conn := h.table.Get(socketID)
	if conn == nil {
		return
	}
	if h.m != nil {
		h.m.AckRetries.WithLabelValues().Inc()
	}
	h.deliver(conn, frame, true)
}

// evictPresenceMember fires when a presence member misses its heartbeats.
func (h *Hub) evictPresenceMember(channel, socketID string) {
	result := h.registry.Unsubscribe(socketID, channel)
	if !result.Removed {
		return
	}
	h.afterUnsubscribe(socketID, result)
}

// afterUnsubscribe propagates the side effects of a completed
// unsubscription: presence fan-out, relay state, webhooks.
func (h *Hub) afterUnsubscribe(socketID string, result *channels.UnsubscribeResult) {
	if result.Type == channels.ChannelPresence {
		h.tracker.Remove(result.Channel, socketID)
		if result.Member != nil {
			member, err := json.Marshal(result.Member)
			if err == nil {
				h.Broadcast(result.Channel, protocol.EventMemberRemoved, member, BroadcastOptions{
					Exclude:   socketID,
					SocketID:  socketID,
					SkipDedup: true,
				})
			}
			h.emitWebhook(WebhookMemberRemoved, map[string]interface{}{"channel": result.Channel, "member": result.Member})
		}
	}

	if h.relay != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.relay.RemoveChannel(ctx, result.Channel, socketID); err != nil {
				h.logger.WithError(err).Debug("Failed to remove relay channel state")
			}
			if result.Type == channels.ChannelPresence {
				if err := h.relay.RemovePresenceMember(ctx, result.Channel, socketID); err != nil {
					h.logger.WithError(err).Debug("Failed to remove relay presence state")
				}
			}
		}()
	}
}

func (h *Hub) emitWebhook(event string, data interface{}) {
	if !h.cfg.Webhooks.Enabled {
		return
	}
	if h.m != nil {
		h.m.WebhooksEmitted.WithLabelValues().Inc()
	}
	h.emitter.Emit(event, data)
}

func (h *Hub) maybeEncrypt(channel string, data json.RawMessage) json.RawMessage {
	if h.encryptor == nil || len(data) == 0 {
		return data
	}
	matched := false
	for _, pattern := range h.encrypted {
		if _, ok := pattern.Match(channel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return data
	}

	sealed, err := h.encryptor.Encrypt(string(data))
	if err != nil {
		h.logger.WithError(err).WithField("channel", channel).Error("Payload encryption failed, sending nothing")
		return nil
	}
	encoded, err := json.Marshal(sealed)
	if err != nil {
		return nil
	}
	return encoded
}

func (h *Hub) historyExcluded(event string) bool {
	for _, excluded := range h.cfg.Persistence.ExcludeEvents {
		if excluded == event {
			return true
		}
	}
	return false
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if !h.cfg.Security.CORSEnabled || len(h.cfg.Security.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Stats is the hub's introspection snapshot for the /stats endpoint.
type Stats struct {
	ServerID      string            `json:"server_id"`
	Connections   int               `json:"connections"`
	Channels      int               `json:"channels"`
	UptimeSeconds float64           `json:"uptime"`
	PendingAcks   int               `json:"pending_acks"`
	Breakers      map[string]string `json:"breakers"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
}

func (h *Hub) Stats() Stats {
	cpuPercent, memPercent := h.load.SystemLoad()
	return Stats{
		ServerID:      h.serverID,
		Connections:   h.table.Len(),
		Channels:      h.registry.ChannelCount(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		PendingAcks:   h.acks.PendingCount(),
		Breakers:      h.breakers.States(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
	}
}

// RelayHealth reports relay reachability for the health endpoint.
// configured is false when the hub runs without a relay.
func (h *Hub) RelayHealth(ctx context.Context) (configured bool, err error) {
	if h.relay == nil {
		return false, nil
	}
	return true, h.relay.HealthCheck(ctx)
}
