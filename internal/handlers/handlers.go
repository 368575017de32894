package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"semaphore/internal/channels"
	"semaphore/internal/config"
	"semaphore/internal/history"
	"semaphore/internal/hub"
	"semaphore/internal/protocol"
	"semaphore/pkg/auth"
	"semaphore/pkg/logging"
)

// Handlers contains the HTTP handlers for the service.
type Handlers struct {
	hub     *hub.Hub
	history history.Store
	cfg     *config.Config
	logger  logging.Logger
}

// NewHandlers creates a new handlers instance. history may be nil when
// persistence is disabled.
func NewHandlers(h *hub.Hub, store history.Store, cfg *config.Config, logger logging.Logger) *Handlers {
	return &Handlers{
		hub:     h,
		history: store,
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes wires the public socket endpoints, the stats endpoint
// and the token-guarded admin API onto the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/app", h.hub.HandleUpgrade)
	router.GET("/ws", h.hub.HandleUpgrade)
	router.GET("/stats", h.HandleStats)

	admin := router.Group("/apps")
	if h.cfg.Auth.ServiceToken != "" {
		admin.Use(auth.ServiceAuthMiddleware(h.cfg.Auth.ServiceToken))
	}
	admin.POST("/events", h.HandleTriggerEvent)
	admin.POST("/events/batch", h.HandleTriggerBatch)
	admin.GET("/channels", h.HandleListChannels)
	admin.GET("/channels/:name/history", h.HandleChannelHistory)
	admin.GET("/channels/:name/users", h.HandleChannelUsers)
}

// HandleStats reports server-level counters and breaker states.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats := h.hub.Stats()

	relayStatus := "disabled"
	if configured, err := h.hub.RelayHealth(c.Request.Context()); configured {
		relayStatus = "connected"
		if err != nil {
			h.logger.WithError(err).Warn("Relay health check failed")
			relayStatus = "unreachable"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"server_id":      stats.ServerID,
		"connections":    stats.Connections,
		"channels":       stats.Channels,
		"uptime_seconds": stats.UptimeSeconds,
		"pending_acks":   stats.PendingAcks,
		"breakers":       stats.Breakers,
		"cpu_percent":    stats.CPUPercent,
		"memory_percent": stats.MemoryPercent,
		"relay":          relayStatus,
	})
}

// TriggerRequest is a server-originated broadcast request.
type TriggerRequest struct {
	Name      string          `json:"name"`
	Channel   string          `json:"channel,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Data      json.RawMessage `json:"data"`
	SocketID  string          `json:"socket_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

func (r *TriggerRequest) targets() []string {
	if len(r.Channels) > 0 {
		return r.Channels
	}
	if r.Channel != "" {
		return []string{r.Channel}
	}
	return nil
}

func (h *Handlers) validateTrigger(req *TriggerRequest) string {
	if !protocol.ValidEventName(req.Name) {
		return "invalid event name"
	}
	if len(req.targets()) == 0 {
		return "at least one channel is required"
	}
	if max := h.cfg.Security.MaxPayloadSize; max > 0 && len(req.Data) > max {
		return "payload exceeds size limit"
	}
	return ""
}

// HandleTriggerEvent broadcasts one event to one or more channels. The
// same deduplication, acknowledgment and persistence paths apply as for
// client-originated traffic.
func (h *Handlers) HandleTriggerEvent(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if msg := h.validateTrigger(&req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	for _, channel := range req.targets() {
		h.hub.Broadcast(channel, req.Name, req.Data, hub.BroadcastOptions{
			Exclude:   req.SocketID,
			SocketID:  req.SocketID,
			MessageID: req.MessageID,
			Source:    "api",
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleTriggerBatch broadcasts up to the configured batch limit of
// events in one request. Per-entry failures do not abort the batch.
func (h *Handlers) HandleTriggerBatch(c *gin.Context) {
	var req struct {
		Batch []TriggerRequest `json:"batch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Batch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch is empty"})
		return
	}
	if max := h.cfg.Load.MaxBatchSize; max > 0 && len(req.Batch) > max {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch size limit exceeded"})
		return
	}

	failed := make(map[string]string)
	for i := range req.Batch {
		entry := &req.Batch[i]
		if msg := h.validateTrigger(entry); msg != "" {
			failed[strconv.Itoa(i)] = msg
			continue
		}
		for _, channel := range entry.targets() {
			h.hub.Broadcast(channel, entry.Name, entry.Data, hub.BroadcastOptions{
				Exclude:   entry.SocketID,
				SocketID:  entry.SocketID,
				MessageID: entry.MessageID,
				Source:    "api",
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accepted": len(req.Batch) - len(failed),
		"failed":   failed,
	})
}

// HandleListChannels lists occupied channels with subscriber counts.
func (h *Handlers) HandleListChannels(c *gin.Context) {
	registry := h.hub.Registry()

	type channelInfo struct {
		Type        string `json:"type"`
		Subscribers int    `json:"subscribers"`
	}
	result := make(map[string]channelInfo)
	for _, name := range registry.ChannelNames() {
		result[name] = channelInfo{
			Type:        channels.TypeOf(name).String(),
			Subscribers: registry.SubscriberCount(name),
		}
	}

	c.JSON(http.StatusOK, gin.H{"channels": result})
}

// HandleChannelHistory returns the persisted recent-message window for a
// channel. since is an exclusive unix-millisecond bound; limit caps the
// result size.
func (h *Handlers) HandleChannelHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "persistence is not enabled"})
		return
	}

	channel := c.Param("name")
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	messages, err := h.history.History(ctx, channel, since, limit)
	if err != nil {
		h.logger.WithError(err).WithField("channel", channel).Error("History lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel": channel, "messages": messages})
}

// HandleChannelUsers returns the presence membership of a channel.
func (h *Handlers) HandleChannelUsers(c *gin.Context) {
	channel := c.Param("name")
	if channels.TypeOf(channel) != channels.ChannelPresence {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a presence channel"})
		return
	}

	snapshot := h.hub.Registry().PresenceSnapshot(channel)
	if snapshot == nil {
		snapshot = &protocol.PresenceData{IDs: []string{}, Hash: map[string]interface{}{}}
	}
	c.JSON(http.StatusOK, gin.H{
		"channel": channel,
		"ids":     snapshot.IDs,
		"hash":    snapshot.Hash,
		"count":   snapshot.Count,
	})
}
