package hub

import (
	"context"
	"encoding/json"
	"time"

	"semaphore/internal/channels"
	"semaphore/internal/guard"
	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

// handleFrame is the single entry point for inbound traffic: decode,
// validate, gate, then dispatch on the frame kind.
func (h *Hub) handleFrame(conn *Conn, data []byte) {
	frame, decErr := protocol.Decode(data, h.cfg.Security.MaxPayloadSize)
	if decErr != nil {
		h.sendError(conn, decErr)
		return
	}
	if h.m != nil {
		h.m.MessagesReceived.WithLabelValues(frame.Kind.String()).Inc()
	}

	if err := h.validators.Validate(frame); err != nil {
		h.sendError(conn, err)
		return
	}

	// any valid frame counts as liveness unless explicit heartbeats are
	// required
	if !h.cfg.Heartbeat.RequireClientHeartbeat && frame.Kind != protocol.KindHeartbeat {
		h.tracker.TouchAll(conn.ID)
	}

	// acks are exempt so a throttled client can still settle its pending
	// deliveries
	if frame.Kind != protocol.KindAck {
		key := h.limiter.Key(conn.ID, conn.UserID, frame.Channel)
		if blocked, reset := h.limiter.Check(key); blocked {
			h.sendError(conn, &protocol.Error{
				Kind:       protocol.ErrRateLimit,
				Message:    "rate limit exceeded",
				RetryAfter: reset.UnixMilli(),
			})
			return
		}
	}

	switch frame.Kind {
	case protocol.KindSubscribe:
		h.handleSubscribe(conn, frame)
	case protocol.KindUnsubscribe:
		h.handleUnsubscribe(conn, frame)
	case protocol.KindBatchSubscribe:
		h.handleBatchSubscribe(conn, frame)
	case protocol.KindBatchUnsubscribe:
		h.handleBatchUnsubscribe(conn, frame)
	case protocol.KindPing:
		h.deliver(conn, protocol.NewPong(), true)
	case protocol.KindHeartbeat:
		h.handleHeartbeat(conn, frame)
	case protocol.KindAck:
		h.acks.Acknowledge(frame.MessageID)
	case protocol.KindClientEvent:
		h.handleClientEvent(conn, frame)
	default:
		if frame.Ack && frame.MessageID != "" {
			h.deliver(conn, protocol.NewAck(frame.MessageID), true)
		}
		h.logger.WithFields(logging.Fields{
			"socket_id": conn.ID,
			"event":     frame.Event,
		}).Debug("Ignoring unrecognized frame")
	}
}

func (h *Hub) sendError(conn *Conn, err *protocol.Error) {
	if h.m != nil {
		h.m.ClientErrors.WithLabelValues(err.Kind).Inc()
	}
	h.deliver(conn, protocol.NewErrorFrame(err), true)
}

func (h *Hub) handleSubscribe(conn *Conn, frame *protocol.Frame) {
	if err := h.load.AdmitSubscription(len(h.registry.SocketChannels(conn.ID)), h.registry.ChannelCount()); err != nil {
		if h.m != nil {
			h.m.ClientErrors.WithLabelValues(err.Kind).Inc()
		}
		h.deliver(conn, protocol.NewSubscriptionError(frame.Channel, err), true)
		return
	}

	result, err := h.registry.Subscribe(channels.Socket{ID: conn.ID, UserID: conn.UserID}, frame.Channel, frame.ChannelData)
	if err != nil {
		if h.m != nil {
			h.m.ClientErrors.WithLabelValues(err.Kind).Inc()
		}
		h.deliver(conn, protocol.NewSubscriptionError(frame.Channel, err), true)
		return
	}

	// succeeded goes out before any member_added fan-out can be observed
	h.deliver(conn, protocol.NewSubscriptionSucceeded(frame.Channel, result.Presence), true)
	if result.AlreadySubscribed {
		return
	}
	h.completeSubscribe(conn, result)
}

// completeSubscribe runs the side effects shared by single and batch
// subscribes: presence tracking and fan-out, relay state, webhooks.
func (h *Hub) completeSubscribe(conn *Conn, result *channels.SubscribeResult) {
	if result.Type == channels.ChannelPresence {
		h.tracker.Track(result.Channel, conn.ID)
		if member, err := json.Marshal(result.Member); err == nil {
			h.Broadcast(result.Channel, protocol.EventMemberAdded, member, BroadcastOptions{
				Exclude:   conn.ID,
				SocketID:  conn.ID,
				SkipDedup: true,
			})
		}
		h.emitWebhook(WebhookMemberAdded, map[string]interface{}{"channel": result.Channel, "member": result.Member})
	}

	if h.relay != nil {
		channel := result.Channel
		isPresence := result.Type == channels.ChannelPresence
		member := result.Member
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.relay.StoreChannel(ctx, channel, conn.ID); err != nil {
				h.logger.WithError(err).Debug("Failed to store relay channel state")
			}
			if isPresence {
				if err := h.relay.StorePresenceMember(ctx, channel, conn.ID, member); err != nil {
					h.logger.WithError(err).Debug("Failed to store relay presence state")
				}
			}
		}()
	}
}

func (h *Hub) handleUnsubscribe(conn *Conn, frame *protocol.Frame) {
	result := h.registry.Unsubscribe(conn.ID, frame.Channel)
	if result.Removed {
		h.afterUnsubscribe(conn.ID, result)
	}
}

func (h *Hub) handleHeartbeat(conn *Conn, frame *protocol.Frame) {
	if frame.Channel != "" {
		h.tracker.Touch(frame.Channel, conn.ID)
		return
	}
	h.tracker.TouchAll(conn.ID)
}

// handleClientEvent forwards a whisper among the channel's subscribers.
// Client events on public channels are dropped without a reply.
func (h *Hub) handleClientEvent(conn *Conn, frame *protocol.Frame) {
	if channels.TypeOf(frame.Channel) == channels.ChannelPublic {
		h.logger.WithFields(logging.Fields{
			"socket_id": conn.ID,
			"channel":   frame.Channel,
		}).Debug("Dropping client event on public channel")
		return
	}

	if !h.registry.IsSubscribed(conn.ID, frame.Channel) {
		h.sendError(conn, &protocol.Error{
			Kind:    protocol.ErrValidation,
			Message: "not subscribed to channel",
		})
		return
	}

	data := frame.Data
	if h.cfg.Security.SanitizeMessages {
		data = guard.SanitizeJSON(data)
	}

	if h.dedup != nil && h.dedup.IsDuplicate(frame.Channel, frame.Event, data, frame.MessageID) {
		h.logger.WithField("socket_id", conn.ID).Debug("Dropping duplicate client event")
		return
	}

	h.Broadcast(frame.Channel, frame.Event, data, BroadcastOptions{
		Exclude:   conn.ID,
		SocketID:  conn.ID,
		MessageID: frame.MessageID,
		SkipDedup: true, // checked above
	})
}
