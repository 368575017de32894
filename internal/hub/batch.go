package hub

import (
	"semaphore/internal/channels"
	"semaphore/internal/protocol"
)

// handleBatchSubscribe subscribes a list of channels in one round trip.
// Partial success is the normal outcome; each channel is accounted for in
// the result frame.
func (h *Hub) handleBatchSubscribe(conn *Conn, frame *protocol.Frame) {
	succeeded := make([]string, 0, len(frame.Channels))
	failed := make(map[string]string)

	names := frame.Channels
	if max := h.load.MaxBatchSize(); max > 0 && len(names) > max {
		for _, name := range names[max:] {
			failed[name] = "batch size limit exceeded"
		}
		names = names[:max]
	}

	for _, name := range names {
		if err := h.load.AdmitSubscription(len(h.registry.SocketChannels(conn.ID)), h.registry.ChannelCount()); err != nil {
			failed[name] = err.Message
			continue
		}

		var channelData []byte
		if frame.BatchChannelData != nil {
			channelData = frame.BatchChannelData[name]
		}

		result, err := h.registry.Subscribe(channels.Socket{ID: conn.ID, UserID: conn.UserID}, name, channelData)
		if err != nil {
			failed[name] = err.Message
			continue
		}
		succeeded = append(succeeded, name)
		if !result.AlreadySubscribed {
			h.completeSubscribe(conn, result)
		}
	}

	h.deliver(conn, protocol.NewBatchResult(protocol.EventBatchSubscribeResult, frame.MessageID, succeeded, failed), true)
}

// handleBatchUnsubscribe is the inverse; channels the socket never joined
// are reported as failures.
func (h *Hub) handleBatchUnsubscribe(conn *Conn, frame *protocol.Frame) {
	succeeded := make([]string, 0, len(frame.Channels))
	failed := make(map[string]string)

	names := frame.Channels
	if max := h.load.MaxBatchSize(); max > 0 && len(names) > max {
		for _, name := range names[max:] {
			failed[name] = "batch size limit exceeded"
		}
		names = names[:max]
	}

	for _, name := range names {
		result := h.registry.Unsubscribe(conn.ID, name)
		if !result.Removed {
			failed[name] = "not subscribed"
			continue
		}
		succeeded = append(succeeded, name)
		h.afterUnsubscribe(conn.ID, result)
	}

	h.deliver(conn, protocol.NewBatchResult(protocol.EventBatchUnsubscribeResult, frame.MessageID, succeeded, failed), true)
}
