package protocol

import "encoding/json"

// Server-to-client event names.
const (
	EventConnectionEstablished  = "connection_established"
	EventSubscriptionSucceeded  = "subscription_succeeded"
	EventSubscriptionError      = "subscription_error"
	EventMemberAdded            = "member_added"
	EventMemberRemoved          = "member_removed"
	EventPong                   = "pong"
	EventAck                    = "ack"
	EventError                  = "error"
	EventBatchSubscribeResult   = "batch_subscribe_result"
	EventBatchUnsubscribeResult = "batch_unsubscribe_result"
)

// ServerFrame is an outbound message rendered as a JSON text frame.
type ServerFrame struct {
	Event     string      `json:"event"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
}

func (f *ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// IsPresenceEvent reports whether an event is presence membership fan-out.
// Subscribers need these to keep their member lists coherent, so the hub
// never sheds them under backpressure.
func IsPresenceEvent(event string) bool {
	return event == EventMemberAdded || event == EventMemberRemoved
}

// PresenceData describes presence membership in subscription_succeeded.
type PresenceData struct {
	IDs   []string               `json:"ids"`
	Hash  map[string]interface{} `json:"hash"`
	Count int                    `json:"count"`
}

func NewConnectionEstablished(socketID string, activityTimeoutSec int) *ServerFrame {
	return &ServerFrame{
		Event: EventConnectionEstablished,
		Data: map[string]interface{}{
			"socket_id":        socketID,
			"activity_timeout": activityTimeoutSec,
		},
	}
}

func NewSubscriptionSucceeded(channel string, presence *PresenceData) *ServerFrame {
	frame := &ServerFrame{Event: EventSubscriptionSucceeded, Channel: channel}
	if presence != nil {
		frame.Data = map[string]interface{}{"presence": presence}
	}
	return frame
}

func NewSubscriptionError(channel string, err *Error) *ServerFrame {
	return &ServerFrame{
		Event:   EventSubscriptionError,
		Channel: channel,
		Data: map[string]interface{}{
			"type":   err.Kind,
			"error":  err.Message,
			"status": err.Status,
		},
	}
}

func NewErrorFrame(err *Error) *ServerFrame {
	data := map[string]interface{}{
		"type":  err.Kind,
		"error": err.Message,
	}
	if err.RetryAfter > 0 {
		data["retryAfter"] = err.RetryAfter
	}
	return &ServerFrame{Event: EventError, Data: data}
}

func NewPong() *ServerFrame {
	return &ServerFrame{Event: EventPong}
}

func NewAck(messageID string) *ServerFrame {
	return &ServerFrame{Event: EventAck, MessageID: messageID}
}

// NewBatchResult reports per-channel outcomes of a batch operation back to
// the requester, keyed by the request's messageId.
func NewBatchResult(event, messageID string, succeeded []string, failed map[string]string) *ServerFrame {
	if succeeded == nil {
		succeeded = []string{}
	}
	if failed == nil {
		failed = map[string]string{}
	}
	return &ServerFrame{
		Event:     event,
		MessageID: messageID,
		Data: map[string]interface{}{
			"succeeded": succeeded,
			"failed":    failed,
		},
	}
}

// NewEventFrame wraps an application event for fan-out to subscribers.
func NewEventFrame(channel, event string, data interface{}, messageID string) *ServerFrame {
	return &ServerFrame{Event: event, Channel: channel, Data: data, MessageID: messageID}
}
