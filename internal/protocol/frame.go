package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the inbound frame variants. The decoder classifies
// every frame into exactly one kind; malformed frames never produce one.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindUnsubscribe
	KindBatchSubscribe
	KindBatchUnsubscribe
	KindPing
	KindHeartbeat
	KindAck
	KindClientEvent
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindBatchSubscribe:
		return "batch_subscribe"
	case KindBatchUnsubscribe:
		return "batch_unsubscribe"
	case KindPing:
		return "ping"
	case KindHeartbeat:
		return "heartbeat"
	case KindAck:
		return "ack"
	case KindClientEvent:
		return "client_event"
	default:
		return "unknown"
	}
}

const maxEventNameLength = 100

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Frame is a decoded client-to-server message.
type Frame struct {
	Kind      Kind
	Event     string
	Channel   string
	Data      json.RawMessage
	MessageID string
	Ack       bool

	// subscribe only
	Auth        string
	ChannelData json.RawMessage

	// batch only
	Channels         []string
	BatchChannelData map[string]json.RawMessage

	// heartbeat only
	Timestamp int64
}

// rawFrame keeps scalar fields as raw JSON so type mismatches surface as
// validation errors instead of silent zero values.
type rawFrame struct {
	Event            json.RawMessage            `json:"event"`
	Channel          json.RawMessage            `json:"channel"`
	Data             json.RawMessage            `json:"data"`
	MessageID        json.RawMessage            `json:"messageId"`
	Ack              bool                       `json:"ack"`
	Auth             string                     `json:"auth"`
	ChannelData      json.RawMessage            `json:"channel_data"`
	Channels         []string                   `json:"channels"`
	BatchChannelData map[string]json.RawMessage `json:"channelData"`
	Timestamp        int64                      `json:"timestamp"`
}

// ValidEventName reports whether name is usable as an event name. The
// same rule applies to frames, the trigger API and the ingest source.
func ValidEventName(name string) bool {
	return len(name) > 0 && len(name) <= maxEventNameLength && eventNamePattern.MatchString(name)
}

// Decode parses and validates a single inbound text frame. The returned
// error is always a *Error carrying the client-facing taxonomy kind.
func Decode(data []byte, maxPayloadSize int) (*Frame, *Error) {
	if maxPayloadSize > 0 && len(data) > maxPayloadSize {
		return nil, &Error{
			Kind:    ErrPayloadTooLarge,
			Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(data), maxPayloadSize),
		}
	}

	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, validationError("message must be a JSON object")
	}
	if len(raw.Event) == 0 || string(raw.Event) == "null" {
		return nil, validationError("event is required")
	}

	var event string
	if err := json.Unmarshal(raw.Event, &event); err != nil {
		return nil, validationError("event must be a string")
	}
	if !ValidEventName(event) {
		return nil, validationError("invalid event name")
	}

	frame := &Frame{Event: event, Ack: raw.Ack, Auth: raw.Auth, Timestamp: raw.Timestamp}

	if len(raw.Channel) > 0 && string(raw.Channel) != "null" {
		if err := json.Unmarshal(raw.Channel, &frame.Channel); err != nil {
			return nil, validationError("channel must be a string")
		}
	}
	if len(raw.MessageID) > 0 && string(raw.MessageID) != "null" {
		if err := json.Unmarshal(raw.MessageID, &frame.MessageID); err != nil {
			return nil, validationError("messageId must be a string")
		}
	}
	frame.Data = raw.Data
	frame.ChannelData = raw.ChannelData
	frame.Channels = raw.Channels
	frame.BatchChannelData = raw.BatchChannelData

	switch {
	case event == "subscribe":
		if frame.Channel == "" {
			return nil, validationError("subscribe requires a channel")
		}
		frame.Kind = KindSubscribe
	case event == "unsubscribe":
		if frame.Channel == "" {
			return nil, validationError("unsubscribe requires a channel")
		}
		frame.Kind = KindUnsubscribe
	case event == "batch_subscribe":
		if len(frame.Channels) == 0 {
			return nil, validationError("batch_subscribe requires channels")
		}
		frame.Kind = KindBatchSubscribe
	case event == "batch_unsubscribe":
		if len(frame.Channels) == 0 {
			return nil, validationError("batch_unsubscribe requires channels")
		}
		frame.Kind = KindBatchUnsubscribe
	case event == "ping":
		frame.Kind = KindPing
	case event == "heartbeat" || event == "presence_heartbeat":
		frame.Kind = KindHeartbeat
	case event == "ack":
		if frame.MessageID == "" {
			return nil, validationError("ack requires a messageId")
		}
		frame.Kind = KindAck
	case strings.HasPrefix(event, "client-"):
		if frame.Channel == "" {
			return nil, validationError("client events require a channel")
		}
		frame.Kind = KindClientEvent
	default:
		frame.Kind = KindUnknown
	}

	return frame, nil
}

func validationError(msg string) *Error {
	return &Error{Kind: ErrValidation, Message: msg}
}
