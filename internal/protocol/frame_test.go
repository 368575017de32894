package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeSubscribe(t *testing.T) {
	frame, err := Decode([]byte(`{"event":"subscribe","channel":"news","auth":"sig","channel_data":{"user_id":"1"}}`), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Kind != KindSubscribe {
		t.Fatalf("expected KindSubscribe, got %v", frame.Kind)
	}
	if frame.Channel != "news" || frame.Auth != "sig" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if len(frame.ChannelData) == 0 {
		t.Fatal("expected channel_data to be carried through")
	}
}

func TestDecodeSubscribeWithoutChannel(t *testing.T) {
	_, err := Decode([]byte(`{"event":"subscribe"}`), 0)
	if err == nil || err.Kind != ErrValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDecodeRejectsNonStringEvent(t *testing.T) {
	for _, raw := range []string{
		`{"event":42}`,
		`{"event":null}`,
		`{"channel":"news"}`,
		`[1,2,3]`,
		`not json`,
	} {
		if _, err := Decode([]byte(raw), 0); err == nil || err.Kind != ErrValidation {
			t.Fatalf("%s: expected ValidationError, got %v", raw, err)
		}
	}
}

func TestDecodeRejectsBadEventNames(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"has space"}`), 0); err == nil {
		t.Fatal("expected error for event with space")
	}
	long := strings.Repeat("a", 101)
	if _, err := Decode([]byte(`{"event":"`+long+`"}`), 0); err == nil {
		t.Fatal("expected error for overlong event name")
	}
}

func TestDecodeRejectsNonStringChannel(t *testing.T) {
	_, err := Decode([]byte(`{"event":"ping","channel":7}`), 0)
	if err == nil || err.Kind != ErrValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDecodePayloadTooLarge(t *testing.T) {
	raw := []byte(`{"event":"ping","data":"` + strings.Repeat("x", 64) + `"}`)
	_, err := Decode(raw, 32)
	if err == nil || err.Kind != ErrPayloadTooLarge {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestDecodeKinds(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
	}{
		{`{"event":"ping"}`, KindPing},
		{`{"event":"heartbeat"}`, KindHeartbeat},
		{`{"event":"presence_heartbeat","channel":"presence-room.1"}`, KindHeartbeat},
		{`{"event":"unsubscribe","channel":"news"}`, KindUnsubscribe},
		{`{"event":"ack","messageId":"m1"}`, KindAck},
		{`{"event":"client-typing","channel":"private-chat.1","data":{}}`, KindClientEvent},
		{`{"event":"batch_subscribe","channels":["a","b"],"messageId":"m2"}`, KindBatchSubscribe},
		{`{"event":"batch_unsubscribe","channels":["a"],"messageId":"m3"}`, KindBatchUnsubscribe},
		{`{"event":"something.else"}`, KindUnknown},
	}
	for _, tc := range cases {
		frame, err := Decode([]byte(tc.raw), 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if frame.Kind != tc.kind {
			t.Fatalf("%s: expected %v, got %v", tc.raw, tc.kind, frame.Kind)
		}
	}
}

func TestDecodeAckRequiresMessageID(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"ack"}`), 0); err == nil {
		t.Fatal("expected error for ack without messageId")
	}
}

func TestServerFrameEncode(t *testing.T) {
	frame := NewSubscriptionSucceeded("presence-room.1", &PresenceData{
		IDs:   []string{"u1"},
		Hash:  map[string]interface{}{"u1": map[string]interface{}{"id": "u1"}},
		Count: 1,
	})
	raw, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["event"] != EventSubscriptionSucceeded {
		t.Fatalf("unexpected event %v", decoded["event"])
	}
	presence := decoded["data"].(map[string]interface{})["presence"].(map[string]interface{})
	if presence["count"].(float64) != 1 {
		t.Fatalf("unexpected presence %v", presence)
	}
}

func TestErrorFrameCarriesRetryAfter(t *testing.T) {
	frame := NewErrorFrame(&Error{Kind: ErrRateLimit, Message: "slow down", RetryAfter: 1234})
	raw, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded struct {
		Event string `json:"event"`
		Data  struct {
			Type       string `json:"type"`
			RetryAfter int64  `json:"retryAfter"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Event != EventError || decoded.Data.Type != ErrRateLimit || decoded.Data.RetryAfter != 1234 {
		t.Fatalf("unexpected frame %+v", decoded)
	}
}

func TestBatchResultDefaults(t *testing.T) {
	frame := NewBatchResult(EventBatchSubscribeResult, "m1", nil, nil)
	raw, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), `"succeeded":[]`) || !strings.Contains(string(raw), `"failed":{}`) {
		t.Fatalf("expected empty collections, got %s", raw)
	}
}
