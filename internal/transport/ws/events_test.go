package ws

import (
	"encoding/json"
	"errors"
	"testing"

	"realtime/internal/domain"
)

func TestFlexInt64AcceptsNumbersAndStrings(t *testing.T) {
	cases := []struct {
		in   string
		want flexInt64
		ok   bool
	}{
		{`42`, 42, true},
		{`"42"`, 42, true},
		{`0`, 0, true},
		{`""`, 0, true},
		{`null`, 0, true},
		{`-7`, -7, true},
		{`"abc"`, 0, false},
		{`1.5`, 0, false},
	}
	for _, tc := range cases {
		var got flexInt64
		err := json.Unmarshal([]byte(tc.in), &got)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%s: got %d, err %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.in)
		}
	}
}

func TestJoinRoomPayloadDecoding(t *testing.T) {
	var p joinRoomPayload
	if err := json.Unmarshal([]byte(`{"conversation_id":"17","user_id":3}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ConversationID != 17 || p.UserID != 3 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if err := p.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var missing joinRoomPayload
	if err := json.Unmarshal([]byte(`{"user_id":3}`), &missing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := missing.validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkReadPayloadValidate(t *testing.T) {
	var p markReadPayload
	raw := `{"messageId":"9","conversationId":4,"userId":"2"}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := p.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.MessageID != 9 || p.ConversationID != 4 || p.UserID != 2 {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if err := (markReadPayload{MessageID: 9, UserID: 2}).validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInitiateCallPayloadValidate(t *testing.T) {
	good := initiateCallPayload{
		CallID:         "call-1",
		CallType:       "audio",
		ConversationID: 4,
		CallerID:       1,
		RecipientID:    2,
	}
	if err := good.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cases := []initiateCallPayload{
		{CallType: "audio", CallerID: 1, RecipientID: 2},
		{CallID: "call-1", CallType: "audio", RecipientID: 2},
		{CallID: "call-1", CallType: "audio", CallerID: 1},
		{CallID: "call-1", CallType: "hologram", CallerID: 1, RecipientID: 2},
		{CallID: "call-1", CallerID: 1, RecipientID: 2},
	}
	for i, p := range cases {
		if err := p.validate(); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestEnvelopeKeepsPayloadOpaque(t *testing.T) {
	raw := `{"event":"webrtc_offer","data":{"callId":"call-1","offer":{"sdp":"v=0"},"sender_id":"1"}}`
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != "webrtc_offer" {
		t.Fatalf("unexpected event %q", env.Event)
	}

	// The signaling payload decodes just the routing fields; the rest stays
	// untouched for verbatim relay.
	var sig signalPayload
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.CallID != "call-1" || sig.SenderID != 1 {
		t.Fatalf("unexpected signal fields: %+v", sig)
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &full); err != nil {
		t.Fatalf("payload not valid json after decode: %v", err)
	}
	if _, ok := full["offer"]; !ok {
		t.Fatalf("offer body lost from raw payload")
	}
}
