package domain

import (
	"encoding/json"
	"time"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallActive   CallStatus = "active"
	CallDeclined CallStatus = "declined"
	CallEnded    CallStatus = "ended"
	CallFailed   CallStatus = "failed"
)

// Call is a live two-party call. There is no durable counterpart: entries
// exist only between initiate and a terminal transition (or reaping).
type Call struct {
	ID             string
	Type           CallType
	ConversationID int64
	CallerID       int64
	RecipientID    int64
	Status         CallStatus
	StartTime      time.Time
	AnswerTime     time.Time // zero until answered

	// CallerInfo is an opaque client-supplied blob (name, avatar, ...)
	// relayed to the recipient verbatim.
	CallerInfo json.RawMessage
}

// Live reports whether the call still occupies its participants for
// admission control.
func (c *Call) Live() bool {
	return c.Status == CallRinging || c.Status == CallActive
}

func (c *Call) HasParticipant(userID int64) bool {
	return c.CallerID == userID || c.RecipientID == userID
}

// OtherParticipant returns the participant that is not userID. The caller is
// expected to have checked HasParticipant first; for a non-participant the
// caller side is returned.
func (c *Call) OtherParticipant(userID int64) int64 {
	if c.CallerID == userID {
		return c.RecipientID
	}
	return c.CallerID
}

func (c *Call) Participants() []int64 {
	return []int64{c.CallerID, c.RecipientID}
}

func (c *Call) Age(now time.Time) time.Duration {
	return now.Sub(c.StartTime)
}
