// Package call implements the two-party call lifecycle: admission control,
// ring timeout, WebRTC signaling relay, and stale-entry reclamation. All
// transitions are serialized by one mutex and re-check the entry's current
// status before committing, so a decline racing an answer cannot corrupt
// the table. It couples to the rest of the server only through the Roster,
// TokenSource and push.Dispatcher interfaces.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"realtime/internal/domain"
	"realtime/internal/observability/metrics"
	"realtime/internal/push"
)

// Roster is the presence view used to route call events. The hub satisfies
// it.
type Roster interface {
	Online(userID int64) bool
	EmitToUser(userID int64, event string, data any) bool
}

// TokenSource resolves a user's push token for offline routing. The store
// satisfies it.
type TokenSource interface {
	DeviceToken(ctx context.Context, userID int64) (string, error)
}

// Replier emits an event back to the connection that sent the triggering
// event, which may not (yet) be in the roster.
type Replier func(event string, data any)

type Config struct {
	RingTimeout    time.Duration // ringing -> failed if unanswered
	StaleAfter     time.Duration // entries older than this are reclaimed
	ReaperInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:    30 * time.Second,
		StaleAfter:     2 * time.Minute,
		ReaperInterval: 30 * time.Second,
	}
}

type Coordinator struct {
	roster Roster
	tokens TokenSource
	pusher push.Dispatcher
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	calls map[string]*domain.Call

	done     chan struct{}
	stopOnce sync.Once
}

func NewCoordinator(roster Roster, tokens TokenSource, pusher push.Dispatcher, cfg Config) *Coordinator {
	return &Coordinator{
		roster: roster,
		tokens: tokens,
		pusher: pusher,
		cfg:    cfg,
		now:    time.Now,
		calls:  make(map[string]*domain.Call),
		done:   make(chan struct{}),
	}
}

type InitiateInput struct {
	CallID         string
	CallType       domain.CallType
	ConversationID int64
	CallerID       int64
	RecipientID    int64
	CallerInfo     json.RawMessage
}

type failedPayload struct {
	CallID string `json:"callId"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type incomingPayload struct {
	CallID         string          `json:"callId"`
	CallType       domain.CallType `json:"callType"`
	ConversationID int64           `json:"conversation_id"`
	CallerInfo     json.RawMessage `json:"caller_info"`
	Timestamp      time.Time       `json:"timestamp"`
}

type answeredPayload struct {
	CallID         string    `json:"callId"`
	ConversationID int64     `json:"conversation_id"`
	RecipientID    int64     `json:"recipient_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type declinedPayload struct {
	CallID         string    `json:"callId"`
	ConversationID int64     `json:"conversation_id"`
	DeclinedBy     int64     `json:"declined_by"`
	Timestamp      time.Time `json:"timestamp"`
}

type endedPayload struct {
	CallID         string    `json:"callId"`
	ConversationID int64     `json:"conversation_id"`
	EndedBy        int64     `json:"ended_by,omitempty"`
	Duration       *int64    `json:"duration,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type missedPayload struct {
	CallID     string          `json:"callId"`
	CallerInfo json.RawMessage `json:"caller_info"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Initiate admits and creates a new ringing call, routes the incoming-call
// event (socket if the recipient is online, push otherwise) and arms the
// ring timer. Admission failures are reported to the caller only.
func (co *Coordinator) Initiate(ctx context.Context, reply Replier, in InitiateInput) {
	now := co.now()

	co.mu.Lock()
	co.sweepParticipantsLocked(now, in.CallerID, in.RecipientID)

	if busy := co.liveCallOfLocked(in.CallerID); busy != nil {
		co.mu.Unlock()
		slog.Info("call rejected, caller busy", "call_id", in.CallID, "caller_id", in.CallerID, "existing_call", busy.ID)
		metrics.CallsInitiatedTotal.WithLabelValues("caller_busy").Inc()
		reply("call_failed", failedPayload{CallID: in.CallID, Error: domain.ErrCallerBusy.Error(), Reason: "caller_busy"})
		return
	}
	if busy := co.liveCallOfLocked(in.RecipientID); busy != nil {
		co.mu.Unlock()
		slog.Info("call rejected, recipient busy", "call_id", in.CallID, "recipient_id", in.RecipientID, "existing_call", busy.ID, "existing_status", busy.Status)
		metrics.CallsInitiatedTotal.WithLabelValues("user_busy").Inc()
		reply("call_failed", failedPayload{CallID: in.CallID, Error: domain.ErrRecipientBusy.Error(), Reason: "user_busy"})
		return
	}

	c := &domain.Call{
		ID:             in.CallID,
		Type:           in.CallType,
		ConversationID: in.ConversationID,
		CallerID:       in.CallerID,
		RecipientID:    in.RecipientID,
		Status:         domain.CallRinging,
		StartTime:      now,
		CallerInfo:     in.CallerInfo,
	}
	co.calls[in.CallID] = c
	total := len(co.calls)
	co.mu.Unlock()

	metrics.CallsInitiatedTotal.WithLabelValues("ok").Inc()
	metrics.CallsActive.WithLabelValues().Set(float64(total))
	slog.Info("call initiated", "call_id", in.CallID, "call_type", in.CallType, "caller_id", in.CallerID, "recipient_id", in.RecipientID, "active_calls", total)

	delivered := co.roster.EmitToUser(in.RecipientID, "incoming_call", incomingPayload{
		CallID:         in.CallID,
		CallType:       in.CallType,
		ConversationID: in.ConversationID,
		CallerInfo:     in.CallerInfo,
		Timestamp:      now.UTC(),
	})
	if !delivered {
		go co.pushIncoming(in, now)
	}

	time.AfterFunc(co.cfg.RingTimeout, func() {
		co.expire(in.CallID, reply)
	})
}

// pushIncoming routes an incoming call to an offline recipient through the
// notification dispatcher. Detached and best-effort: failure never fails
// the call attempt.
func (co *Coordinator) pushIncoming(in InitiateInput, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	token, err := co.tokens.DeviceToken(ctx, in.RecipientID)
	if err != nil {
		slog.Error("push token lookup failed", "call_id", in.CallID, "recipient_id", in.RecipientID, "error", err)
		metrics.PushesSentTotal.WithLabelValues("failure").Inc()
		return
	}
	if token == "" {
		slog.Warn("recipient has no push token", "call_id", in.CallID, "recipient_id", in.RecipientID)
		metrics.PushesSentTotal.WithLabelValues("no_token").Inc()
		return
	}

	callerName := callerNameFromInfo(in.CallerInfo)
	title := "Incoming video call"
	if in.CallType == domain.CallAudio {
		title = "Incoming voice call"
	}

	err = co.pusher.Send(ctx, push.Notification{
		Token: token,
		Title: title,
		Body:  callerName + " is calling you",
		Data: map[string]string{
			"type":            "incoming_call",
			"callId":          in.CallID,
			"callType":        string(in.CallType),
			"conversation_id": strconv.FormatInt(in.ConversationID, 10),
			"caller_id":       strconv.FormatInt(in.CallerID, 10),
			"caller_name":     callerName,
			"timestamp":       at.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		slog.Error("push dispatch failed", "call_id", in.CallID, "recipient_id", in.RecipientID, "error", err)
		metrics.PushesSentTotal.WithLabelValues("failure").Inc()
		return
	}
	slog.Info("push dispatched for offline recipient", "call_id", in.CallID, "recipient_id", in.RecipientID)
	metrics.PushesSentTotal.WithLabelValues("success").Inc()
}

// expire fires when the ring timer lapses. The timer is never cancelled;
// it checks that the call still exists and is still ringing before acting.
func (co *Coordinator) expire(callID string, reply Replier) {
	co.mu.Lock()
	c, ok := co.calls[callID]
	if !ok || c.Status != domain.CallRinging {
		co.mu.Unlock()
		return
	}
	c.Status = domain.CallFailed
	delete(co.calls, callID)
	total := len(co.calls)
	co.mu.Unlock()

	metrics.CallsActive.WithLabelValues().Set(float64(total))
	slog.Info("call timed out unanswered", "call_id", callID, "recipient_id", c.RecipientID)

	reply("call_failed", failedPayload{CallID: callID, Error: "no answer", Reason: "timeout"})
	co.roster.EmitToUser(c.RecipientID, "call_missed", missedPayload{CallID: callID, CallerInfo: c.CallerInfo})
}

// Answer transitions ringing -> active and notifies the caller.
func (co *Coordinator) Answer(reply Replier, callID string, conversationID, recipientID int64) {
	now := co.now()

	co.mu.Lock()
	c, ok := co.calls[callID]
	if !ok {
		co.mu.Unlock()
		reply("call_error", errorPayload{Error: domain.ErrCallNotFound.Error()})
		return
	}
	if c.Status != domain.CallRinging {
		co.mu.Unlock()
		slog.Warn("answer for non-ringing call", "call_id", callID, "status", c.Status)
		reply("call_error", errorPayload{Error: "call is not ringing"})
		return
	}
	c.Status = domain.CallActive
	c.AnswerTime = now
	callerID := c.CallerID
	co.mu.Unlock()

	slog.Info("call answered", "call_id", callID, "recipient_id", recipientID)
	co.roster.EmitToUser(callerID, "call_answered", answeredPayload{
		CallID:         callID,
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Timestamp:      now.UTC(),
	})
}

// Decline is terminal: the entry is removed and the caller notified.
func (co *Coordinator) Decline(reply Replier, callID string, conversationID, recipientID int64) {
	now := co.now()

	co.mu.Lock()
	c, ok := co.calls[callID]
	if !ok {
		co.mu.Unlock()
		reply("call_error", errorPayload{Error: domain.ErrCallNotFound.Error()})
		return
	}
	c.Status = domain.CallDeclined
	delete(co.calls, callID)
	total := len(co.calls)
	callerID := c.CallerID
	co.mu.Unlock()

	metrics.CallsActive.WithLabelValues().Set(float64(total))
	slog.Info("call declined", "call_id", callID, "declined_by", recipientID)
	co.roster.EmitToUser(callerID, "call_declined", declinedPayload{
		CallID:         callID,
		ConversationID: conversationID,
		DeclinedBy:     recipientID,
		Timestamp:      now.UTC(),
	})
}

// End removes the call and notifies the other participant with the
// answered duration (0 when the call never connected).
func (co *Coordinator) End(reply Replier, callID string, conversationID, userID int64) {
	now := co.now()

	co.mu.Lock()
	c, ok := co.calls[callID]
	if !ok {
		co.mu.Unlock()
		reply("call_error", errorPayload{Error: domain.ErrCallNotFound.Error()})
		return
	}
	wasActive := c.Status == domain.CallActive
	var duration int64
	if !c.AnswerTime.IsZero() {
		duration = int64(now.Sub(c.AnswerTime) / time.Second)
	}
	c.Status = domain.CallEnded
	delete(co.calls, callID)
	total := len(co.calls)
	other := c.OtherParticipant(userID)
	callType := c.Type
	co.mu.Unlock()

	metrics.CallsActive.WithLabelValues().Set(float64(total))
	if wasActive {
		metrics.CallDurationSeconds.WithLabelValues(string(callType)).Observe(float64(duration))
	}
	slog.Info("call ended", "call_id", callID, "ended_by", userID, "duration_s", duration)

	co.roster.EmitToUser(other, "call_ended", endedPayload{
		CallID:         callID,
		ConversationID: conversationID,
		EndedBy:        userID,
		Duration:       &duration,
		Timestamp:      now.UTC(),
	})
}

// Relay forwards a signaling payload (offer/answer/ICE candidate) verbatim
// to the participant that did not send it. Payloads are never queued: an
// offline peer means the frame is dropped with a warning.
func (co *Coordinator) Relay(event, callID string, senderID int64, payload json.RawMessage) {
	co.mu.Lock()
	c, ok := co.calls[callID]
	var other int64
	if ok {
		other = c.OtherParticipant(senderID)
	}
	co.mu.Unlock()

	if !ok {
		slog.Warn("signaling for unknown call", "event", event, "call_id", callID)
		return
	}
	if !co.roster.EmitToUser(other, event, payload) {
		slog.Warn("signaling peer offline, frame dropped", "event", event, "call_id", callID, "peer_id", other)
	}
}

// HandleDisconnect reclaims every call the user participates in and tells
// the surviving peer the call ended because of a disconnect.
func (co *Coordinator) HandleDisconnect(userID int64) {
	co.removeCallsOf(userID, "disconnect")
}

// CleanupUser is the explicit client-requested variant of disconnect
// cleanup. Returns the number of calls removed.
func (co *Coordinator) CleanupUser(userID int64) int {
	return co.removeCallsOf(userID, "cleanup")
}

func (co *Coordinator) removeCallsOf(userID int64, reason string) int {
	now := co.now()

	co.mu.Lock()
	var removed []*domain.Call
	for id, c := range co.calls {
		if c.HasParticipant(userID) {
			removed = append(removed, c)
			delete(co.calls, id)
		}
	}
	total := len(co.calls)
	co.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	metrics.CallsActive.WithLabelValues().Set(float64(total))

	for _, c := range removed {
		slog.Info("call reclaimed", "call_id", c.ID, "user_id", userID, "reason", reason)
		co.roster.EmitToUser(c.OtherParticipant(userID), "call_ended", endedPayload{
			CallID:         c.ID,
			ConversationID: c.ConversationID,
			EndedBy:        userID,
			Reason:         reason,
			Timestamp:      now.UTC(),
		})
	}
	return len(removed)
}

type statusPayload struct {
	CallID       string            `json:"callId"`
	Exists       bool              `json:"exists"`
	Status       domain.CallStatus `json:"status,omitempty"`
	Participants []int64           `json:"participants"`
}

// Status answers get_call_status for one call id.
func (co *Coordinator) Status(reply Replier, callID string) {
	co.mu.Lock()
	c, ok := co.calls[callID]
	out := statusPayload{CallID: callID, Exists: ok, Participants: []int64{}}
	if ok {
		out.Status = c.Status
		out.Participants = c.Participants()
	}
	co.mu.Unlock()

	reply("call_status_response", out)
}

type debugCall struct {
	CallID       string            `json:"callId"`
	Participants []int64           `json:"participants"`
	Status       domain.CallStatus `json:"status"`
	AgeMillis    int64             `json:"age"`
}

type debugPayload struct {
	Count int         `json:"count"`
	Calls []debugCall `json:"calls"`
}

// Debug answers debug_active_calls with a snapshot of the live table.
func (co *Coordinator) Debug(reply Replier) {
	now := co.now()

	co.mu.Lock()
	out := debugPayload{Count: len(co.calls), Calls: make([]debugCall, 0, len(co.calls))}
	for id, c := range co.calls {
		out.Calls = append(out.Calls, debugCall{
			CallID:       id,
			Participants: c.Participants(),
			Status:       c.Status,
			AgeMillis:    c.Age(now).Milliseconds(),
		})
	}
	co.mu.Unlock()

	reply("debug_active_calls_response", out)
}

// StartReaper runs the periodic stale-call sweep until Stop. Defense in
// depth for entries whose ring timer was lost (process hiccup, zombie
// status); the per-call timer remains the primary reclamation path.
func (co *Coordinator) StartReaper() {
	go func() {
		ticker := time.NewTicker(co.cfg.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-co.done:
				return
			case <-ticker.C:
				co.reap()
			}
		}
	}()
}

func (co *Coordinator) Stop() {
	co.stopOnce.Do(func() { close(co.done) })
}

func (co *Coordinator) reap() {
	now := co.now()

	co.mu.Lock()
	var stale []*domain.Call
	for id, c := range co.calls {
		if c.Age(now) > co.cfg.StaleAfter || !c.Live() {
			stale = append(stale, c)
			delete(co.calls, id)
		}
	}
	total := len(co.calls)
	co.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	metrics.CallsActive.WithLabelValues().Set(float64(total))

	for _, c := range stale {
		slog.Info("reaper removed stale call", "call_id", c.ID, "status", c.Status, "age_ms", c.Age(now).Milliseconds())
		for _, userID := range c.Participants() {
			co.roster.EmitToUser(userID, "call_ended", endedPayload{
				CallID:         c.ID,
				ConversationID: c.ConversationID,
				Reason:         "stale_cleanup",
				Timestamp:      now.UTC(),
			})
		}
	}
	slog.Info("reaper pass complete", "removed", len(stale), "remaining", total)
}

// sweepParticipantsLocked self-heals the table before admission control:
// any entry involving either user that is over the staleness threshold or
// already in a terminal status is dropped silently.
func (co *Coordinator) sweepParticipantsLocked(now time.Time, userIDs ...int64) {
	for id, c := range co.calls {
		involved := false
		for _, u := range userIDs {
			if c.HasParticipant(u) {
				involved = true
				break
			}
		}
		if !involved {
			continue
		}
		if c.Age(now) > co.cfg.StaleAfter || c.Status == domain.CallFailed || c.Status == domain.CallDeclined {
			slog.Info("sweeping stale call before admission", "call_id", id, "status", c.Status, "age_ms", c.Age(now).Milliseconds())
			delete(co.calls, id)
		}
	}
}

// liveCallOfLocked returns the ringing/active call the user participates
// in, if any. Callers hold co.mu.
func (co *Coordinator) liveCallOfLocked(userID int64) *domain.Call {
	for _, c := range co.calls {
		if c.Live() && c.HasParticipant(userID) {
			return c
		}
	}
	return nil
}

func callerNameFromInfo(info json.RawMessage) string {
	var parsed struct {
		Name string `json:"name"`
	}
	if len(info) > 0 {
		_ = json.Unmarshal(info, &parsed)
	}
	if parsed.Name == "" {
		return "Someone"
	}
	return parsed.Name
}
