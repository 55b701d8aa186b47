// Package ws terminates the persistent client connections, validates event
// payloads at the boundary, and dispatches into the hub, message pipeline,
// call coordinator and upload sink. Malformed payloads are rejected before
// any state mutation.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realtime/internal/call"
	"realtime/internal/domain"
	"realtime/internal/hub"
	"realtime/internal/observability/metrics"
	"realtime/internal/service"
	"realtime/internal/upload"
)

type Handler struct {
	hub      *hub.Hub
	msgs     *service.Service
	calls    *call.Coordinator
	uploads  *upload.Sink
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub, msgs *service.Service, calls *call.Coordinator, uploads *upload.Sink) *Handler {
	return &Handler{
		hub:     h,
		msgs:    msgs,
		calls:   calls,
		uploads: uploads,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity is trusted input at this layer; CORS is enforced
			// on the HTTP surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades one connection and runs its read loop until disconnect.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := hub.NewClient(uuid.NewString(), conn)
	h.hub.Attach(c)
	metrics.WSConnections.WithLabelValues().Inc()
	slog.Info("user connected", "connection_id", c.ID, "remote", r.RemoteAddr)

	go c.WritePump()

	c.ReadLoop(func(frame []byte) {
		h.dispatch(c, frame)
	})

	h.disconnect(c)
}

// disconnect reclaims the connection's calls before dropping directory and
// roster entries, then tells everyone else.
func (h *Handler) disconnect(c *hub.Client) {
	metrics.WSConnections.WithLabelValues().Dec()

	userID, hadUser := h.hub.Remove(c)
	if hadUser {
		h.calls.HandleDisconnect(userID)
	}

	h.hub.Broadcast(nil, "getUsers", h.hub.Users())
	if hadUser {
		h.hub.Broadcast(c, "user_offline", userOffline{UserID: userID, ActiveUser: h.hub.Active()})
	}
	slog.Info("user disconnected", "connection_id", c.ID)
}

func (h *Handler) dispatch(c *hub.Client, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		slog.Warn("unparsable frame", "connection_id", c.ID, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(env.Event).Inc()

	reply := func(event string, data any) {
		h.hub.Send(c, event, data)
	}

	switch env.Event {
	case "join_room":
		h.handleJoinRoom(c, env.Data, reply)
	case "addUser":
		h.handleAddUser(c, env.Data, reply)
	case "get_online_user":
		h.handleGetOnlineUser(c, env.Data, reply)
	case "send_message":
		h.handleSendMessage(c, env.Data, reply)
	case "mark_message_read":
		h.handleMarkRead(c, env.Data, reply)
	case "get_messages":
		h.handleGetMessages(c, env.Data, reply)
	case "typing_event_send":
		h.handleTyping(c, env.Data)
	case "leave-room":
		h.handleLeaveRoom(c, env.Data)
	case "initiate_call":
		h.handleInitiateCall(c, env.Data, reply)
	case "answer_call":
		h.handleAnswerCall(env.Data, reply)
	case "decline_call":
		h.handleDeclineCall(env.Data, reply)
	case "end_call":
		h.handleEndCall(env.Data, reply)
	case "webrtc_offer", "webrtc_answer", "webrtc_ice_candidate":
		h.handleSignal(env.Event, env.Data, reply)
	case "get_call_status":
		h.handleCallStatus(env.Data, reply)
	case "cleanup_my_calls":
		h.handleCleanupCalls(env.Data, reply)
	case "debug_active_calls":
		h.calls.Debug(call.Replier(reply))
	case "upload_file":
		h.handleUpload(env.Data, reply)
	case "incoming_call_response":
		// Acknowledged client-side; nothing to coordinate.
	default:
		slog.Debug("unknown event", "event", env.Event, "connection_id", c.ID)
	}
}

func (h *Handler) handleJoinRoom(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p joinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.validate() != nil {
		reply("message_error", messageError{Error: "missing conversation_id or user_id"})
		return
	}
	h.hub.Join(c, int64(p.ConversationID))
	h.hub.Register(int64(p.UserID), c)
	slog.Info("user joined conversation", "user_id", p.UserID, "conversation_id", p.ConversationID)
}

func (h *Handler) handleAddUser(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p addUserPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == 0 {
		reply("message_error", messageError{Error: "missing user id"})
		return
	}
	h.hub.Register(int64(p.ID), c)
	h.hub.Broadcast(nil, "getUsers", h.hub.Users())
}

func (h *Handler) handleGetOnlineUser(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var id flexInt64
	if err := json.Unmarshal(data, &id); err != nil || id == 0 {
		reply("message_error", messageError{Error: "missing user id"})
		return
	}
	h.hub.SetPresence(int64(id), c)
	h.hub.Broadcast(nil, "receive_online_user", onlineUser{
		UserInfo:   hub.PresenceEntry{ID: int64(id), SocketID: c.ID},
		ActiveUser: h.hub.Active(),
	})
}

func (h *Handler) handleSendMessage(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		reply("message_error", messageError{Error: "malformed message payload"})
		return
	}
	_, err := h.msgs.SendMessage(context.Background(), service.SendInput{
		UUID:             p.UUID,
		ConversationID:   int64(p.ConversationID),
		UserID:           int64(p.UserID),
		EncryptedContent: p.EncryptedContent,
		IV:               p.IV,
		MessageType:      p.MessageType,
		Metadata:         p.Metadata,
		ReplyTo:          p.ReplyTo,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation):
		reply("message_error", messageError{Error: "missing required message fields"})
	default:
		slog.Error("send message failed", "connection_id", c.ID, "error", err)
		reply("message_error", messageError{Error: "DB Error", Details: err.Error()})
	}
}

func (h *Handler) handleMarkRead(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p markReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.validate() != nil {
		reply("message_error", messageError{Error: "missing messageId, userId, or conversationId"})
		return
	}
	err := h.msgs.MarkRead(context.Background(), reply, int64(p.MessageID), int64(p.ConversationID), int64(p.UserID))
	if err != nil {
		slog.Error("mark read failed", "message_id", p.MessageID, "error", err)
		reply("message_error", messageError{Error: "failed to mark message as read"})
	}
}

func (h *Handler) handleGetMessages(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p getMessagesPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == 0 {
		reply("message_error", messageError{Error: "missing conversation_id"})
		return
	}
	page, err := h.msgs.History(context.Background(), int64(p.ConversationID), p.Limit, p.Offset)
	if err != nil {
		slog.Error("history fetch failed", "conversation_id", p.ConversationID, "error", err)
		reply("message_error", messageError{Error: "failed to fetch messages"})
		return
	}
	reply("messages_history", page)
}

func (h *Handler) handleTyping(c *hub.Client, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == 0 {
		return
	}
	h.hub.EmitToRoomExcept(int64(p.RoomID), c, "typing_event_receive", data)
}

func (h *Handler) handleLeaveRoom(c *hub.Client, data json.RawMessage) {
	var id flexInt64
	if err := json.Unmarshal(data, &id); err != nil {
		return
	}
	h.hub.Leave(c, int64(id)) // 0 is the "no room" sentinel, ignored by Leave
}

func (h *Handler) handleInitiateCall(c *hub.Client, data json.RawMessage, reply call.Replier) {
	var p initiateCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.validate() != nil {
		reply("call_error", map[string]string{"error": "invalid call payload"})
		return
	}
	h.calls.Initiate(context.Background(), reply, call.InitiateInput{
		CallID:         p.CallID,
		CallType:       domain.CallType(p.CallType),
		ConversationID: int64(p.ConversationID),
		CallerID:       int64(p.CallerID),
		RecipientID:    int64(p.RecipientID),
		CallerInfo:     p.CallerInfo,
	})
}

func (h *Handler) handleAnswerCall(data json.RawMessage, reply call.Replier) {
	var p answerCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply("call_error", map[string]string{"error": "invalid call payload"})
		return
	}
	h.calls.Answer(reply, p.CallID, int64(p.ConversationID), int64(p.RecipientID))
}

func (h *Handler) handleDeclineCall(data json.RawMessage, reply call.Replier) {
	var p answerCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply("call_error", map[string]string{"error": "invalid call payload"})
		return
	}
	h.calls.Decline(reply, p.CallID, int64(p.ConversationID), int64(p.RecipientID))
}

func (h *Handler) handleEndCall(data json.RawMessage, reply call.Replier) {
	var p endCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply("call_error", map[string]string{"error": "invalid call payload"})
		return
	}
	h.calls.End(reply, p.CallID, int64(p.ConversationID), int64(p.UserID))
}

func (h *Handler) handleSignal(event string, data json.RawMessage, reply call.Replier) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" || p.SenderID == 0 {
		reply("call_error", map[string]string{"error": "invalid signaling payload"})
		return
	}
	h.calls.Relay(event, p.CallID, int64(p.SenderID), data)
}

func (h *Handler) handleCallStatus(data json.RawMessage, reply call.Replier) {
	var p callStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		reply("call_error", map[string]string{"error": "missing callId"})
		return
	}
	h.calls.Status(reply, p.CallID)
}

func (h *Handler) handleCleanupCalls(data json.RawMessage, reply call.Replier) {
	var p cleanupCallsPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == 0 {
		reply("call_error", map[string]string{"error": "missing userId"})
		return
	}
	count := h.calls.CleanupUser(int64(p.UserID))
	slog.Info("cleaned calls on request", "user_id", p.UserID, "count", count)
	reply("calls_cleaned", cleanedPayload{Count: count, UserID: int64(p.UserID)})
}

func (h *Handler) handleUpload(data json.RawMessage, reply call.Replier) {
	var p uploadFilePayload
	if err := json.Unmarshal(data, &p); err != nil {
		reply("file_uploaded", uploadResponse{Success: false, Error: "malformed upload payload"})
		return
	}
	res, err := h.uploads.Save(p.FileName, p.MessageType, p.FileData)
	if err != nil {
		slog.Error("upload failed", "file_name", p.FileName, "error", err)
		reply("file_uploaded", uploadResponse{Success: false, Error: err.Error()})
		return
	}
	slog.Info("file uploaded", "file_url", res.URL, "original_name", res.OriginalName)
	reply("file_uploaded", uploadResponse{
		Success:      true,
		FileURL:      res.URL,
		FileName:     res.FileName,
		OriginalName: res.OriginalName,
	})
}
