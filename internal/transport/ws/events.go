package ws

import (
	"encoding/json"
	"strconv"
	"strings"

	"realtime/internal/domain"
	"realtime/internal/hub"
	"realtime/internal/store"
)

// envelope is the frame format in both directions: an event name plus an
// opaque payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// flexInt64 accepts both JSON numbers and numeric strings; older clients
// send ids either way.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

type joinRoomPayload struct {
	ConversationID flexInt64 `json:"conversation_id"`
	UserID         flexInt64 `json:"user_id"`
}

func (p joinRoomPayload) validate() error {
	if p.ConversationID == 0 || p.UserID == 0 {
		return domain.ErrValidation
	}
	return nil
}

type addUserPayload struct {
	ID flexInt64 `json:"id"`
}

type sendMessagePayload struct {
	UUID             string     `json:"uuid"`
	ConversationID   flexInt64  `json:"conversation_id"`
	UserID           flexInt64  `json:"user_id"`
	EncryptedContent string     `json:"encrypted_content"`
	IV               string     `json:"iv"`
	MessageType      string     `json:"message_type"`
	Metadata         store.JSON `json:"metadata"`
	ReplyTo          *int64     `json:"reply_to"`
}

type markReadPayload struct {
	MessageID      flexInt64 `json:"messageId"`
	ConversationID flexInt64 `json:"conversationId"`
	UserID         flexInt64 `json:"userId"`
}

func (p markReadPayload) validate() error {
	if p.MessageID == 0 || p.ConversationID == 0 || p.UserID == 0 {
		return domain.ErrValidation
	}
	return nil
}

type getMessagesPayload struct {
	ConversationID flexInt64 `json:"conversation_id"`
	Limit          int       `json:"limit"`
	Offset         int       `json:"offset"`
}

type typingPayload struct {
	RoomID flexInt64 `json:"room_id"`
}

type initiateCallPayload struct {
	CallID         string          `json:"callId"`
	CallType       string          `json:"callType"`
	ConversationID flexInt64       `json:"conversation_id"`
	CallerID       flexInt64       `json:"caller_id"`
	RecipientID    flexInt64       `json:"recipient_id"`
	CallerInfo     json.RawMessage `json:"caller_info"`
}

func (p initiateCallPayload) validate() error {
	if p.CallID == "" || p.CallerID == 0 || p.RecipientID == 0 {
		return domain.ErrValidation
	}
	if t := domain.CallType(p.CallType); t != domain.CallAudio && t != domain.CallVideo {
		return domain.ErrValidation
	}
	return nil
}

type answerCallPayload struct {
	CallID         string    `json:"callId"`
	ConversationID flexInt64 `json:"conversation_id"`
	RecipientID    flexInt64 `json:"recipient_id"`
}

type endCallPayload struct {
	CallID         string    `json:"callId"`
	ConversationID flexInt64 `json:"conversation_id"`
	UserID         flexInt64 `json:"user_id"`
}

type signalPayload struct {
	CallID   string    `json:"callId"`
	SenderID flexInt64 `json:"sender_id"`
}

type callStatusPayload struct {
	CallID string `json:"callId"`
}

type cleanupCallsPayload struct {
	UserID flexInt64 `json:"userId"`
}

type uploadFilePayload struct {
	UUID           string    `json:"uuid"`
	ConversationID flexInt64 `json:"conversation_id"`
	FileName       string    `json:"fileName"`
	FileType       string    `json:"fileType"`
	FileData       string    `json:"fileData"`
	MessageType    string    `json:"messageType"`
}

type messageError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type userOffline struct {
	UserID     int64               `json:"userId"`
	ActiveUser []hub.PresenceEntry `json:"activeUser"`
}

type onlineUser struct {
	UserInfo   hub.PresenceEntry   `json:"userInfo"`
	ActiveUser []hub.PresenceEntry `json:"activeUser"`
}

type cleanedPayload struct {
	Count  int   `json:"count"`
	UserID int64 `json:"userId"`
}

type uploadResponse struct {
	Success      bool   `json:"success"`
	FileURL      string `json:"file_url,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Error        string `json:"error,omitempty"`
}
