// Package service is the message pipeline: persist-then-broadcast for new
// messages, read-receipt propagation, and history pagination. Broadcasts
// are driven by persistence completion order; with gorm's pooled
// connections that can differ from issue order under concurrent senders.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"realtime/internal/domain"
	"realtime/internal/observability/metrics"
	"realtime/internal/store"
)

// Notifier is the slice of the hub the pipeline needs.
type Notifier interface {
	EmitToRoom(roomID int64, event string, data any)
	EmitToUser(userID int64, event string, data any) bool
}

type Service struct {
	store    *store.Store
	notifier Notifier
	now      func() time.Time
}

func New(st *store.Store, n Notifier) *Service {
	return &Service{store: st, notifier: n, now: time.Now}
}

type SendInput struct {
	UUID             string
	ConversationID   int64
	UserID           int64
	EncryptedContent string
	IV               string
	MessageType      string
	Metadata         store.JSON
	ReplyTo          *int64
}

// SendMessage persists the draft and, on success, broadcasts the stored row
// verbatim to every member of the conversation's room, sender included.
// The conversation-timestamp touch is detached and best-effort. Storage
// failures are returned to the sender only, never broadcast.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*store.Message, error) {
	if in.UUID == "" || in.ConversationID == 0 || in.UserID == 0 || in.EncryptedContent == "" || in.IV == "" {
		return nil, domain.ErrValidation
	}
	msgType := in.MessageType
	if msgType == "" {
		msgType = "text"
	}

	now := s.now().UTC()
	msg := &store.Message{
		UUID:             in.UUID,
		ConversationID:   in.ConversationID,
		UserID:           in.UserID,
		EncryptedContent: in.EncryptedContent,
		IV:               in.IV,
		MessageType:      msgType,
		Metadata:         in.Metadata,
		ReplyTo:          in.ReplyTo,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		metrics.MessagesStoredTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("save message: %w", err)
	}
	metrics.MessagesStoredTotal.WithLabelValues("success").Inc()
	slog.Info("message saved", "message_id", msg.ID, "conversation_id", msg.ConversationID)

	go s.touchConversation(msg.ConversationID)

	s.notifier.EmitToRoom(msg.ConversationID, "receive_message", msg)
	return msg, nil
}

type readReceipt struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	Status         string `json:"status"`
}

// MarkRead upserts a read-status row, confirms to the reader, notifies the
// message's sender directly when online, and broadcasts the status change
// to the room. The three emissions are independently best-effort with no
// relative ordering guarantee.
func (s *Service) MarkRead(ctx context.Context, reply func(event string, data any), messageID, conversationID, userID int64) error {
	if messageID == 0 || conversationID == 0 || userID == 0 {
		return domain.ErrValidation
	}

	if err := s.store.UpsertStatus(ctx, messageID, userID, store.StatusRead, s.now().UTC()); err != nil {
		return fmt.Errorf("save message status: %w", err)
	}

	receipt := readReceipt{MessageID: messageID, ConversationID: conversationID, UserID: userID, Status: store.StatusRead}
	reply("read_confirmation", receipt)

	go s.touchConversation(conversationID)

	senderID, _, err := s.store.MessageSender(ctx, messageID)
	if err != nil {
		slog.Error("sender lookup for read receipt failed", "message_id", messageID, "error", err)
		return nil
	}
	s.notifier.EmitToUser(senderID, "message_read", receipt)
	s.notifier.EmitToRoom(conversationID, "message_status_update", receipt)
	return nil
}

type HistoryPage struct {
	ConversationID int64                  `json:"conversation_id"`
	Messages       []store.HistoryMessage `json:"messages"`
	HasMore        bool                   `json:"hasMore"`
}

// History returns a chronological page of at most limit messages with their
// status maps. HasMore is the page-full approximation, not an exact count:
// a total that lands exactly on a page boundary costs one extra round trip.
func (s *Service) History(ctx context.Context, conversationID int64, limit, offset int) (*HistoryPage, error) {
	if conversationID == 0 {
		return nil, domain.ErrValidation
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.store.History(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	// Fetched newest-first for pagination; reversed for display.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return &HistoryPage{
		ConversationID: conversationID,
		Messages:       rows,
		HasMore:        len(rows) == limit,
	}, nil
}

// touchConversation bumps the conversation ordering timestamp. Detached
// side effect: failure is logged and swallowed.
func (s *Service) touchConversation(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.TouchConversation(ctx, conversationID, s.now().UTC()); err != nil {
		slog.Error("conversation timestamp touch failed", "conversation_id", conversationID, "error", err)
	}
}
