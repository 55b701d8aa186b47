package store

import (
	"context"
	"time"
)

// Message mirrors the messages table. JSON tags match the wire format the
// clients already speak, so a stored row can be broadcast verbatim.
type Message struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID             string    `gorm:"column:uuid;size:36;not null;uniqueIndex" json:"uuid"`
	ConversationID   int64     `gorm:"not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	UserID           int64     `gorm:"not null" json:"user_id"`
	EncryptedContent string    `gorm:"type:text;not null" json:"encrypted_content"`
	IV               string    `gorm:"column:iv;not null" json:"iv"`
	MessageType      string    `gorm:"not null;default:text" json:"message_type"`
	Metadata         JSON      `gorm:"type:jsonb" json:"metadata,omitempty"`
	ReplyTo          *int64    `json:"reply_to,omitempty"`
	IsEdited         bool      `gorm:"not null;default:false" json:"is_edited"`
	CreatedAt        time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

// HistoryMessage is a message row with its per-user read/delivery statuses
// folded in, as returned to clients by get_messages.
type HistoryMessage struct {
	Message
	Statuses map[int64]string `gorm:"-" json:"statuses"`
}

func (s *Store) SaveMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// History fetches up to limit messages for a conversation, newest first,
// with all known statuses attached. Callers reverse the page for display.
func (s *Store) History(ctx context.Context, conversationID int64, limit, offset int) ([]HistoryMessage, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]HistoryMessage, len(rows))
	ids := make([]int64, len(rows))
	byID := make(map[int64]*HistoryMessage, len(rows))
	for i, m := range rows {
		out[i] = HistoryMessage{Message: m, Statuses: map[int64]string{}}
		ids[i] = m.ID
		byID[m.ID] = &out[i]
	}
	if len(ids) == 0 {
		return out, nil
	}

	var statuses []MessageStatus
	if err := s.db.WithContext(ctx).Where("message_id IN ?", ids).Find(&statuses).Error; err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if hm, ok := byID[st.MessageID]; ok {
			hm.Statuses[st.UserID] = st.Status
		}
	}
	return out, nil
}

// MessageSender returns the sender and conversation of a stored message.
func (s *Store) MessageSender(ctx context.Context, messageID int64) (senderID, conversationID int64, err error) {
	var msg Message
	if err := s.db.WithContext(ctx).Select("user_id", "conversation_id").First(&msg, messageID).Error; err != nil {
		return 0, 0, err
	}
	return msg.UserID, msg.ConversationID, nil
}
