package store

import (
	"context"
	"time"
)

type Conversation struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type ConversationParticipant struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	ConversationID int64 `gorm:"not null;uniqueIndex:uniq_conversation_participant,priority:1"`
	UserID         int64 `gorm:"not null;uniqueIndex:uniq_conversation_participant,priority:2"`
}

// TouchConversation bumps updated_at so conversation lists sort correctly.
func (s *Store) TouchConversation(ctx context.Context, conversationID int64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", at).
		Error
}
