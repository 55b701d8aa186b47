package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// MessageStatus is one delivery/read marker per (message, user). Later
// writes overwrite earlier ones; no delivered-before-read ordering is
// enforced.
type MessageStatus struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID int64     `gorm:"not null;uniqueIndex:uniq_message_status,priority:1" json:"message_id"`
	UserID    int64     `gorm:"not null;uniqueIndex:uniq_message_status,priority:2" json:"user_id"`
	Status    string    `gorm:"not null" json:"status"`
	StatusAt  time.Time `gorm:"not null" json:"status_at"`
	CreatedAt time.Time `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"not null" json:"-"`
}

const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

func (s *Store) UpsertStatus(ctx context.Context, messageID, userID int64, status string, at time.Time) error {
	row := MessageStatus{
		MessageID: messageID,
		UserID:    userID,
		Status:    status,
		StatusAt:  at,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "status_at", "updated_at"}),
		}).
		Create(&row).Error
}
