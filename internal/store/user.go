package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type User struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	FirstName string `gorm:"size:100"`
	LastName  string `gorm:"size:100"`
	DeviceID  string `gorm:"size:512"` // push token of the user's last device
}

// DeviceToken returns the stored push token for a user. A user without a
// token (or an unknown user) yields an empty string, not an error.
func (s *Store) DeviceToken(ctx context.Context, userID int64) (string, error) {
	var u User
	err := s.db.WithContext(ctx).Select("device_id").First(&u, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.DeviceID, nil
}
