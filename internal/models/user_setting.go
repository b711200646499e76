package models

import (
	"strings"
	"time"
)

// UserSetting is a per-user key/value pair. Values under external.* keys are
// sealed with the server's credential key.
type UserSetting struct {
	UserID    string `gorm:"primaryKey;type:varchar(36)"`
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
