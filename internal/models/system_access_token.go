package models

import (
	"time"

	"gorm.io/datatypes"
)

const ScopePassthrough = "passthrough"

// SystemAccessToken authorises server-to-server relay calls. The bearer form
// is sat_<id>.<secret>; only a bcrypt hash of the secret is stored.
// TotalCalls and FailedCalls cover the current window (reset monthly);
// TotalFailedCalls is lifetime.
type SystemAccessToken struct {
	BaseModel

	Name              string                      `gorm:"size:255;not null" json:"name"`
	TokenHash         string                      `gorm:"size:255;not null" json:"-"`
	Scopes            datatypes.JSONSlice[string] `json:"scopes"`
	MaxCalls          int64                       `gorm:"not null;default:0" json:"max_calls"`
	TotalCalls        int64                       `gorm:"not null;default:0" json:"total_calls"`
	FailedCalls       int64                       `gorm:"not null;default:0" json:"failed_calls"`
	TotalFailedCalls  int64                       `gorm:"not null;default:0" json:"total_failed_calls"`
	LastFailureReason string                      `gorm:"type:text" json:"last_failure_reason,omitempty"`
	LastResetAt       *time.Time                  `json:"last_reset_at,omitempty"`
	LastUsedAt        *time.Time                  `json:"last_used_at,omitempty"`
	ExpiresAt         *time.Time                  `json:"expires_at,omitempty"`
	DisabledAt        *time.Time                  `json:"disabled_at,omitempty"`
	CreatedByID       *string                     `gorm:"type:varchar(36)" json:"created_by_id,omitempty"`
}

func (t *SystemAccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Usable reports whether the token may be used at now, ignoring quota.
func (t *SystemAccessToken) Usable(now time.Time) bool {
	if t.DisabledAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// Remaining returns calls left in the window, or -1 when unlimited.
func (t *SystemAccessToken) Remaining() int64 {
	if t.MaxCalls <= 0 {
		return -1
	}
	if left := t.MaxCalls - t.TotalCalls; left > 0 {
		return left
	}
	return 0
}
