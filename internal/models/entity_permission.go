package models

import (
	"time"

	"gorm.io/datatypes"
)

const ResourceBucket = "bucket"

// EntityPermission is one grant of a permission set on a resource. A grantee
// may hold several rows; the effective set is their union.
type EntityPermission struct {
	BaseModel

	ResourceType  string                      `gorm:"type:varchar(32);not null;index:idx_entity_grant,priority:1" json:"resource_type"`
	ResourceID    string                      `gorm:"type:varchar(36);not null;index:idx_entity_grant,priority:2" json:"resource_id"`
	GranteeUserID string                      `gorm:"type:varchar(36);not null;index:idx_entity_grant,priority:3;index" json:"grantee_user_id"`
	Permissions   datatypes.JSONSlice[string] `json:"permissions"`
	GrantedByID   *string                     `gorm:"type:varchar(36)" json:"granted_by_id,omitempty"`
	ExpiresAt     *time.Time                  `json:"expires_at,omitempty"`
}

// Active reports whether the grant applies at now.
func (p *EntityPermission) Active(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}
