package models

import "fmt"

type ExternalSystemType string

const (
	ExternalNtfy   ExternalSystemType = "NTFY"
	ExternalGotify ExternalSystemType = "GOTIFY"
)

// ExternalNotifySystem is a third-party notification server a bucket can
// mirror into. Credentials live in the owner's UserSetting, never here.
type ExternalNotifySystem struct {
	BaseModel

	OwnerID string             `gorm:"type:varchar(36);not null;index" json:"owner_id"`
	Type    ExternalSystemType `gorm:"type:varchar(16);not null" json:"type"`
	Name    string             `gorm:"size:255;not null" json:"name"`
	BaseURL string             `gorm:"type:text;not null" json:"base_url"`
}

// CredentialsKey is the UserSetting key holding credentials for a system type.
func CredentialsKey(t ExternalSystemType) string {
	return fmt.Sprintf("external.%s.credentials", lower(string(t)))
}
