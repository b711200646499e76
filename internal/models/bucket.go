package models

import (
	"gorm.io/datatypes"
)

type BucketVisibility string

const (
	VisibilityPrivate BucketVisibility = "private"
	VisibilityPublic  BucketVisibility = "public"
	VisibilityAdmin   BucketVisibility = "admin"
)

// MessageTemplate renders incoming magic-code payloads into a message. Title,
// Subtitle and Body are text/template sources evaluated against the payload.
type MessageTemplate struct {
	Title        string       `json:"title"`
	Subtitle     string       `json:"subtitle,omitempty"`
	Body         string       `json:"body"`
	DeliveryType DeliveryType `json:"delivery_type,omitempty"`
}

// Bucket is a channel that messages are posted into. Exactly one owner;
// shares are additive overlays stored as EntityPermission rows.
type Bucket struct {
	BaseModel

	OwnerID     string           `gorm:"type:varchar(36);not null;index" json:"owner_id"`
	Owner       *User            `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Name        string           `gorm:"size:255;not null" json:"name"`
	Description string           `gorm:"type:text" json:"description"`
	IconURL     string           `gorm:"type:text" json:"icon_url"`
	Preset      string           `gorm:"size:64" json:"preset"`
	Visibility  BucketVisibility `gorm:"type:varchar(16);not null;default:'private';index" json:"visibility"`

	ExternalNotifySystemID *string               `gorm:"type:varchar(36);index" json:"external_notify_system_id,omitempty"`
	ExternalNotifySystem   *ExternalNotifySystem `gorm:"foreignKey:ExternalNotifySystemID" json:"external_notify_system,omitempty"`
	ExternalSystemChannel  string                `gorm:"size:255" json:"external_system_channel,omitempty"`

	MagicCode *string                                        `gorm:"size:64;uniqueIndex" json:"-"`
	Templates datatypes.JSONType[map[string]MessageTemplate] `json:"templates"`
}

func (b *Bucket) IsPublic() bool {
	return b != nil && b.Visibility == VisibilityPublic
}

func (b *Bucket) IsAdminBucket() bool {
	return b != nil && b.Visibility == VisibilityAdmin
}

// Template returns the named template, if the bucket defines one.
func (b *Bucket) Template(name string) (MessageTemplate, bool) {
	if b == nil {
		return MessageTemplate{}, false
	}
	tpl, ok := b.Templates.Data()[name]
	return tpl, ok
}
