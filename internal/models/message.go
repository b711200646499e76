package models

import (
	"time"

	"gorm.io/datatypes"
)

type DeliveryType string

const (
	DeliverySilent   DeliveryType = "SILENT"
	DeliveryNormal   DeliveryType = "NORMAL"
	DeliveryCritical DeliveryType = "CRITICAL"
	DeliveryNoPush   DeliveryType = "NO_PUSH"
)

// ParseDeliveryType normalises case and defaults empty input to NORMAL.
func ParseDeliveryType(raw string) (DeliveryType, bool) {
	switch DeliveryType(upper(raw)) {
	case "":
		return DeliveryNormal, true
	case DeliverySilent:
		return DeliverySilent, true
	case DeliveryNormal:
		return DeliveryNormal, true
	case DeliveryCritical:
		return DeliveryCritical, true
	case DeliveryNoPush:
		return DeliveryNoPush, true
	}
	return "", false
}

// Message is immutable after creation except for ExternalSystemResponse and
// FannedOutAt, which the delivery pipeline stamps.
type Message struct {
	BaseModel

	BucketID     string       `gorm:"type:varchar(36);not null;index" json:"bucket_id"`
	Bucket       *Bucket      `gorm:"foreignKey:BucketID;constraint:OnDelete:CASCADE" json:"-"`
	SenderID     string       `gorm:"type:varchar(36);not null;index" json:"sender_id"`
	Title        string       `gorm:"size:512;not null" json:"title"`
	Subtitle     string       `gorm:"size:512" json:"subtitle,omitempty"`
	Body         string       `gorm:"type:text" json:"body"`
	DeliveryType DeliveryType `gorm:"type:varchar(16);not null;default:'NORMAL'" json:"delivery_type"`
	Ephemeral    bool         `gorm:"default:false;index" json:"ephemeral"`
	ExecutionID  string       `gorm:"size:128;index" json:"execution_id,omitempty"`
	Sequence     int64        `gorm:"not null;uniqueIndex" json:"sequence"`

	ScheduledSendAt *time.Time `gorm:"index" json:"scheduled_send_at,omitempty"`
	FannedOutAt     *time.Time `gorm:"index" json:"fanned_out_at,omitempty"`

	ExternalSystemResponse datatypes.JSONMap `json:"external_system_response,omitempty"`
}

// Due reports whether fan-out may happen at now.
func (m *Message) Due(now time.Time) bool {
	return m.ScheduledSendAt == nil || !m.ScheduledSendAt.After(now)
}
