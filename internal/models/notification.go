package models

import (
	"time"

	"gorm.io/gorm"
)

type DeliveryState string

const (
	StatePending      DeliveryState = "PENDING"
	StateDispatched   DeliveryState = "DISPATCHED"
	StateFailed       DeliveryState = "FAILED"
	StateAcknowledged DeliveryState = "ACKNOWLEDGED"
)

type Transport string

const (
	TransportPush        Transport = "PUSH"
	TransportWebPush     Transport = "WEBPUSH"
	TransportPassthrough Transport = "PASSTHROUGH"
	TransportLocal       Transport = "LOCAL"
)

// InboxDeviceKey marks the device-less row a recipient without devices gets.
const InboxDeviceKey = "inbox"

// Notification is the per (message, user, device) delivery record.
// DeviceKey mirrors UserDeviceID (or InboxDeviceKey) so the natural key stays
// unique on every driver, where NULL columns would not conflict.
type Notification struct {
	BaseModel

	MessageID    string      `gorm:"type:varchar(36);not null;uniqueIndex:idx_notification_target,priority:1" json:"message_id"`
	Message      *Message    `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"message,omitempty"`
	UserID       string      `gorm:"type:varchar(36);not null;uniqueIndex:idx_notification_target,priority:2;index:idx_notification_user_seq,priority:1" json:"user_id"`
	UserDeviceID *string     `gorm:"type:varchar(36);index" json:"user_device_id,omitempty"`
	UserDevice   *UserDevice `gorm:"foreignKey:UserDeviceID;constraint:OnDelete:SET NULL" json:"-"`
	DeviceKey    string      `gorm:"type:varchar(36);not null;uniqueIndex:idx_notification_target,priority:3" json:"-"`

	DeliveryState DeliveryState `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"delivery_state"`
	Transport     Transport     `gorm:"type:varchar(16);not null;default:'LOCAL'" json:"transport"`
	Attempts      int           `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time    `gorm:"index" json:"next_attempt_at,omitempty"`
	LastError     string        `gorm:"type:text" json:"last_error,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ReceivedAt   *time.Time `json:"received_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`

	Sequence int64 `gorm:"not null;index:idx_notification_user_seq,priority:2" json:"sequence"`
}

func (n *Notification) BeforeSave(tx *gorm.DB) error {
	if n.UserDeviceID != nil && *n.UserDeviceID != "" {
		n.DeviceKey = *n.UserDeviceID
	} else if n.DeviceKey == "" {
		n.DeviceKey = InboxDeviceKey
	}
	return nil
}
