package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"gorm.io/gorm"
)

type DevicePlatform string

const (
	PlatformIOS     DevicePlatform = "IOS"
	PlatformAndroid DevicePlatform = "ANDROID"
	PlatformWeb     DevicePlatform = "WEB"
)

func ParseDevicePlatform(raw string) (DevicePlatform, bool) {
	switch p := DevicePlatform(upper(raw)); p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return p, true
	}
	return "", false
}

// UserDevice is a push target. DeviceToken is unbounded text; uniqueness is
// enforced on (platform, sha256(token)).
type UserDevice struct {
	BaseModel

	UserID      string         `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Platform    DevicePlatform `gorm:"type:varchar(16);not null;uniqueIndex:idx_device_platform_token,priority:1" json:"platform"`
	DeviceToken string         `gorm:"type:text;not null" json:"-"`
	TokenHash   string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_device_platform_token,priority:2" json:"-"`
	DeviceName  string         `gorm:"size:255" json:"device_name,omitempty"`
	DeviceModel string         `gorm:"size:255" json:"device_model,omitempty"`
	AppVersion  string         `gorm:"size:64" json:"app_version,omitempty"`

	// Web push subscription.
	Endpoint string `gorm:"type:text" json:"-"`
	P256dh   string `gorm:"type:text" json:"-"`
	Auth     string `gorm:"type:text" json:"-"`

	SNSEndpointARN string     `gorm:"type:text" json:"-"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (d *UserDevice) BeforeSave(tx *gorm.DB) error {
	if d.DeviceToken == "" && d.Endpoint != "" {
		d.DeviceToken = d.Endpoint
	}
	d.TokenHash = HashDeviceToken(d.DeviceToken)
	return nil
}

func (d *UserDevice) IsMobile() bool {
	return d != nil && (d.Platform == PlatformIOS || d.Platform == PlatformAndroid)
}
