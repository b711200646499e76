package services

import (
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/delivery"
)

// Services bundles the domain services shared by the HTTP layer and the
// background jobs.
type Services struct {
	Resolver      *AccessResolver
	Buckets       *BucketService
	Shares        *ShareService
	Devices       *DeviceService
	Messages      *MessageService
	Notifications *NotificationService
	AccessTokens  *AccessTokenService
}

// New wires every service over db. external may be nil when no bucket uses
// an external notify system.
func New(db *gorm.DB, resolver *AccessResolver, router *delivery.Router, external ExternalPublisher, events EventPublisher) (*Services, error) {
	var (
		s   = &Services{Resolver: resolver}
		err error
	)
	if s.Buckets, err = NewBucketService(db, resolver, events); err != nil {
		return nil, err
	}
	if s.Shares, err = NewShareService(db, resolver, events); err != nil {
		return nil, err
	}
	if s.Devices, err = NewDeviceService(db); err != nil {
		return nil, err
	}
	if s.Messages, err = NewMessageService(db, resolver, s.Devices, router, external, events); err != nil {
		return nil, err
	}
	if s.Notifications, err = NewNotificationService(db, events); err != nil {
		return nil, err
	}
	if s.AccessTokens, err = NewAccessTokenService(db); err != nil {
		return nil, err
	}
	return s, nil
}
