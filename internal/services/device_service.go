package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

// RegisterDeviceInput carries a push registration from a client.
type RegisterDeviceInput struct {
	Platform    string
	DeviceToken string
	Endpoint    string
	P256dh      string
	Auth        string
	DeviceName  string
	DeviceModel string
	AppVersion  string
}

// DeviceService is the device registry.
type DeviceService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDeviceService(db *gorm.DB) (*DeviceService, error) {
	if db == nil {
		return nil, errors.New("device service: db is required")
	}
	return &DeviceService{db: db, now: time.Now}, nil
}

// Register stores a device for userID. A token already registered on the
// same platform moves to userID; tokens are never shared between users.
func (s *DeviceService) Register(ctx context.Context, userID string, input RegisterDeviceInput) (*models.UserDevice, error) {
	ctx = ensureContext(ctx)
	platform, ok := models.ParseDevicePlatform(input.Platform)
	if !ok {
		return nil, apperrors.NewBadRequest("platform must be IOS, ANDROID or WEB")
	}

	device := models.UserDevice{
		UserID:      userID,
		Platform:    platform,
		DeviceToken: strings.TrimSpace(input.DeviceToken),
		DeviceName:  strings.TrimSpace(input.DeviceName),
		DeviceModel: strings.TrimSpace(input.DeviceModel),
		AppVersion:  strings.TrimSpace(input.AppVersion),
	}
	if platform == models.PlatformWeb {
		device.Endpoint = strings.TrimSpace(input.Endpoint)
		device.P256dh = strings.TrimSpace(input.P256dh)
		device.Auth = strings.TrimSpace(input.Auth)
		if device.Endpoint == "" || device.P256dh == "" || device.Auth == "" {
			return nil, apperrors.NewBadRequest("web devices require endpoint, p256dh and auth")
		}
		device.DeviceToken = device.Endpoint
	}
	if device.DeviceToken == "" {
		return nil, apperrors.NewBadRequest("device_token is required")
	}
	now := s.now().UTC()
	device.LastUsedAt = &now

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.byToken(ctx, platform, device.DeviceToken)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.refresh(ctx, existing, &device)
		}
		err = s.db.WithContext(ctx).Create(&device).Error
		if err == nil {
			return &device, nil
		}
		if !isUniqueConstraintError(err) {
			return nil, fmt.Errorf("device service: create: %w", err)
		}
		// Lost a race with a concurrent registration of the same token.
		device.ID = ""
	}
	return nil, apperrors.ErrConflict.WithMessage("device registration conflict")
}

func (s *DeviceService) refresh(ctx context.Context, existing, incoming *models.UserDevice) (*models.UserDevice, error) {
	updates := map[string]any{
		"user_id":      incoming.UserID,
		"device_token": incoming.DeviceToken,
		"device_name":  incoming.DeviceName,
		"device_model": incoming.DeviceModel,
		"app_version":  incoming.AppVersion,
		"endpoint":     incoming.Endpoint,
		"p256dh":       incoming.P256dh,
		"auth":         incoming.Auth,
		"last_used_at": incoming.LastUsedAt,
	}
	if existing.UserID != incoming.UserID {
		// A new owner gets a fresh platform endpoint.
		updates["sns_endpoint_arn"] = ""
	}
	if err := s.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("device service: update: %w", err)
	}
	return s.Get(ctx, existing.ID)
}

func (s *DeviceService) byToken(ctx context.Context, platform models.DevicePlatform, token string) (*models.UserDevice, error) {
	var device models.UserDevice
	err := s.db.WithContext(ctx).
		Where("platform = ? AND token_hash = ?", platform, models.HashDeviceToken(token)).
		Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device service: lookup token: %w", err)
	}
	return &device, nil
}

// Get loads a device by id without an owner check.
func (s *DeviceService) Get(ctx context.Context, deviceID string) (*models.UserDevice, error) {
	var device models.UserDevice
	if err := s.db.WithContext(ensureContext(ctx)).Take(&device, "id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("device")
		}
		return nil, fmt.Errorf("device service: get: %w", err)
	}
	return &device, nil
}

// ListForUser returns the user's devices, oldest first.
func (s *DeviceService) ListForUser(ctx context.Context, userID string) ([]models.UserDevice, error) {
	var devices []models.UserDevice
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device service: list: %w", err)
	}
	return devices, nil
}

// ListForUsers returns the devices of every user in userIDs, ordered by
// user then registration time.
func (s *DeviceService) ListForUsers(ctx context.Context, userIDs []string) ([]models.UserDevice, error) {
	ids := normaliseIDs(userIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var devices []models.UserDevice
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("user_id IN ?", ids).
		Order("user_id ASC, created_at ASC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device service: list for users: %w", err)
	}
	return devices, nil
}

// Unregister deletes one of userID's devices. Notification rows keep their
// history with the device reference cleared.
func (s *DeviceService) Unregister(ctx context.Context, userID, deviceID string) error {
	ctx = ensureContext(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device models.UserDevice
		if err := tx.Take(&device, "id = ? AND user_id = ?", deviceID, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewNotFound("device")
			}
			return fmt.Errorf("device service: load: %w", err)
		}
		if err := tx.Model(&models.Notification{}).
			Where("user_device_id = ?", device.ID).
			Update("user_device_id", nil).Error; err != nil {
			return fmt.Errorf("device service: detach notifications: %w", err)
		}
		return tx.Delete(&device).Error
	})
}
