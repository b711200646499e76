package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/realtime"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

// NotificationDTO is a notification with the message it delivers.
type NotificationDTO struct {
	ID            string               `json:"id"`
	MessageID     string               `json:"message_id"`
	BucketID      string               `json:"bucket_id"`
	UserID        string               `json:"user_id"`
	UserDeviceID  *string              `json:"user_device_id,omitempty"`
	Title         string               `json:"title"`
	Subtitle      string               `json:"subtitle,omitempty"`
	Body          string               `json:"body"`
	DeliveryType  models.DeliveryType  `json:"delivery_type"`
	DeliveryState models.DeliveryState `json:"delivery_state"`
	Transport     models.Transport     `json:"transport"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	Sequence      int64                `json:"sequence"`
	CreatedAt     time.Time            `json:"created_at"`
	DispatchedAt  *time.Time           `json:"dispatched_at,omitempty"`
	ReceivedAt    *time.Time           `json:"received_at,omitempty"`
	ReadAt        *time.Time           `json:"read_at,omitempty"`
}

// ListNotificationsInput filters a user's notifications.
type ListNotificationsInput struct {
	UserID        string
	BucketID      string
	UnreadOnly    bool
	SinceSequence int64
	Limit         int
}

// NotificationService serves a user's delivery records and their
// acknowledgements.
type NotificationService struct {
	db     *gorm.DB
	events EventPublisher
	now    func() time.Time
}

func NewNotificationService(db *gorm.DB, events EventPublisher) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db, events: events, now: time.Now}, nil
}

// List returns the user's notifications in sequence order.
func (s *NotificationService) List(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := s.db.WithContext(ctx).
		Joins("Message").
		Where("notifications.user_id = ?", userID)
	if bucketID := strings.TrimSpace(input.BucketID); bucketID != "" {
		query = query.Where("notifications.message_id IN (?)",
			s.db.Model(&models.Message{}).Select("id").Where("bucket_id = ?", bucketID))
	}
	if input.UnreadOnly {
		query = query.Where("notifications.read_at IS NULL")
	}
	if input.SinceSequence > 0 {
		query = query.Where("notifications.sequence > ?", input.SinceSequence)
	}

	var rows []models.Notification
	if err := query.
		Order("notifications.sequence ASC, notifications.created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}
	return mapNotificationRows(rows), nil
}

// ListForBucket returns every notification of a bucket's messages for the
// user.
func (s *NotificationService) ListForBucket(ctx context.Context, userID, bucketID string) ([]NotificationDTO, error) {
	return s.List(ctx, ListNotificationsInput{UserID: userID, BucketID: bucketID, Limit: 500})
}

// MarkReceived acknowledges delivery to the device.
func (s *NotificationService) MarkReceived(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	now := s.now().UTC()
	return s.acknowledge(ctx, userID, notificationID, map[string]any{
		"delivery_state": models.StateAcknowledged,
		"received_at":    gorm.Expr("COALESCE(received_at, ?)", now),
	})
}

// MarkRead acknowledges that the user read the notification. Reading implies
// receipt, so received_at is stamped when still empty.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	now := s.now().UTC()
	return s.acknowledge(ctx, userID, notificationID, map[string]any{
		"delivery_state":  models.StateAcknowledged,
		"received_at":     gorm.Expr("COALESCE(received_at, ?)", now),
		"read_at":         gorm.Expr("COALESCE(read_at, ?)", now),
		"next_attempt_at": nil,
	})
}

func (s *NotificationService) acknowledge(ctx context.Context, userID, notificationID string, updates map[string]any) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("notification service: acknowledge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NewNotFound("notification")
	}

	dto, err := s.get(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.events, realtime.Publication{
		Type:     realtime.NotificationUpdated,
		BucketID: dto.BucketID,
		Data:     dto,
		UserIDs:  []string{userID},
	})
	return dto, nil
}

// MarkAllRead reads every unread notification of the user, optionally
// limited to one bucket. It returns how many rows changed.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID, bucketID string) (int64, error) {
	ctx = ensureContext(ctx)
	now := s.now().UTC()
	query := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID)
	if bucketID = strings.TrimSpace(bucketID); bucketID != "" {
		query = query.Where("message_id IN (?)",
			s.db.Model(&models.Message{}).Select("id").Where("bucket_id = ?", bucketID))
	}
	res := query.Updates(map[string]any{
		"delivery_state":  models.StateAcknowledged,
		"received_at":     gorm.Expr("COALESCE(received_at, ?)", now),
		"read_at":         now,
		"next_attempt_at": nil,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("notification service: mark all read: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		publish(ctx, s.events, realtime.Publication{
			Type:    realtime.NotificationUpdated,
			Data:    map[string]any{"read_all": true, "bucket_id": bucketID, "read_at": now},
			UserIDs: []string{userID},
		})
	}
	return res.RowsAffected, nil
}

// Delete removes one of the user's notifications.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	ctx = ensureContext(ctx)
	dto, err := s.get(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if res.Error != nil {
		return fmt.Errorf("notification service: delete notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("notification")
	}

	publish(ctx, s.events, realtime.Publication{
		Type:     realtime.NotificationDeleted,
		BucketID: dto.BucketID,
		Data:     map[string]string{"id": notificationID, "message_id": dto.MessageID},
		UserIDs:  []string{userID},
	})
	return nil
}

func (s *NotificationService) get(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	var row models.Notification
	err := s.db.WithContext(ctx).
		Joins("Message").
		Where("notifications.id = ? AND notifications.user_id = ?", notificationID, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("notification")
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}
	dto := mapNotification(row)
	return &dto, nil
}

func mapNotificationRows(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items
}

func mapNotification(row models.Notification) NotificationDTO {
	dto := NotificationDTO{
		ID:            row.ID,
		MessageID:     row.MessageID,
		UserID:        row.UserID,
		UserDeviceID:  row.UserDeviceID,
		DeliveryState: row.DeliveryState,
		Transport:     row.Transport,
		Attempts:      row.Attempts,
		LastError:     row.LastError,
		Sequence:      row.Sequence,
		CreatedAt:     row.CreatedAt,
		DispatchedAt:  row.DispatchedAt,
		ReceivedAt:    row.ReceivedAt,
		ReadAt:        row.ReadAt,
	}
	if msg := row.Message; msg != nil {
		dto.BucketID = msg.BucketID
		dto.Title = msg.Title
		dto.Subtitle = msg.Subtitle
		dto.Body = msg.Body
		dto.DeliveryType = msg.DeliveryType
	}
	return dto
}
