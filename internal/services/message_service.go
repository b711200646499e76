package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/database"
	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/internal/transform"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

const defaultMessagePage = 50

// ExternalPublisher mirrors a message into the bucket's external notify
// system.
type ExternalPublisher interface {
	Publish(ctx context.Context, bucket *models.Bucket, msg *models.Message) (map[string]any, error)
}

// CreateMessageInput is a message as posted by a sender.
type CreateMessageInput struct {
	BucketID        string
	Title           string
	Subtitle        string
	Body            string
	DeliveryType    string
	Ephemeral       bool
	ExecutionID     string
	ScheduledSendAt *time.Time
}

// MagicMessageInput is a raw payload posted with a bucket magic code.
type MagicMessageInput struct {
	Code     string
	Template string
	Parser   string
	Body     []byte
}

// CreateMessageResult is the persisted message and what fan-out did.
type CreateMessageResult struct {
	Message *models.Message       `json:"message"`
	Fanout  delivery.FanoutResult `json:"fanout"`
}

// ListMessagesInput filters a bucket's messages.
type ListMessagesInput struct {
	BucketID       string
	BeforeSequence int64
	Limit          int
}

// MessageService accepts messages and drives their delivery.
type MessageService struct {
	db       *gorm.DB
	resolver *AccessResolver
	devices  *DeviceService
	router   *delivery.Router
	external ExternalPublisher
	events   EventPublisher
	now      func() time.Time
	log      *zap.Logger
}

func NewMessageService(db *gorm.DB, resolver *AccessResolver, devices *DeviceService, router *delivery.Router, external ExternalPublisher, events EventPublisher) (*MessageService, error) {
	if db == nil || resolver == nil || devices == nil || router == nil {
		return nil, errors.New("message service: db, resolver, devices and router are required")
	}
	return &MessageService{
		db:       db,
		resolver: resolver,
		devices:  devices,
		router:   router,
		external: external,
		events:   events,
		now:      time.Now,
		log:      logger.WithModule("delivery"),
	}, nil
}

// Create checks write eligibility, persists the message with the next
// sequence and fans it out when due. A rejected write has no side effects.
func (s *MessageService) Create(ctx context.Context, actor permissions.Actor, input CreateMessageInput) (*CreateMessageResult, error) {
	ctx = ensureContext(ctx)
	bucket, err := s.resolver.Bucket(ctx, strings.TrimSpace(input.BucketID))
	if err != nil {
		return nil, err
	}
	ok, err := s.resolver.CanWrite(ctx, bucket, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrBucketWriteDenied
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.NewBadRequest("title is required")
	}
	deliveryType, ok := models.ParseDeliveryType(input.DeliveryType)
	if !ok {
		return nil, apperrors.NewBadRequest("delivery_type must be SILENT, NORMAL, CRITICAL or NO_PUSH")
	}

	msg := &models.Message{
		BucketID:     bucket.ID,
		SenderID:     actor.UserID,
		Title:        title,
		Subtitle:     strings.TrimSpace(input.Subtitle),
		Body:         input.Body,
		DeliveryType: deliveryType,
		Ephemeral:    input.Ephemeral,
		ExecutionID:  strings.TrimSpace(input.ExecutionID),
	}
	if input.ScheduledSendAt != nil {
		at := input.ScheduledSendAt.UTC()
		msg.ScheduledSendAt = &at
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := database.NextSequence(tx, database.MessageSequence)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("message service: create: %w", err)
	}
	metrics.MessagesCreated.WithLabelValues(string(deliveryType)).Inc()

	result := &CreateMessageResult{Message: msg}
	if msg.Due(s.now()) {
		fanout, err := s.deliver(ctx, bucket, msg)
		if err != nil {
			// The write already succeeded; per-device state lives on the rows.
			s.log.Error("fan-out failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		result.Fanout = fanout
	}

	publish(ctx, s.events, realtime.Publication{Type: realtime.MessageCreated, BucketID: bucket.ID, Data: msg})
	return result, nil
}

// CreateFromMagic posts a message on behalf of the bucket owner, shaping
// the raw payload with a bucket template or a builtin parser.
func (s *MessageService) CreateFromMagic(ctx context.Context, input MagicMessageInput) (*CreateMessageResult, error) {
	ctx = ensureContext(ctx)
	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, apperrors.NewNotFound("bucket")
	}
	var bucket models.Bucket
	if err := s.db.WithContext(ctx).Take(&bucket, "magic_code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("bucket")
		}
		return nil, fmt.Errorf("message service: magic code lookup: %w", err)
	}

	source, err := transform.Resolve(&bucket, input.Template, input.Parser)
	if err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}
	out, err := source.Apply(input.Body)
	if err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}

	owner, err := s.resolver.Actor(ctx, bucket.OwnerID)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, owner, CreateMessageInput{
		BucketID:     bucket.ID,
		Title:        out.Title,
		Subtitle:     out.Subtitle,
		Body:         out.Body,
		DeliveryType: string(out.DeliveryType),
	})
}

// Release fans out a scheduled message that became due.
func (s *MessageService) Release(ctx context.Context, msg *models.Message) error {
	bucket, err := s.resolver.Bucket(ctx, msg.BucketID)
	if err != nil {
		return err
	}
	_, err = s.deliver(ctx, bucket, msg)
	return err
}

// deliver resolves the audience at call time, fans out to devices and
// mirrors the message to the bucket's external system concurrently.
func (s *MessageService) deliver(ctx context.Context, bucket *models.Bucket, msg *models.Message) (delivery.FanoutResult, error) {
	recipients, err := s.resolver.recipientsFor(ctx, bucket)
	if err != nil {
		return delivery.FanoutResult{}, err
	}
	devices, err := s.devices.ListForUsers(ctx, recipients.UserIDs)
	if err != nil {
		return delivery.FanoutResult{}, err
	}

	// Fan-out runs to completion once started; rows it could not create are
	// picked up by the sweeper because fanned_out_at stays unset.
	runCtx := context.WithoutCancel(ctx)
	var (
		fanout  delivery.FanoutResult
		summary map[string]any
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		var err error
		fanout, err = s.router.Fanout(gctx, msg, recipients.UserIDs, devices)
		return err
	})
	if s.external != nil && bucket.ExternalNotifySystemID != nil && !externalRecorded(msg) {
		g.Go(func() error {
			summary = s.publishExternal(context.WithoutCancel(gctx), bucket, msg)
			return nil
		})
	}
	err = g.Wait()

	if summary != nil {
		merged, merr := delivery.MergeResponse(runCtx, s.db, msg.ID, externalResponseKey, "", summary)
		if merr != nil {
			s.log.Warn("external response not stored", zap.String("message_id", msg.ID), zap.Error(merr))
		} else {
			msg.ExternalSystemResponse = merged
		}
	}
	return fanout, err
}

const externalResponseKey = "external"

// externalRecorded reports whether an earlier release already mirrored msg.
func externalRecorded(msg *models.Message) bool {
	_, ok := msg.ExternalSystemResponse[externalResponseKey]
	return ok
}

func (s *MessageService) publishExternal(ctx context.Context, bucket *models.Bucket, msg *models.Message) map[string]any {
	withSystem := *bucket
	var system models.ExternalNotifySystem
	if err := s.db.WithContext(ctx).Take(&system, "id = ?", *bucket.ExternalNotifySystemID).Error; err != nil {
		return map[string]any{"success": false, "error": "external notify system not found"}
	}
	withSystem.ExternalNotifySystem = &system

	summary, err := s.external.Publish(ctx, &withSystem, msg)
	if summary == nil {
		summary = map[string]any{}
	}
	if err != nil {
		summary["success"] = false
		summary["error"] = err.Error()
		s.log.Warn("external publish failed",
			zap.String("message_id", msg.ID),
			zap.String("system", string(system.Type)),
			zap.Error(err))
	}
	return summary
}

// List returns a bucket's messages, newest first.
func (s *MessageService) List(ctx context.Context, actor permissions.Actor, input ListMessagesInput) ([]models.Message, error) {
	ctx = ensureContext(ctx)
	bucket, err := s.resolver.Bucket(ctx, input.BucketID)
	if err != nil {
		return nil, err
	}
	set, err := s.resolver.Effective(ctx, bucket, actor)
	if err != nil {
		return nil, err
	}
	if !set.Has(permissions.Read) {
		return nil, apperrors.NewNotFound("bucket")
	}

	limit := input.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultMessagePage
	}
	query := s.db.WithContext(ctx).Where("bucket_id = ?", bucket.ID)
	if input.BeforeSequence > 0 {
		query = query.Where("sequence < ?", input.BeforeSequence)
	}
	var messages []models.Message
	if err := query.Order("sequence DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("message service: list: %w", err)
	}
	return messages, nil
}

// Delete removes a message and its notifications. Requires DELETE on the
// bucket; senders may always delete their own messages.
func (s *MessageService) Delete(ctx context.Context, actor permissions.Actor, messageID string) error {
	ctx = ensureContext(ctx)
	var msg models.Message
	if err := s.db.WithContext(ctx).Take(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewNotFound("message")
		}
		return fmt.Errorf("message service: load: %w", err)
	}
	bucket, err := s.resolver.Bucket(ctx, msg.BucketID)
	if err != nil {
		return err
	}
	set, err := s.resolver.Effective(ctx, bucket, actor)
	if err != nil {
		return err
	}
	if !set.Has(permissions.Read) {
		return apperrors.NewNotFound("message")
	}
	if !set.Has(permissions.Delete) && msg.SenderID != actor.UserID {
		return apperrors.ErrForbidden
	}

	notifications, err := s.deleteMessages(ctx, []models.Message{msg})
	if err != nil {
		return err
	}
	s.publishDeleted(ctx, &msg, notifications)
	return nil
}

// CleanupEphemeral deletes fanned-out ephemeral messages whose every
// notification has been read.
func (s *MessageService) CleanupEphemeral(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	unread := s.db.Model(&models.Notification{}).
		Select("1").
		Where("notifications.message_id = messages.id AND notifications.read_at IS NULL")
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("ephemeral = ? AND fanned_out_at IS NOT NULL AND NOT EXISTS (?)", true, unread).
		Find(&messages).Error; err != nil {
		return 0, fmt.Errorf("message service: load ephemeral: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}
	notifications, err := s.deleteMessages(ctx, messages)
	if err != nil {
		return 0, err
	}
	byMessage := map[string][]models.Notification{}
	for _, n := range notifications {
		byMessage[n.MessageID] = append(byMessage[n.MessageID], n)
	}
	for i := range messages {
		s.publishDeleted(ctx, &messages[i], byMessage[messages[i].ID])
	}
	return int64(len(messages)), nil
}

func (s *MessageService) deleteMessages(ctx context.Context, messages []models.Message) ([]models.Notification, error) {
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	var notifications []models.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id", "message_id", "user_id").Where("message_id IN ?", ids).Find(&notifications).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&models.Notification{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Message{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("message service: delete: %w", err)
	}
	return notifications, nil
}

func (s *MessageService) publishDeleted(ctx context.Context, msg *models.Message, notifications []models.Notification) {
	publish(ctx, s.events, realtime.Publication{
		Type:     realtime.MessageDeleted,
		BucketID: msg.BucketID,
		Data:     map[string]string{"id": msg.ID, "bucket_id": msg.BucketID},
	})
	for _, n := range notifications {
		publish(ctx, s.events, realtime.Publication{
			Type:     realtime.NotificationDeleted,
			BucketID: msg.BucketID,
			Data:     map[string]string{"id": n.ID, "message_id": msg.ID},
			UserIDs:  []string{n.UserID},
		})
	}
}
