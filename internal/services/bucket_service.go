package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/realtime"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

const magicCodeBytes = 18

// CreateBucketInput describes a new bucket.
type CreateBucketInput struct {
	Name                   string
	Description            string
	IconURL                string
	Preset                 string
	Visibility             string
	ExternalNotifySystemID *string
	ExternalSystemChannel  string
	Templates              map[string]models.MessageTemplate
	WithMagicCode          bool
}

// UpdateBucketInput lists mutable bucket fields; nil leaves a field as is.
type UpdateBucketInput struct {
	Name                   *string
	Description            *string
	IconURL                *string
	Preset                 *string
	Visibility             *string
	ExternalNotifySystemID *string
	ExternalSystemChannel  *string
	Templates              map[string]models.MessageTemplate
	RotateMagicCode        bool
	ClearMagicCode         bool
}

// BucketView is a bucket as seen by one actor.
type BucketView struct {
	models.Bucket
	Permissions []string `json:"permissions"`
	MagicCode   string   `json:"magic_code,omitempty"`
}

// BucketService manages buckets. Every operation is checked against the
// actor's effective permissions.
type BucketService struct {
	db       *gorm.DB
	resolver *AccessResolver
	events   EventPublisher
}

func NewBucketService(db *gorm.DB, resolver *AccessResolver, events EventPublisher) (*BucketService, error) {
	if db == nil || resolver == nil {
		return nil, errors.New("bucket service: db and resolver are required")
	}
	return &BucketService{db: db, resolver: resolver, events: events}, nil
}

// Create makes actor the owner of a new bucket. Public and admin buckets
// reach every user or every admin, so only platform admins create them.
func (s *BucketService) Create(ctx context.Context, actor permissions.Actor, input CreateBucketInput) (*BucketView, error) {
	ctx = ensureContext(ctx)
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("name is required")
	}
	visibility, err := parseVisibility(input.Visibility)
	if err != nil {
		return nil, err
	}
	if visibility != models.VisibilityPrivate && !actor.IsAdmin {
		return nil, apperrors.ErrForbidden.WithMessage("Only administrators can create public or admin buckets")
	}

	bucket := &models.Bucket{
		OwnerID:               actor.UserID,
		Name:                  name,
		Description:           strings.TrimSpace(input.Description),
		IconURL:               strings.TrimSpace(input.IconURL),
		Preset:                strings.TrimSpace(input.Preset),
		Visibility:            visibility,
		ExternalSystemChannel: strings.TrimSpace(input.ExternalSystemChannel),
		Templates:             datatypes.NewJSONType(input.Templates),
	}
	if input.ExternalNotifySystemID != nil && *input.ExternalNotifySystemID != "" {
		if err := s.checkExternalSystem(ctx, actor.UserID, *input.ExternalNotifySystemID); err != nil {
			return nil, err
		}
		bucket.ExternalNotifySystemID = input.ExternalNotifySystemID
	}
	if input.WithMagicCode {
		code, err := crypto.GenerateToken(magicCodeBytes)
		if err != nil {
			return nil, fmt.Errorf("bucket service: magic code: %w", err)
		}
		bucket.MagicCode = &code
	}

	if err := s.db.WithContext(ctx).Create(bucket).Error; err != nil {
		return nil, fmt.Errorf("bucket service: create: %w", err)
	}

	publish(ctx, s.events, realtime.Publication{Type: realtime.BucketCreated, BucketID: bucket.ID, Data: bucket})
	return s.view(bucket, permissions.NewSet(permissions.Read, permissions.Write, permissions.Delete, permissions.Admin)), nil
}

// Get returns the bucket if actor may read it.
func (s *BucketService) Get(ctx context.Context, actor permissions.Actor, bucketID string) (*BucketView, error) {
	bucket, set, err := s.authorize(ctx, actor, bucketID, permissions.Read)
	if err != nil {
		return nil, err
	}
	return s.view(bucket, set), nil
}

// List returns every bucket actor can read.
func (s *BucketService) List(ctx context.Context, actor permissions.Actor) ([]BucketView, error) {
	ctx = ensureContext(ctx)
	query := s.db.WithContext(ctx).Model(&models.Bucket{})
	if !actor.IsAdmin {
		shared := s.db.Model(&models.EntityPermission{}).
			Select("resource_id").
			Where("resource_type = ? AND grantee_user_id = ?", models.ResourceBucket, actor.UserID)
		query = query.Where("owner_id = ? OR visibility = ? OR id IN (?)", actor.UserID, models.VisibilityPublic, shared)
	}

	var buckets []models.Bucket
	if err := query.Order("created_at ASC").Find(&buckets).Error; err != nil {
		return nil, fmt.Errorf("bucket service: list: %w", err)
	}

	views := make([]BucketView, 0, len(buckets))
	for i := range buckets {
		set, err := s.resolver.Effective(ctx, &buckets[i], actor)
		if err != nil {
			return nil, err
		}
		if !set.Has(permissions.Read) {
			continue
		}
		views = append(views, *s.view(&buckets[i], set))
	}
	return views, nil
}

// Update changes bucket fields. Requires ADMIN on the bucket.
func (s *BucketService) Update(ctx context.Context, actor permissions.Actor, bucketID string, input UpdateBucketInput) (*BucketView, error) {
	ctx = ensureContext(ctx)
	bucket, set, err := s.authorize(ctx, actor, bucketID, permissions.Read)
	if err != nil {
		return nil, err
	}
	if ok, err := s.resolver.CanManage(ctx, bucket, actor); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperrors.ErrForbidden
	}

	updates := map[string]any{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, apperrors.NewBadRequest("name cannot be empty")
		}
		updates["name"] = name
	}
	if input.Description != nil {
		updates["description"] = strings.TrimSpace(*input.Description)
	}
	if input.IconURL != nil {
		updates["icon_url"] = strings.TrimSpace(*input.IconURL)
	}
	if input.Preset != nil {
		updates["preset"] = strings.TrimSpace(*input.Preset)
	}
	if input.Visibility != nil {
		visibility, err := parseVisibility(*input.Visibility)
		if err != nil {
			return nil, err
		}
		if visibility != bucket.Visibility && visibility != models.VisibilityPrivate && !actor.IsAdmin {
			return nil, apperrors.ErrForbidden.WithMessage("Only administrators can make a bucket public or admin")
		}
		updates["visibility"] = visibility
	}
	if input.ExternalNotifySystemID != nil {
		if id := strings.TrimSpace(*input.ExternalNotifySystemID); id == "" {
			updates["external_notify_system_id"] = nil
		} else {
			if err := s.checkExternalSystem(ctx, bucket.OwnerID, id); err != nil {
				return nil, err
			}
			updates["external_notify_system_id"] = id
		}
	}
	if input.ExternalSystemChannel != nil {
		updates["external_system_channel"] = strings.TrimSpace(*input.ExternalSystemChannel)
	}
	if input.Templates != nil {
		updates["templates"] = datatypes.NewJSONType(input.Templates)
	}
	switch {
	case input.ClearMagicCode:
		updates["magic_code"] = nil
	case input.RotateMagicCode:
		code, err := crypto.GenerateToken(magicCodeBytes)
		if err != nil {
			return nil, fmt.Errorf("bucket service: magic code: %w", err)
		}
		updates["magic_code"] = code
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(bucket).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("bucket service: update: %w", err)
		}
	}
	updated, err := s.resolver.Bucket(ctx, bucket.ID)
	if err != nil {
		return nil, err
	}

	publish(ctx, s.events, realtime.Publication{Type: realtime.BucketUpdated, BucketID: updated.ID, Data: updated})
	return s.view(updated, set), nil
}

// Delete removes the bucket with its messages, notifications and grants.
// Requires ADMIN on the bucket.
func (s *BucketService) Delete(ctx context.Context, actor permissions.Actor, bucketID string) error {
	ctx = ensureContext(ctx)
	bucket, _, err := s.authorize(ctx, actor, bucketID, permissions.Read)
	if err != nil {
		return err
	}
	if ok, err := s.resolver.CanDelete(ctx, bucket, actor); err != nil {
		return err
	} else if !ok {
		return apperrors.ErrForbidden
	}

	// The audience has to be captured before the grants disappear.
	audience, err := s.resolver.recipientsFor(ctx, bucket)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&models.Message{}).Select("id").Where("bucket_id = ?", bucket.ID)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&models.Notification{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bucket_id = ?", bucket.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("resource_type = ? AND resource_id = ?", models.ResourceBucket, bucket.ID).
			Delete(&models.EntityPermission{}).Error; err != nil {
			return err
		}
		return tx.Delete(bucket).Error
	})
	if err != nil {
		return fmt.Errorf("bucket service: delete: %w", err)
	}

	publish(ctx, s.events, realtime.Publication{
		Type:     realtime.BucketDeleted,
		BucketID: bucket.ID,
		Data:     map[string]string{"id": bucket.ID},
		UserIDs:  audience.UserIDs,
	})
	return nil
}

// ByMagicCode resolves a magic code to its bucket.
func (s *BucketService) ByMagicCode(ctx context.Context, code string) (*models.Bucket, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.NewNotFound("bucket")
	}
	var bucket models.Bucket
	err := s.db.WithContext(ensureContext(ctx)).Take(&bucket, "magic_code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("bucket")
		}
		return nil, fmt.Errorf("bucket service: magic code lookup: %w", err)
	}
	return &bucket, nil
}

// authorize loads the bucket and requires level. Actors who cannot even read
// the bucket get a not-found error.
func (s *BucketService) authorize(ctx context.Context, actor permissions.Actor, bucketID string, level permissions.Level) (*models.Bucket, permissions.Set, error) {
	bucket, err := s.resolver.Bucket(ctx, bucketID)
	if err != nil {
		return nil, nil, err
	}
	set, err := s.resolver.Effective(ctx, bucket, actor)
	if err != nil {
		return nil, nil, err
	}
	if !set.Has(permissions.Read) {
		return nil, nil, apperrors.NewNotFound("bucket")
	}
	if !set.Has(level) {
		return nil, nil, apperrors.ErrForbidden
	}
	return bucket, set, nil
}

func (s *BucketService) checkExternalSystem(ctx context.Context, ownerID, systemID string) error {
	var system models.ExternalNotifySystem
	err := s.db.WithContext(ctx).Take(&system, "id = ?", systemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && system.OwnerID != ownerID) {
		return apperrors.NewBadRequest("external notify system not found")
	}
	if err != nil {
		return fmt.Errorf("bucket service: load external system: %w", err)
	}
	return nil
}

func (s *BucketService) view(bucket *models.Bucket, set permissions.Set) *BucketView {
	v := &BucketView{Bucket: *bucket, Permissions: set.Strings()}
	if set.Has(permissions.Admin) && bucket.MagicCode != nil {
		v.MagicCode = *bucket.MagicCode
	}
	return v
}

func parseVisibility(raw string) (models.BucketVisibility, error) {
	switch v := models.BucketVisibility(strings.ToLower(strings.TrimSpace(raw))); v {
	case "":
		return models.VisibilityPrivate, nil
	case models.VisibilityPrivate, models.VisibilityPublic, models.VisibilityAdmin:
		return v, nil
	}
	return "", apperrors.NewBadRequest("visibility must be private, public or admin")
}
