package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/realtime"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

// ShareDTO is one grantee's literal grant set on a bucket.
type ShareDTO struct {
	BucketID    string     `json:"bucket_id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username,omitempty"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// GrantInput describes a new grant.
type GrantInput struct {
	UserID      string
	Permissions []string
	ExpiresAt   *time.Time
}

// ShareService manages bucket grants. Each grant is stored as its own row;
// a grantee's effective set is the union of their rows.
type ShareService struct {
	db       *gorm.DB
	resolver *AccessResolver
	events   EventPublisher
}

func NewShareService(db *gorm.DB, resolver *AccessResolver, events EventPublisher) (*ShareService, error) {
	if db == nil || resolver == nil {
		return nil, errors.New("share service: db and resolver are required")
	}
	return &ShareService{db: db, resolver: resolver, events: events}, nil
}

// Grant adds a grant row for input.UserID. Requires ADMIN on the bucket.
func (s *ShareService) Grant(ctx context.Context, actor permissions.Actor, bucketID string, input GrantInput) (*ShareDTO, error) {
	ctx = ensureContext(ctx)
	bucket, err := s.manageable(ctx, actor, bucketID)
	if err != nil {
		return nil, err
	}

	granteeID := strings.TrimSpace(input.UserID)
	if granteeID == "" {
		return nil, apperrors.NewBadRequest("user_id is required")
	}
	if granteeID == bucket.OwnerID {
		return nil, apperrors.NewBadRequest("the owner already holds every permission")
	}
	var grantee models.User
	if err := s.db.WithContext(ctx).Select("id", "username").Take(&grantee, "id = ?", granteeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewBadRequest("user not found")
		}
		return nil, fmt.Errorf("share service: load grantee: %w", err)
	}

	levels, err := parseLevels(input.Permissions)
	if err != nil {
		return nil, err
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(s.resolver.now()) {
		return nil, apperrors.NewBadRequest("expiration must be in the future")
	}

	grantedBy := actor.UserID
	record := models.EntityPermission{
		ResourceType:  models.ResourceBucket,
		ResourceID:    bucket.ID,
		GranteeUserID: granteeID,
		Permissions:   datatypes.JSONSlice[string](levels),
		GrantedByID:   &grantedBy,
		ExpiresAt:     input.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("share service: create grant: %w", err)
	}

	shares, err := s.list(ctx, bucket)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.events, realtime.Publication{Type: realtime.BucketUpdated, BucketID: bucket.ID, Data: bucket})
	for i := range shares {
		if shares[i].UserID == granteeID {
			shares[i].Username = grantee.Username
			return &shares[i], nil
		}
	}
	return &ShareDTO{BucketID: bucket.ID, UserID: granteeID, Username: grantee.Username, Permissions: levels}, nil
}

// Revoke removes every grant row of userID on the bucket.
func (s *ShareService) Revoke(ctx context.Context, actor permissions.Actor, bucketID, userID string) error {
	ctx = ensureContext(ctx)
	bucket, err := s.manageable(ctx, actor, bucketID)
	if err != nil {
		return err
	}

	// Captured first so the revoked user sees the update too.
	audience, err := s.resolver.recipientsFor(ctx, bucket)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND grantee_user_id = ?", models.ResourceBucket, bucket.ID, strings.TrimSpace(userID)).
		Delete(&models.EntityPermission{})
	if res.Error != nil {
		return fmt.Errorf("share service: revoke: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("share")
	}

	publish(ctx, s.events, realtime.Publication{
		Type:     realtime.BucketUpdated,
		BucketID: bucket.ID,
		Data:     bucket,
		UserIDs:  audience.UserIDs,
	})
	return nil
}

// List returns the literal grant set of every grantee. Any reader may list.
func (s *ShareService) List(ctx context.Context, actor permissions.Actor, bucketID string) ([]ShareDTO, error) {
	ctx = ensureContext(ctx)
	bucket, err := s.resolver.Bucket(ctx, bucketID)
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
	return s.list(ctx, bucket)
}

func (s *ShareService) list(ctx context.Context, bucket *models.Bucket) ([]ShareDTO, error) {
	grants, err := s.resolver.Grants(ctx, bucket.ID)
	if err != nil {
		return nil, err
	}
	now := s.resolver.now()

	byUser := map[string]*ShareDTO{}
	var order []string
	for _, g := range grants {
		dto, ok := byUser[g.GranteeUserID]
		if !ok {
			dto = &ShareDTO{BucketID: bucket.ID, UserID: g.GranteeUserID}
			byUser[g.GranteeUserID] = dto
			order = append(order, g.GranteeUserID)
		}
		if g.ExpiresAt != nil && (dto.ExpiresAt == nil || g.ExpiresAt.After(*dto.ExpiresAt)) {
			dto.ExpiresAt = g.ExpiresAt
		}
	}
	if len(order) == 0 {
		return []ShareDTO{}, nil
	}

	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", order).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("share service: load grantees: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	sort.Strings(order)
	out := make([]ShareDTO, 0, len(order))
	for _, id := range order {
		dto := byUser[id]
		dto.Username = names[id]
		dto.Permissions = permissions.Granted(id, bucket, grants, now).Strings()
		out = append(out, *dto)
	}
	return out, nil
}

func (s *ShareService) manageable(ctx context.Context, actor permissions.Actor, bucketID string) (*models.Bucket, error) {
	bucket, err := s.resolver.Bucket(ctx, bucketID)
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
	ok, err := s.resolver.CanManage(ctx, bucket, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrForbidden
	}
	return bucket, nil
}

func parseLevels(raw []string) ([]string, error) {
	seen := map[permissions.Level]struct{}{}
	for _, r := range normaliseIDs(raw) {
		level, err := permissions.Parse(r)
		if err != nil {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown permission %q", r))
		}
		seen[level] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, apperrors.NewBadRequest("at least one permission is required")
	}
	return permissions.Set(seen).Strings(), nil
}
