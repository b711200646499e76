package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

// Recipients is the delivery audience of a bucket at one point in time.
// UserIDs is the sorted, de-duplicated union of the other fields (or every
// active user for public buckets).
type Recipients struct {
	OwnerUserID   string   `json:"owner_user_id"`
	SharedUserIDs []string `json:"shared_user_ids"`
	AdminUserIDs  []string `json:"admin_user_ids"`
	IsPublic      bool     `json:"is_public"`
	IsAdmin       bool     `json:"is_admin"`
	UserIDs       []string `json:"user_ids"`
}

// AccessResolver answers who may see and who may write a bucket. Grants are
// read on every call; nothing is cached.
type AccessResolver struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

func NewAccessResolver(db *gorm.DB) (*AccessResolver, error) {
	if db == nil {
		return nil, errors.New("access resolver: db is required")
	}
	return &AccessResolver{db: db, now: time.Now, log: logger.WithModule("access")}, nil
}

// Bucket loads a bucket or returns a not-found AppError.
func (r *AccessResolver) Bucket(ctx context.Context, bucketID string) (*models.Bucket, error) {
	var bucket models.Bucket
	err := r.db.WithContext(ensureContext(ctx)).Take(&bucket, "id = ?", bucketID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("bucket")
		}
		return nil, fmt.Errorf("access resolver: load bucket: %w", err)
	}
	return &bucket, nil
}

// Grants returns the bucket's grants that are active now.
func (r *AccessResolver) Grants(ctx context.Context, bucketID string) ([]models.EntityPermission, error) {
	var grants []models.EntityPermission
	err := r.db.WithContext(ensureContext(ctx)).
		Where("resource_type = ? AND resource_id = ?", models.ResourceBucket, bucketID).
		Where("expires_at IS NULL OR expires_at > ?", r.now().UTC()).
		Order("created_at ASC").
		Find(&grants).Error
	if err != nil {
		return nil, fmt.Errorf("access resolver: load grants: %w", err)
	}
	return grants, nil
}

// Actor loads userID as a permission subject.
func (r *AccessResolver) Actor(ctx context.Context, userID string) (permissions.Actor, error) {
	var user models.User
	err := r.db.WithContext(ensureContext(ctx)).Select("id", "role").Take(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permissions.Actor{}, apperrors.ErrUnauthorized
		}
		return permissions.Actor{}, fmt.Errorf("access resolver: load actor: %w", err)
	}
	return permissions.ActorFor(&user), nil
}

// Effective returns actor's permission set on bucket.
func (r *AccessResolver) Effective(ctx context.Context, bucket *models.Bucket, actor permissions.Actor) (permissions.Set, error) {
	grants, err := r.Grants(ctx, bucket.ID)
	if err != nil {
		return nil, err
	}
	return permissions.Effective(actor, bucket, grants, r.now()), nil
}

// CanWrite reports whether actor may post messages to bucket.
func (r *AccessResolver) CanWrite(ctx context.Context, bucket *models.Bucket, actor permissions.Actor) (bool, error) {
	grants, err := r.Grants(ctx, bucket.ID)
	if err != nil {
		return false, err
	}
	return permissions.CanWrite(actor, bucket, grants, r.now()), nil
}

// CanManage reports whether actor may update bucket or its shares.
func (r *AccessResolver) CanManage(ctx context.Context, bucket *models.Bucket, actor permissions.Actor) (bool, error) {
	grants, err := r.Grants(ctx, bucket.ID)
	if err != nil {
		return false, err
	}
	return permissions.CanManage(actor, bucket, grants, r.now()), nil
}

// CanDelete reports whether actor may delete bucket.
func (r *AccessResolver) CanDelete(ctx context.Context, bucket *models.Bucket, actor permissions.Actor) (bool, error) {
	grants, err := r.Grants(ctx, bucket.ID)
	if err != nil {
		return false, err
	}
	return permissions.CanDelete(actor, bucket, grants, r.now()), nil
}

// ResolveRecipients computes the audience of bucketID at call time. actorID
// is the sender; it is logged but does not change the audience. An empty
// audience is not an error.
func (r *AccessResolver) ResolveRecipients(ctx context.Context, bucketID, actorID string) (Recipients, error) {
	bucket, err := r.Bucket(ctx, bucketID)
	if err != nil {
		return Recipients{}, err
	}
	rec, err := r.recipientsFor(ctx, bucket)
	if err != nil {
		return Recipients{}, err
	}
	r.log.Debug("recipients resolved",
		zap.String("bucket_id", bucketID),
		zap.String("actor_id", actorID),
		zap.Int("recipients", len(rec.UserIDs)))
	return rec, nil
}

func (r *AccessResolver) recipientsFor(ctx context.Context, bucket *models.Bucket) (Recipients, error) {
	ctx = ensureContext(ctx)
	rec := Recipients{
		OwnerUserID: bucket.OwnerID,
		IsPublic:    bucket.IsPublic(),
		IsAdmin:     bucket.IsAdminBucket(),
	}

	grants, err := r.Grants(ctx, bucket.ID)
	if err != nil {
		return Recipients{}, err
	}
	now := r.now()
	seen := map[string]struct{}{}
	for _, g := range grants {
		if _, dup := seen[g.GranteeUserID]; dup || g.GranteeUserID == bucket.OwnerID {
			continue
		}
		if permissions.Granted(g.GranteeUserID, bucket, grants, now).Empty() {
			continue
		}
		seen[g.GranteeUserID] = struct{}{}
		rec.SharedUserIDs = append(rec.SharedUserIDs, g.GranteeUserID)
	}
	sort.Strings(rec.SharedUserIDs)

	if rec.IsAdmin {
		if err := r.db.WithContext(ctx).Model(&models.User{}).
			Where("role = ? AND is_active = ?", models.RoleAdmin, true).
			Order("id ASC").
			Pluck("id", &rec.AdminUserIDs).Error; err != nil {
			return Recipients{}, fmt.Errorf("access resolver: load admins: %w", err)
		}
	}

	if rec.IsPublic {
		if err := r.db.WithContext(ctx).Model(&models.User{}).
			Where("is_active = ?", true).
			Order("id ASC").
			Pluck("id", &rec.UserIDs).Error; err != nil {
			return Recipients{}, fmt.Errorf("access resolver: load users: %w", err)
		}
	}

	all := make([]string, 0, 1+len(rec.SharedUserIDs)+len(rec.AdminUserIDs)+len(rec.UserIDs))
	all = append(all, rec.OwnerUserID)
	all = append(all, rec.SharedUserIDs...)
	all = append(all, rec.AdminUserIDs...)
	all = append(all, rec.UserIDs...)
	rec.UserIDs = normaliseIDs(all)
	sort.Strings(rec.UserIDs)
	return rec, nil
}

// Audience implements realtime.AudienceResolver. Public buckets broadcast;
// a missing bucket has no audience.
func (r *AccessResolver) Audience(ctx context.Context, bucketID string) ([]string, bool, error) {
	bucket, err := r.Bucket(ctx, bucketID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if bucket.IsPublic() {
		return nil, true, nil
	}
	rec, err := r.recipientsFor(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	return rec.UserIDs, false, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
