package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
)

// DatabaseStore implements Store on the primary SQL database. Increments run
// in a transaction holding a row lock on the entry.
type DatabaseStore struct {
	db    *gorm.DB
	clock Clock
}

func NewDatabaseStore(db *gorm.DB, clock Clock) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, clock: clock}
}

func keyEq(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, ErrNotInitialised
	}
	if window <= 0 {
		window = time.Minute
	}
	now := s.clock.now()

	var (
		count  int64
		expiry time.Time
	)
	err := s.db.WithContext(ensureCtx(ctx)).Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(keyEq(key)).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			count, expiry = 1, now.Add(window)
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
			}).Create(&models.CacheEntry{Key: key, Value: []byte("1"), ExpiresAt: expiry}).Error
		}
		if err != nil {
			return err
		}

		if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			count, expiry = 1, now.Add(window)
		} else {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count, expiry = current+1, entry.ExpiresAt
		}
		return tx.Model(&models.CacheEntry{}).Where(keyEq(key)).Updates(map[string]any{
			"value":      []byte(strconv.FormatInt(count, 10)),
			"expires_at": expiry,
		}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	ttl := time.Duration(0)
	if !expiry.IsZero() {
		ttl = expiry.Sub(now)
	}
	return count, ttl, nil
}

func (s *DatabaseStore) Decrement(ctx context.Context, key string) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}
	var count int64
	err := s.db.WithContext(ensureCtx(ctx)).Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(keyEq(key)).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		count, _ = strconv.ParseInt(string(entry.Value), 10, 64)
		if count > 0 {
			count--
		}
		return tx.Model(&models.CacheEntry{}).Where(keyEq(key)).
			Update("value", []byte(strconv.FormatInt(count, 10))).Error
	})
	return count, err
}

func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return ErrNotInitialised
	}
	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.clock.now().Add(ttl)
	}
	return s.db.WithContext(ensureCtx(ctx)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&models.CacheEntry{Key: key, Value: value, ExpiresAt: expiry}).Error
}

func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, ErrNotInitialised
	}
	ctx = ensureCtx(ctx)

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where(keyEq(key)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !entry.ExpiresAt.IsZero() && !s.clock.now().Before(entry.ExpiresAt) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return ErrNotInitialised
	}
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ensureCtx(ctx)).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: toAny(keys)}).
		Delete(&models.CacheEntry{}).Error
}

// PurgeExpired removes rows whose expiry has passed.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}
	res := s.db.WithContext(ensureCtx(ctx)).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.clock.now()).
		Delete(&models.CacheEntry{})
	return res.RowsAffected, res.Error
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
