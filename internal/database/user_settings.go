package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
)

// GetUserSetting returns the stored value, or "" when the key is not set.
func GetUserSetting(ctx context.Context, db *gorm.DB, userID, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("user settings: db is nil")
	}
	var setting models.UserSetting
	err := db.WithContext(ctx).Where(&models.UserSetting{UserID: userID, Key: key}).Take(&setting).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("user settings: get %q: %w", key, err)
}

func UpsertUserSetting(ctx context.Context, db *gorm.DB, userID, key, value string) error {
	if db == nil {
		return fmt.Errorf("user settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if userID == "" || key == "" {
		return fmt.Errorf("user settings: user and key are required")
	}

	record := models.UserSetting{UserID: userID, Key: key, Value: value}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("user settings: upsert %q: %w", key, err)
	}
	return nil
}
