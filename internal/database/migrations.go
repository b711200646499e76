package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
)

// MessageSequence names the counter that orders messages and notifications.
const MessageSequence = "message_sequence"

// ErrUnmappedLoginProvider is returned when stored users carry a login
// provider string that cannot be mapped onto the enum. Nothing is rewritten
// in that case; an operator has to fix the listed rows first.
var ErrUnmappedLoginProvider = errors.New("unmapped login provider")

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.ExternalNotifySystem{},
		&models.Bucket{},
		&models.Message{},
		&models.UserDevice{},
		&models.Notification{},
		&models.EntityPermission{},
		&models.SystemAccessToken{},
		&models.UserSetting{},
		&models.CacheEntry{},
		&models.Counter{},
	)
}

// SeedData creates the counters the service relies on.
func SeedData(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Counter{Name: MessageSequence}).Error
}

// NormalizeLoginProviders rewrites legacy free-form login provider values to
// the enum form. It is all or nothing.
func NormalizeLoginProviders(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var rows []struct {
			ID            string
			LoginProvider string
		}
		if err := tx.Model(&models.User{}).
			Select("id", "login_provider").
			Where("login_provider IS NOT NULL AND login_provider <> ''").
			Scan(&rows).Error; err != nil {
			return err
		}

		var unmapped []string
		updates := map[models.LoginProvider][]string{}
		for _, row := range rows {
			provider, ok := models.ParseLoginProvider(row.LoginProvider)
			if !ok {
				unmapped = append(unmapped, fmt.Sprintf("%s=%q", row.ID, row.LoginProvider))
				continue
			}
			if string(provider) != row.LoginProvider {
				updates[provider] = append(updates[provider], row.ID)
			}
		}
		if len(unmapped) > 0 {
			sort.Strings(unmapped)
			return fmt.Errorf("%w: %s", ErrUnmappedLoginProvider, strings.Join(unmapped, ", "))
		}

		for provider, ids := range updates {
			if err := tx.Model(&models.User{}).
				Where("id IN ?", ids).
				Update("login_provider", provider).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
