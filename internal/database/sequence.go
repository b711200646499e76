package database

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
)

// NextSequence atomically increments the named counter and returns the new
// value. Call it inside the transaction that persists the sequenced row so
// the row lock taken by the UPDATE serialises concurrent writers.
func NextSequence(tx *gorm.DB, name string) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res := tx.Model(&models.Counter{}).
			Where("name = ?", name).
			Update("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return 0, fmt.Errorf("sequence %s: %w", name, res.Error)
		}
		if res.RowsAffected == 1 {
			var counter models.Counter
			if err := tx.Take(&counter, "name = ?", name).Error; err != nil {
				return 0, fmt.Errorf("sequence %s: %w", name, err)
			}
			return counter.Value, nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Counter{Name: name}).Error; err != nil {
			return 0, fmt.Errorf("sequence %s: %w", name, err)
		}
	}
	return 0, fmt.Errorf("sequence %s: counter unavailable", name)
}
