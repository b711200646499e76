package delivery

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/bucketcast/internal/models"
)

// MergeResponse stores value under key in a message's
// external_system_response and returns the merged document. A non-empty
// entry nests the value one level deeper, under key then entry. The row is
// locked for the read-modify-write so concurrent sends keep each other's
// entries.
func MergeResponse(ctx context.Context, db *gorm.DB, messageID, key, entry string, value any) (datatypes.JSONMap, error) {
	var merged datatypes.JSONMap
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "external_system_response").
			Take(&msg, "id = ?", messageID).Error; err != nil {
			return err
		}

		merged = datatypes.JSONMap{}
		for k, v := range msg.ExternalSystemResponse {
			merged[k] = v
		}
		if entry == "" {
			merged[key] = value
		} else {
			nested, _ := merged[key].(map[string]any)
			copied := make(map[string]any, len(nested)+1)
			for k, v := range nested {
				copied[k] = v
			}
			copied[entry] = value
			merged[key] = copied
		}

		return tx.Model(&models.Message{}).Where("id = ?", messageID).
			Update("external_system_response", merged).Error
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: merge external response: %w", err)
	}
	return merged, nil
}
