package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/courseshop/api/internal/platform/database"
)

// Migrate creates or updates every table used by the Postgres repositories.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return database.WrapError("migrate", err)
	}
	return nil
}
