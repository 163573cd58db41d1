package migration_1

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type BucketEntry struct {
	SkipReason sql.NullString
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&BucketEntry{}, "SkipReason"); err != nil {
		return fmt.Errorf("error adding SkipReason column: %w", err)
	}

	if err := db.Model(&BucketEntry{}).
		Where("bucket IS NULL AND skip_reason IS NULL").
		Update("skip_reason", "unknown").Error; err != nil {
		return fmt.Errorf("error backfilling SkipReason: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&BucketEntry{}, "SkipReason"); err != nil {
		return fmt.Errorf("error dropping SkipReason column: %w", err)
	}

	return nil
}
