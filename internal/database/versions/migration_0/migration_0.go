package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// The first released schema had no skip reasons; a skipped image was just a
// null bucket.

type BucketManifest struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Fingerprint  string    `gorm:"size:64;not null;uniqueIndex"`
	Root         string    `gorm:"not null"`
	Buckets      datatypes.JSON
	ImageCount   int
	CreationTime time.Time

	Entries []BucketEntry `gorm:"foreignKey:ManifestId;constraint:OnDelete:CASCADE"`
}

type BucketEntry struct {
	ManifestId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageIndex int       `gorm:"primaryKey;autoIncrement:false"`
	Bucket     sql.NullFloat64
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&BucketManifest{}, &BucketEntry{})
}
