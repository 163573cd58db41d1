package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type BucketManifest struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Fingerprint string    `gorm:"size:64;not null;uniqueIndex"`
	Root        string    `gorm:"not null"`

	// Buckets holds the ordered bucket list as a JSON array.
	Buckets      datatypes.JSON
	ImageCount   int
	CreationTime time.Time

	Entries []BucketEntry `gorm:"foreignKey:ManifestId;constraint:OnDelete:CASCADE"`
}

type BucketEntry struct {
	ManifestId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageIndex int       `gorm:"primaryKey;autoIncrement:false"`

	// Bucket is null for images left out under the skip policy.
	Bucket     sql.NullFloat64
	SkipReason sql.NullString
}
