package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"dreambooth-backend/internal/buckets"
	"dreambooth-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const entryBatchSize = 500

// ManifestStore keeps one bucket assignment per dataset fingerprint.
type ManifestStore struct {
	db *gorm.DB
}

func NewManifestStore(db *gorm.DB) *ManifestStore {
	return &ManifestStore{db: db}
}

func (s *ManifestStore) Close() error {
	return Close(s.db)
}

// Load returns the stored index for fingerprint. A missing manifest, or one
// recorded for a different bucket list or image count, is reported as
// storage.ErrNotFound.
func (s *ManifestStore) Load(ctx context.Context, fingerprint string, order []float64, n int) (*buckets.Index, error) {
	var manifest BucketManifest
	err := s.db.WithContext(ctx).
		Preload("Entries").
		Where("fingerprint = ?", fingerprint).
		First(&manifest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no manifest for fingerprint %s", storage.ErrNotFound, fingerprint)
		}
		return nil, fmt.Errorf("error loading manifest: %w", err)
	}

	var stored []float64
	if err := json.Unmarshal(manifest.Buckets, &stored); err != nil {
		return nil, fmt.Errorf("invalid buckets JSON in manifest %s: %w", manifest.Id, err)
	}
	if !slices.Equal(stored, order) || manifest.ImageCount != n {
		return nil, fmt.Errorf("%w: manifest %s is stale", storage.ErrNotFound, manifest.Id)
	}

	assignments := make([]buckets.Assignment, 0, len(manifest.Entries))
	for _, e := range manifest.Entries {
		a := buckets.Assignment{Index: e.ImageIndex}
		if e.Bucket.Valid {
			a.Bucket = e.Bucket.Float64
		} else {
			a.Skipped = true
			a.Reason = e.SkipReason.String
		}
		assignments = append(assignments, a)
	}

	index, err := buckets.Restore(order, n, assignments)
	if err != nil {
		return nil, fmt.Errorf("error restoring manifest %s: %w", manifest.Id, err)
	}
	return index, nil
}

// Save replaces whatever is stored under fingerprint with index.
func (s *ManifestStore) Save(ctx context.Context, root, fingerprint string, index *buckets.Index) error {
	bucketsJSON, err := json.Marshal(index.Buckets())
	if err != nil {
		return fmt.Errorf("could not marshal buckets: %w", err)
	}

	manifest := BucketManifest{
		Id:           uuid.New(),
		Fingerprint:  fingerprint,
		Root:         root,
		Buckets:      datatypes.JSON(bucketsJSON),
		ImageCount:   index.Len(),
		CreationTime: time.Now().UTC(),
	}

	entries := make([]BucketEntry, 0, index.Len())
	for _, a := range index.Assignments() {
		e := BucketEntry{ManifestId: manifest.Id, ImageIndex: a.Index}
		if a.Skipped {
			e.SkipReason = sql.NullString{String: a.Reason, Valid: true}
		} else {
			e.Bucket = sql.NullFloat64{Float64: a.Bucket, Valid: true}
		}
		entries = append(entries, e)
	}

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := deleteManifest(txn, fingerprint); err != nil {
			return err
		}
		if err := txn.Omit("Entries").Create(&manifest).Error; err != nil {
			return fmt.Errorf("error creating manifest: %w", err)
		}
		if len(entries) > 0 {
			if err := txn.CreateInBatches(&entries, entryBatchSize).Error; err != nil {
				return fmt.Errorf("error creating manifest entries: %w", err)
			}
		}
		slog.Info("saved bucket manifest", "manifest_id", manifest.Id, "fingerprint", fingerprint, "images", manifest.ImageCount)
		return nil
	})
}

// Delete removes the manifest stored under fingerprint, if any.
func (s *ManifestStore) Delete(ctx context.Context, fingerprint string) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		return deleteManifest(txn, fingerprint)
	})
}

func deleteManifest(txn *gorm.DB, fingerprint string) error {
	var ids []uuid.UUID
	if err := txn.Model(&BucketManifest{}).Where("fingerprint = ?", fingerprint).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("error finding manifest: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := txn.Where("manifest_id IN ?", ids).Delete(&BucketEntry{}).Error; err != nil {
		return fmt.Errorf("error deleting manifest entries: %w", err)
	}
	if err := txn.Where("id IN ?", ids).Delete(&BucketManifest{}).Error; err != nil {
		return fmt.Errorf("error deleting manifest: %w", err)
	}
	return nil
}
