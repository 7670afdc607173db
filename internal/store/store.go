// Package store persists the engine's control state: the append-only audit
// log, the open conflicts, and the key/value sync metadata. The same three
// tables exist on both endpoints; each store instance is bound to one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"dbsync-service/internal/database"
	"dbsync-service/pkg/models"
)

// ErrConflictNotFound is returned for unknown or already deleted conflict IDs.
var ErrConflictNotFound = errors.New("sync conflict not found")

// AppendLog writes one audit entry on the given session. Callers pass the
// transaction carrying the mutation so entry and mutation commit together.
func AppendLog(tx *gorm.DB, entry *models.SyncLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return tx.Create(entry).Error
}

// SyncLogStore reads the audit trail of one endpoint.
type SyncLogStore struct {
	ep *database.Endpoint
}

func NewSyncLogStore(ep *database.Endpoint) *SyncLogStore {
	return &SyncLogStore{ep: ep}
}

// Recent returns the newest entries, optionally filtered by table.
func (s *SyncLogStore) Recent(ctx context.Context, table string, limit int) ([]models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []models.SyncLogEntry
	err := s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		q := tx.Order("id DESC").Limit(limit)
		if table != "" {
			q = q.Where("table_name = ?", table)
		}
		return q.Find(&entries).Error
	})
	return entries, err
}

// ConflictStore owns the sync_conflicts table of one endpoint.
type ConflictStore struct {
	ep *database.Endpoint
}

func NewConflictStore(ep *database.Endpoint) *ConflictStore {
	return &ConflictStore{ep: ep}
}

// Register records a detected divergence. An open conflict for the same
// table/record is updated in place rather than duplicated, so repeated sync
// passes over the same divergence keep exactly one conflict open.
func (s *ConflictStore) Register(ctx context.Context, c *models.SyncConflict) error {
	return s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		var existing models.SyncConflict
		err := tx.Where("table_name = ? AND record_id = ? AND resolved_at IS NULL", c.Table, c.RecordID).
			First(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&existing).Updates(map[string]interface{}{
				"local_data":      c.LocalData,
				"remote_data":     c.RemoteData,
				"local_version":   c.LocalVersion,
				"remote_version":  c.RemoteVersion,
				"local_modified":  c.LocalModified,
				"remote_modified": c.RemoteModified,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if c.CreatedAt.IsZero() {
				c.CreatedAt = time.Now()
			}
			return tx.Create(c).Error
		default:
			return err
		}
	})
}

// RecordResolved persists a conflict that was settled at detection time, e.g.
// an append-only merge. The resolution fields must already be stamped.
func (s *ConflictStore) RecordResolved(ctx context.Context, c *models.SyncConflict) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
}

// HasResolvedMerge reports whether the given divergence (same record, same
// version pair) was already settled by an append-only merge, so repeated
// passes do not synthesize a second merged row.
func (s *ConflictStore) HasResolvedMerge(ctx context.Context, table, recordID string, localVersion, remoteVersion int64) (bool, error) {
	var count int64
	err := s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.SyncConflict{}).
			Where("table_name = ? AND record_id = ? AND local_version = ? AND remote_version = ? AND resolution_strategy = ? AND resolved_at IS NOT NULL",
				table, recordID, localVersion, remoteVersion, models.StrategyAppendOnly).
			Count(&count).Error
	})
	return count > 0, err
}

// ListPending returns every unresolved conflict, oldest first.
func (s *ConflictStore) ListPending(ctx context.Context) ([]models.SyncConflict, error) {
	var conflicts []models.SyncConflict
	err := s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Where("resolved_at IS NULL").Order("id ASC").Find(&conflicts).Error
	})
	return conflicts, err
}

func (s *ConflictStore) Get(ctx context.Context, id uint) (*models.SyncConflict, error) {
	var c models.SyncConflict
	err := s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.First(&c, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrConflictNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkResolved stamps the resolution fields. The conflict row itself is the
// only mutable part of the conflict model.
func (s *ConflictStore) MarkResolved(ctx context.Context, id uint, resolvedBy string, resolution datatypes.JSON) error {
	now := time.Now()
	return s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncConflict{}).Where("id = ? AND resolved_at IS NULL", id).
			Updates(map[string]interface{}{
				"resolved_at":     &now,
				"resolved_by":     resolvedBy,
				"resolution_data": resolution,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: id %d (missing or already resolved)", ErrConflictNotFound, id)
		}
		return nil
	})
}

// MetadataStore owns the sync_metadata key/value table of one endpoint.
type MetadataStore struct {
	ep *database.Endpoint
}

func NewMetadataStore(ep *database.Endpoint) *MetadataStore {
	return &MetadataStore{ep: ep}
}

func (s *MetadataStore) Get(ctx context.Context, key string) (string, bool, error) {
	var meta models.SyncMetadata
	err := s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Where("key_name = ?", key).First(&meta).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return meta.Value, true, nil
}

func (s *MetadataStore) Set(ctx context.Context, key, value string) error {
	return s.ep.WithConn(ctx, func(tx *gorm.DB) error {
		var existing models.SyncMetadata
		err := tx.Where("key_name = ?", key).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&models.SyncMetadata{KeyName: key, Value: value, UpdatedAt: time.Now()}).Error
		case err != nil:
			return err
		default:
			return tx.Model(&existing).Updates(map[string]interface{}{
				"value":      value,
				"updated_at": time.Now(),
			}).Error
		}
	})
}

// LastSync reads the checkpoint scoping incremental queries. A missing key is
// a first run, not an error.
func (s *MetadataStore) LastSync(ctx context.Context) (time.Time, error) {
	value, ok, err := s.Get(ctx, models.MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s checkpoint %q: %w", models.MetaLastSync, value, err)
	}
	return t, nil
}

func (s *MetadataStore) SetLastSync(ctx context.Context, t time.Time) error {
	return s.Set(ctx, models.MetaLastSync, t.UTC().Format(time.RFC3339))
}
