package syncer

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"dbsync-service/internal/database"
	"dbsync-service/internal/store"
	"dbsync-service/pkg/models"
)

// keyString renders a primary-key value the way it is stored in the audit and
// conflict tables.
func keyString(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// keyValue reverses keyString for lookups: integer-looking record IDs become
// int64 so numeric primary keys match.
func keyValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func fetchRowByKey(ctx context.Context, ep *database.Endpoint, cfg models.TableConfig, columns []string, key interface{}) (*models.Row, error) {
	var results []map[string]interface{}
	err := ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Table(cfg.Name).
			Select(columns).
			Where(fmt.Sprintf("%s = ?", cfg.PrimaryKey), key).
			Limit(1).
			Find(&results).Error
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return models.RowFromMap(columns, results[0]), nil
}

// insertRow writes a new row and its audit entry in one transaction.
func insertRow(ctx context.Context, ep *database.Endpoint, cfg models.TableConfig, row *models.Row) error {
	newData, err := row.JSON()
	if err != nil {
		return err
	}
	pk, _ := row.Get(cfg.PrimaryKey)
	return ep.Transact(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(cfg.Name).Create(row.Map()).Error; err != nil {
			return err
		}
		return store.AppendLog(tx, &models.SyncLogEntry{
			Table:      cfg.Name,
			RecordID:   keyString(pk),
			Operation:  models.OpInsert,
			NewData:    newData,
			Version:    row.Version(cfg.VersionColumn),
			SyncStatus: models.StatusSynced,
		})
	})
}

// updateRow overwrites the destination row (primary key excluded) and appends
// the audit entry in the same transaction.
func updateRow(ctx context.Context, ep *database.Endpoint, cfg models.TableConfig, oldRow, newRow *models.Row) error {
	newData, err := newRow.JSON()
	if err != nil {
		return err
	}
	var oldData []byte
	if oldRow != nil {
		if b, err := oldRow.JSON(); err == nil {
			oldData = b
		}
	}
	pk, _ := newRow.Get(cfg.PrimaryKey)
	updates := newRow.Map()
	delete(updates, cfg.PrimaryKey)
	return ep.Transact(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(cfg.Name).
			Where(fmt.Sprintf("%s = ?", cfg.PrimaryKey), pk).
			Updates(updates).Error; err != nil {
			return err
		}
		return store.AppendLog(tx, &models.SyncLogEntry{
			Table:      cfg.Name,
			RecordID:   keyString(pk),
			Operation:  models.OpUpdate,
			OldData:    oldData,
			NewData:    newData,
			Version:    newRow.Version(cfg.VersionColumn),
			SyncStatus: models.StatusSynced,
		})
	})
}

// upsertRow inserts or updates depending on whether the key already exists.
func upsertRow(ctx context.Context, ep *database.Endpoint, cfg models.TableConfig, row *models.Row) error {
	pk, ok := row.Get(cfg.PrimaryKey)
	if !ok {
		return fmt.Errorf("row for table %s is missing primary key column %s", cfg.Name, cfg.PrimaryKey)
	}
	existing, err := fetchRowByKey(ctx, ep, cfg, row.Columns(), pk)
	if err != nil {
		return err
	}
	if existing == nil {
		return insertRow(ctx, ep, cfg, row)
	}
	return updateRow(ctx, ep, cfg, existing, row)
}

// maxIntKey returns the largest integer primary key currently on the
// endpoint, 0 for an empty table.
func maxIntKey(ctx context.Context, ep *database.Endpoint, cfg models.TableConfig) (int64, error) {
	var results []map[string]interface{}
	err := ep.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Table(cfg.Name).
			Select(fmt.Sprintf("MAX(%s) AS max_key", cfg.PrimaryKey)).
			Find(&results).Error
	})
	if err != nil {
		return 0, err
	}
	if len(results) == 0 || results[0]["max_key"] == nil {
		return 0, nil
	}
	return models.ToInt64(results[0]["max_key"]), nil
}
