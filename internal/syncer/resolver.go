package syncer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dbsync-service/internal/database"
	"dbsync-service/internal/store"
	"dbsync-service/pkg/models"
)

// Decide picks the winning row for an automatic strategy. The second return
// reports whether the remote side won. MANUAL and APPEND_ONLY never reach
// this function.
func Decide(strategy models.ConflictStrategy, cfg models.TableConfig, local, remote *models.Row) (*models.Row, bool) {
	switch strategy {
	case models.StrategyLocalWins:
		return local, false
	case models.StrategyRemoteWins:
		return remote, true
	case models.StrategyNewestWins:
		lv := local.Version(cfg.VersionColumn)
		rv := remote.Version(cfg.VersionColumn)
		if lv > rv {
			return local, false
		}
		if rv > lv {
			return remote, true
		}
		lm := local.Modified(cfg.TimestampColumn)
		rm := remote.Modified(cfg.TimestampColumn)
		if lm.After(rm) {
			return local, false
		}
		// Equal versions and timestamps fall back to the remote side so the
		// outcome is the same no matter which endpoint runs the engine.
		return remote, true
	default:
		return remote, true
	}
}

// MergeRows synthesizes the append-only merge row: differing text fields are
// concatenated, differing non-text fields take the remote value, control
// columns are regenerated. Both source rows stay untouched.
func MergeRows(cfg models.TableConfig, local, remote *models.Row, key interface{}) *models.Row {
	version := local.Version(cfg.VersionColumn)
	if rv := remote.Version(cfg.VersionColumn); rv > version {
		version = rv
	}
	version++

	merged := models.NewRow()
	columns := local.Columns()
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, c := range remote.Columns() {
		if !seen[c] {
			columns = append(columns, c)
		}
	}

	for _, col := range columns {
		switch col {
		case cfg.PrimaryKey:
			merged.Set(col, key)
		case cfg.VersionColumn:
			merged.Set(col, version)
		case cfg.TimestampColumn:
			merged.Set(col, time.Now())
		default:
			lv, lok := local.Get(col)
			rv, rok := remote.Get(col)
			switch {
			case !lok:
				merged.Set(col, rv)
			case !rok:
				merged.Set(col, lv)
			case models.ScalarEqual(lv, rv):
				merged.Set(col, lv)
			default:
				ls, lIsText := asText(lv)
				rs, rIsText := asText(rv)
				if lIsText && rIsText {
					merged.Set(col, "MERGE: "+ls+" + "+rs)
				} else {
					merged.Set(col, rv)
				}
			}
		}
	}
	return merged
}

func asText(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// nextMergeKey picks the primary key for a merge row so both endpoints insert
// the identical record: integer keys continue past the larger of the two
// tables, anything else gets a fresh UUID.
func nextMergeKey(ctx context.Context, local, remote *database.Endpoint, cfg models.TableConfig, sample interface{}) (interface{}, error) {
	if _, err := strconv.ParseInt(keyString(sample), 10, 64); err != nil {
		return uuid.NewString(), nil
	}
	localMax, err := maxIntKey(ctx, local, cfg)
	if err != nil {
		return nil, err
	}
	remoteMax, err := maxIntKey(ctx, remote, cfg)
	if err != nil {
		return nil, err
	}
	if remoteMax > localMax {
		localMax = remoteMax
	}
	return localMax + 1, nil
}

// Resolver closes MANUAL conflicts: the operator supplies the resolved row,
// which is written to both endpoints with a version above both candidates.
type Resolver struct {
	local     *database.Endpoint
	remote    *database.Endpoint
	conflicts *store.ConflictStore
	tables    map[string]models.TableConfig
}

func NewResolver(local, remote *database.Endpoint, conflicts *store.ConflictStore, tables map[string]models.TableConfig) *Resolver {
	return &Resolver{local: local, remote: remote, conflicts: conflicts, tables: tables}
}

// Resolve applies the operator's row to both endpoints with
// version = max(local, remote) + 1 and stamps the conflict resolved.
func (r *Resolver) Resolve(ctx context.Context, conflictID uint, resolved *models.Row, resolvedBy string) error {
	c, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Resolved() {
		return fmt.Errorf("conflict %d already resolved by %s", conflictID, derefStr(c.ResolvedBy))
	}
	cfg, ok := r.tables[c.Table]
	if !ok {
		return fmt.Errorf("conflict %d refers to table %s which is not enrolled", conflictID, c.Table)
	}
	cfg = cfg.Normalize()

	version := c.LocalVersion
	if c.RemoteVersion > version {
		version = c.RemoteVersion
	}
	version++

	row := resolved.Clone()
	if _, ok := row.Get(cfg.PrimaryKey); !ok {
		row.Set(cfg.PrimaryKey, keyValue(c.RecordID))
	}
	row.Set(cfg.VersionColumn, version)
	row.Set(cfg.TimestampColumn, time.Now())

	for _, ep := range []*database.Endpoint{r.local, r.remote} {
		if err := upsertRow(ctx, ep, cfg, row); err != nil {
			return fmt.Errorf("write resolved row to %s: %w", ep.Name(), err)
		}
	}

	resolution, err := row.JSON()
	if err != nil {
		return err
	}
	if err := r.conflicts.MarkResolved(ctx, conflictID, resolvedBy, resolution); err != nil {
		return err
	}
	log.Printf("✅ [CONFLICT] #%d on %s/%s resolved by %s (version %d)", conflictID, c.Table, c.RecordID, resolvedBy, version)
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
