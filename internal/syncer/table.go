package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"dbsync-service/internal/convert"
	"dbsync-service/internal/database"
	"dbsync-service/internal/store"
	"dbsync-service/pkg/models"
)

// MissingTableError marks a table absent from one endpoint. Fatal for that
// table only; the run continues with the remaining tables.
type MissingTableError struct {
	Table    string
	Endpoint string
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("table %s does not exist on %s endpoint", e.Table, e.Endpoint)
}

// MissingColumnError marks an enrolled table without one of its control
// columns. Fatal for that table only.
type MissingColumnError struct {
	Table    string
	Column   string
	Endpoint string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("table %s on %s endpoint is missing required column %s", e.Table, e.Endpoint, e.Column)
}

// TableSyncer replays one table's changes in one direction. All failure
// handling is per row or per table; nothing here aborts a run.
type TableSyncer struct {
	local     *database.Endpoint
	remote    *database.Endpoint
	converter *convert.Converter
	conflicts *store.ConflictStore
}

func NewTableSyncer(local, remote *database.Endpoint, converter *convert.Converter, conflicts *store.ConflictStore) *TableSyncer {
	return &TableSyncer{local: local, remote: remote, converter: converter, conflicts: conflicts}
}

type convMode int

const (
	convNone convMode = iota
	convToTarget
	convToSource
)

// convPlan maps column names to the conversions a cross-driver copy needs.
type convPlan struct {
	mode    convMode
	logical map[string]string // column → logical type
	native  map[string]string // column → native type on the non-portable side
}

func buildPlan(src, dst *database.Endpoint, srcCols, dstCols []database.ColumnInfo) convPlan {
	if src.Driver() == dst.Driver() {
		return convPlan{mode: convNone}
	}
	switch {
	case dst.Driver().Portable() && !src.Driver().Portable():
		plan := convPlan{mode: convToTarget, logical: make(map[string]string), native: make(map[string]string)}
		for _, c := range srcCols {
			if lt, ok := logicalFor(c.DBType); ok {
				plan.logical[c.Name] = lt
				plan.native[c.Name] = c.DBType
			}
		}
		return plan
	case src.Driver().Portable() && !dst.Driver().Portable():
		plan := convPlan{mode: convToSource, logical: make(map[string]string), native: make(map[string]string)}
		for _, c := range dstCols {
			if lt, ok := logicalFor(c.DBType); ok {
				plan.logical[c.Name] = lt
				plan.native[c.Name] = c.DBType
			}
		}
		return plan
	default:
		// Two native engines exchange driver-scanned values directly.
		return convPlan{mode: convNone}
	}
}

// logicalFor maps a native column type to the logical type driving its
// conversion. Unlisted types copy through untouched.
func logicalFor(dbType string) (string, bool) {
	switch convert.Normalize(dbType) {
	case convert.TypeTime:
		return string(convert.TypeTime), true
	case convert.TypeDateTime, convert.LogicalType("TIMESTAMP"), convert.LogicalType("TIMESTAMPTZ"):
		return string(convert.TypeDateTime), true
	case convert.TypeDecimal, convert.LogicalType("NUMERIC"):
		return string(convert.TypeDecimal), true
	case convert.TypeBoolean, convert.LogicalType("BOOL"):
		return string(convert.TypeBoolean), true
	case convert.TypeEnum:
		return string(convert.TypeEnum), true
	}
	return "", false
}

// invertPlan flips a plan so a row in the destination's representation can be
// translated back into the source endpoint's.
func invertPlan(p convPlan) convPlan {
	switch p.mode {
	case convToTarget:
		p.mode = convToSource
	case convToSource:
		p.mode = convToTarget
	}
	return p
}

func (t *TableSyncer) adaptRow(row *models.Row, plan convPlan) (*models.Row, error) {
	if plan.mode == convNone || len(plan.logical) == 0 {
		return row, nil
	}
	out := models.NewRow()
	for _, col := range row.Columns() {
		v, _ := row.Get(col)
		lt, mapped := plan.logical[col]
		if !mapped || v == nil {
			out.Set(col, v)
			continue
		}
		var converted interface{}
		var err error
		if plan.mode == convToTarget {
			converted, err = t.converter.ToTarget(v, lt)
		} else {
			converted, err = t.converter.ToSource(v, plan.native[col], lt)
		}
		if err != nil {
			return nil, err
		}
		out.Set(col, converted)
	}
	return out, nil
}

// SyncTable synchronizes one table in one direction. since scopes the source
// scan; zero means a full scan.
func (t *TableSyncer) SyncTable(ctx context.Context, cfg models.TableConfig, direction models.SyncDirection, since time.Time) models.TableStats {
	cfg = cfg.Normalize()
	var stats models.TableStats

	var src, dst *database.Endpoint
	switch direction {
	case models.DirectionRemoteToLocal:
		src, dst = t.remote, t.local
	case models.DirectionLocalToRemote:
		src, dst = t.local, t.remote
	default:
		stats.Errors++
		stats.Error = fmt.Sprintf("table sync needs a one-way direction, got %s", direction)
		return stats
	}

	for _, ep := range []*database.Endpoint{src, dst} {
		if !ep.HasTable(cfg.Name) {
			err := &MissingTableError{Table: cfg.Name, Endpoint: ep.Name()}
			log.Printf("⚠️ [SYNC] %v, table skipped", err)
			stats.Errors++
			stats.Error = err.Error()
			return stats
		}
	}

	srcCols, err := src.Columns(cfg.Name)
	if err == nil {
		var dstCols []database.ColumnInfo
		dstCols, err = dst.Columns(cfg.Name)
		if err == nil {
			var columns []string
			columns, err = syncColumns(cfg, src.Name(), dst.Name(), srcCols, dstCols)
			if err == nil {
				plan := buildPlan(src, dst, srcCols, dstCols)
				srcRows, ferr := t.fetchChanged(ctx, src, cfg, columns, since)
				if ferr != nil {
					stats.Errors++
					stats.Error = ferr.Error()
					log.Printf("❌ [SYNC] %s: reading changed rows from %s failed: %v", cfg.Name, src.Name(), ferr)
					return stats
				}
				for _, srcRow := range srcRows {
					t.syncRow(ctx, cfg, direction, dst, plan, columns, srcRow, &stats)
				}
				return stats
			}
		}
	}
	stats.Errors++
	stats.Error = err.Error()
	log.Printf("⚠️ [SYNC] %s: %v, table skipped", cfg.Name, err)
	return stats
}

// syncColumns settles the synced column set: source order, restricted to the
// allowlist when configured, intersected with the destination so
// destination-only autogenerated columns never travel. Control columns are
// mandatory on both sides.
func syncColumns(cfg models.TableConfig, srcName, dstName string, srcCols, dstCols []database.ColumnInfo) ([]string, error) {
	srcSet := make(map[string]bool, len(srcCols))
	for _, c := range srcCols {
		srcSet[c.Name] = true
	}
	dstSet := make(map[string]bool, len(dstCols))
	for _, c := range dstCols {
		dstSet[c.Name] = true
	}
	for _, col := range cfg.ControlColumns() {
		if !srcSet[col] {
			return nil, &MissingColumnError{Table: cfg.Name, Column: col, Endpoint: srcName}
		}
		if !dstSet[col] {
			return nil, &MissingColumnError{Table: cfg.Name, Column: col, Endpoint: dstName}
		}
	}

	var allow map[string]bool
	if len(cfg.SyncColumns) > 0 {
		allow = make(map[string]bool, len(cfg.SyncColumns)+3)
		for _, c := range cfg.SyncColumns {
			allow[c] = true
		}
		for _, c := range cfg.ControlColumns() {
			allow[c] = true
		}
	}

	columns := make([]string, 0, len(srcCols))
	for _, c := range srcCols {
		if !dstSet[c.Name] {
			continue
		}
		if allow != nil && !allow[c.Name] {
			continue
		}
		columns = append(columns, c.Name)
	}
	return columns, nil
}

func (t *TableSyncer) fetchChanged(ctx context.Context, src *database.Endpoint, cfg models.TableConfig, columns []string, since time.Time) ([]*models.Row, error) {
	var results []map[string]interface{}
	err := src.WithConn(ctx, func(tx *gorm.DB) error {
		q := tx.Table(cfg.Name).Select(columns)
		if !since.IsZero() {
			q = q.Where(fmt.Sprintf("%s >= ?", cfg.TimestampColumn), since)
		}
		return q.Find(&results).Error
	})
	if err != nil {
		return nil, err
	}
	rows := make([]*models.Row, 0, len(results))
	for _, m := range results {
		rows = append(rows, models.RowFromMap(columns, m))
	}
	return rows, nil
}

// syncRow lands one source row on the destination. Any failure is confined to
// this row.
func (t *TableSyncer) syncRow(ctx context.Context, cfg models.TableConfig, direction models.SyncDirection, dst *database.Endpoint, plan convPlan, columns []string, srcRow *models.Row, stats *models.TableStats) {
	pk, ok := srcRow.Get(cfg.PrimaryKey)
	if !ok || pk == nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s: source row without a %s value, skipped", cfg.Name, cfg.PrimaryKey)
		return
	}

	dstRow, err := fetchRowByKey(ctx, dst, cfg, columns, pk)
	if err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: destination lookup failed: %v", cfg.Name, pk, err)
		return
	}

	adapted, err := t.adaptRow(srcRow, plan)
	if err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: value conversion failed: %v", cfg.Name, pk, err)
		return
	}

	if dstRow == nil {
		// A key present on only one side is always an insert, never a conflict.
		if err := insertRow(ctx, dst, cfg, adapted); err != nil {
			stats.Errors++
			log.Printf("❌ [SYNC] %s/%v: insert on %s failed: %v", cfg.Name, pk, dst.Name(), err)
			return
		}
		stats.RecordsSynced++
		return
	}

	sv := srcRow.Version(cfg.VersionColumn)
	dv := dstRow.Version(cfg.VersionColumn)
	payloadEqual := adapted.Equal(dstRow, cfg.TimestampColumn, cfg.VersionColumn)
	switch {
	case sv == dv && payloadEqual:
		// Identical on both sides, nothing to do.
	case cfg.Strategy == models.StrategyManual && !payloadEqual:
		// MANUAL tables never auto-apply a differing payload, no matter which
		// side carries the higher version; the operator reviews every one.
		t.resolveDivergence(ctx, cfg, direction, dst, plan, srcRow, adapted, dstRow, pk, stats)
	case sv > dv:
		if err := updateRow(ctx, dst, cfg, dstRow, adapted); err != nil {
			stats.Errors++
			log.Printf("❌ [SYNC] %s/%v: update on %s failed: %v", cfg.Name, pk, dst.Name(), err)
			return
		}
		stats.RecordsSynced++
	case payloadEqual:
		// Only the version counters drifted; the higher one propagates on the
		// opposite pass, there is nothing to reconcile.
	default:
		// Destination newer, or same version with a differing payload. Either
		// way the replicas diverged and the strategy decides.
		t.resolveDivergence(ctx, cfg, direction, dst, plan, srcRow, adapted, dstRow, pk, stats)
	}
}

func (t *TableSyncer) resolveDivergence(ctx context.Context, cfg models.TableConfig, direction models.SyncDirection, dst *database.Endpoint, plan convPlan, srcRow, adaptedSrc, dstRow *models.Row, pk interface{}, stats *models.TableStats) {
	srcIsRemote := direction == models.DirectionRemoteToLocal
	localRow, remoteRow := dstRow, srcRow
	if !srcIsRemote {
		localRow, remoteRow = srcRow, dstRow
	}

	switch cfg.Strategy {
	case models.StrategyManual:
		c := buildConflict(cfg, keyString(pk), localRow, remoteRow)
		if err := t.conflicts.Register(ctx, c); err != nil {
			stats.Errors++
			log.Printf("❌ [SYNC] %s/%v: registering conflict failed: %v", cfg.Name, pk, err)
			return
		}
		stats.Conflicts++
		log.Printf("⚠️ [SYNC] %s/%v: divergence recorded for manual resolution (local v%d, remote v%d)",
			cfg.Name, pk, c.LocalVersion, c.RemoteVersion)

	case models.StrategyAppendOnly:
		t.mergeAppendOnly(ctx, cfg, direction, dst, plan, srcRow, adaptedSrc, dstRow, pk, stats)

	default:
		_, remoteWon := Decide(cfg.Strategy, cfg, localRow, remoteRow)
		stats.Conflicts++
		if remoteWon == srcIsRemote {
			if err := updateRow(ctx, dst, cfg, dstRow, adaptedSrc); err != nil {
				stats.Errors++
				log.Printf("❌ [SYNC] %s/%v: conflict overwrite on %s failed: %v", cfg.Name, pk, dst.Name(), err)
				return
			}
			stats.RecordsSynced++
		}
		// When the destination row won, the opposite pass realigns the source.
	}
}

// mergeAppendOnly settles an append-only divergence: both original rows stay
// untouched and one synthesized merge row is inserted into both endpoints,
// each side in its own native representation, recorded as an already-resolved
// conflict so the same divergence is never merged twice.
func (t *TableSyncer) mergeAppendOnly(ctx context.Context, cfg models.TableConfig, direction models.SyncDirection, dst *database.Endpoint, plan convPlan, srcRow, adaptedSrc, dstRow *models.Row, pk interface{}, stats *models.TableStats) {
	srcIsRemote := direction == models.DirectionRemoteToLocal
	localRow, remoteRow := dstRow, srcRow
	mergeLocal, mergeRemote := dstRow, adaptedSrc
	if !srcIsRemote {
		localRow, remoteRow = srcRow, dstRow
		mergeLocal, mergeRemote = adaptedSrc, dstRow
	}

	recordID := keyString(pk)
	lv := localRow.Version(cfg.VersionColumn)
	rv := remoteRow.Version(cfg.VersionColumn)

	done, err := t.conflicts.HasResolvedMerge(ctx, cfg.Name, recordID, lv, rv)
	if err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: merge lookup failed: %v", cfg.Name, pk, err)
		return
	}
	if done {
		return
	}

	key, err := nextMergeKey(ctx, t.local, t.remote, cfg, pk)
	if err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: choosing merge key failed: %v", cfg.Name, pk, err)
		return
	}

	// Merge in the destination's representation (both candidates already are),
	// then translate back for the source endpoint.
	merged := MergeRows(cfg, mergeLocal, mergeRemote, key)
	srcMerged, err := t.adaptRow(merged, invertPlan(plan))
	if err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: converting merge row failed: %v", cfg.Name, pk, err)
		return
	}
	src := t.local
	if dst == t.local {
		src = t.remote
	}
	if err := insertRow(ctx, dst, cfg, merged); err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: inserting merge row on %s failed: %v", cfg.Name, pk, dst.Name(), err)
		return
	}
	if err := insertRow(ctx, src, cfg, srcMerged); err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: inserting merge row on %s failed: %v", cfg.Name, pk, src.Name(), err)
		return
	}

	now := time.Now()
	by := "append_only"
	resolution, err := merged.JSON()
	if err != nil {
		stats.Errors++
		return
	}
	c := buildConflict(cfg, recordID, localRow, remoteRow)
	c.ResolvedAt = &now
	c.ResolvedBy = &by
	c.ResolutionData = resolution
	if err := t.conflicts.RecordResolved(ctx, c); err != nil {
		stats.Errors++
		log.Printf("❌ [SYNC] %s/%v: recording merge failed: %v", cfg.Name, pk, err)
		return
	}
	stats.Conflicts++
	stats.RecordsSynced++
	log.Printf("🧩 [SYNC] %s/%v: divergence merged into new row %v", cfg.Name, pk, key)
}

func buildConflict(cfg models.TableConfig, recordID string, localRow, remoteRow *models.Row) *models.SyncConflict {
	localJSON, _ := localRow.JSON()
	remoteJSON, _ := remoteRow.JSON()
	return &models.SyncConflict{
		Table:              cfg.Name,
		RecordID:           recordID,
		LocalData:          localJSON,
		RemoteData:         remoteJSON,
		LocalVersion:       localRow.Version(cfg.VersionColumn),
		RemoteVersion:      remoteRow.Version(cfg.VersionColumn),
		LocalModified:      localRow.Modified(cfg.TimestampColumn),
		RemoteModified:     remoteRow.Modified(cfg.TimestampColumn),
		ResolutionStrategy: cfg.Strategy,
	}
}
