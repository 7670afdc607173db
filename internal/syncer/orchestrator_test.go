package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dbsync-service/internal/database"
	"dbsync-service/internal/store"
	"dbsync-service/pkg/models"
)

var dsnSeq atomic.Int64

func newEndpoint(t *testing.T, name string) *database.Endpoint {
	t.Helper()
	dsn := fmt.Sprintf("file:sync_%s_%d?mode=memory&cache=shared", name, dsnSeq.Add(1))
	ep, err := database.Open(database.EndpointConfig{
		Name:           name,
		Driver:         database.DriverSQLite,
		Database:       dsn,
		PoolSize:       2,
		AcquireTimeout: 5,
		HealthInterval: 3600,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

var itemColumns = []string{"id", "name", "qty", "version", "last_modified"}

func createItems(t *testing.T, eps ...*database.Endpoint) {
	t.Helper()
	for _, ep := range eps {
		require.NoError(t, ep.WithConn(context.Background(), func(tx *gorm.DB) error {
			return tx.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER, version INTEGER, last_modified DATETIME)").Error
		}))
	}
}

func seedItem(t *testing.T, ep *database.Endpoint, id int64, name string, qty int, version int64, modified time.Time) {
	t.Helper()
	require.NoError(t, ep.WithConn(context.Background(), func(tx *gorm.DB) error {
		return tx.Table("items").Create(map[string]interface{}{
			"id": id, "name": name, "qty": qty, "version": version, "last_modified": modified,
		}).Error
	}))
}

func fetchItems(t *testing.T, ep *database.Endpoint) map[int64]*models.Row {
	t.Helper()
	var results []map[string]interface{}
	require.NoError(t, ep.WithConn(context.Background(), func(tx *gorm.DB) error {
		return tx.Table("items").Select(itemColumns).Find(&results).Error
	}))
	out := make(map[int64]*models.Row, len(results))
	for _, m := range results {
		out[models.ToInt64(m["id"])] = models.RowFromMap(itemColumns, m)
	}
	return out
}

func newOrch(local, remote *database.Endpoint, strategy models.ConflictStrategy) *Orchestrator {
	cfg := models.NewTableConfig("items")
	cfg.Strategy = strategy
	return New(Options{Local: local, Remote: remote, Tables: []models.TableConfig{cfg}, Workers: 2})
}

func TestSynchronizeInsertsMissingRows(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	seeded := time.Now().Add(-time.Minute)
	for i := int64(1); i <= 3; i++ {
		seedItem(t, remote, i, fmt.Sprintf("item-%d", i), int(i)*10, 1, seeded)
	}
	seedItem(t, local, 9, "local-only", 5, 1, seeded)

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	ctx := context.Background()

	stats, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stats.State)
	assert.Equal(t, 4, stats.RecordsSynced, "3 pulled down, 1 pushed up")
	assert.Zero(t, stats.Conflicts)
	assert.Zero(t, stats.Errors)

	localRows := fetchItems(t, local)
	remoteRows := fetchItems(t, remote)
	assert.Len(t, localRows, 4)
	assert.Len(t, remoteRows, 4)
	for id, row := range localRows {
		assert.True(t, row.Equal(remoteRows[id], "last_modified"), "row %d diverged", id)
	}

	// The run is idempotent: the next one moves nothing.
	stats, err = orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stats.State)
	assert.Zero(t, stats.RecordsSynced)
	assert.Zero(t, stats.Conflicts)
}

func TestSynchronizeAdvancesCheckpoint(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	ctx := context.Background()

	_, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)

	for _, ep := range []*database.Endpoint{local, remote} {
		last, err := store.NewMetadataStore(ep).LastSync(ctx)
		require.NoError(t, err)
		assert.False(t, last.IsZero(), "checkpoint missing on %s", ep.Name())
	}
}

func TestSynchronizeOneWayLeavesSourceAlone(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	seeded := time.Now().Add(-time.Minute)
	seedItem(t, local, 1, "only-local", 1, 1, seeded)

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	stats, err := orch.Synchronize(context.Background(), models.DirectionLocalToRemote)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsSynced)

	assert.Len(t, fetchItems(t, remote), 1)
	assert.Len(t, fetchItems(t, local), 1)
}

func TestNewestWinsConverges(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	now := time.Now().Add(-time.Minute)
	seedItem(t, local, 1, "local-edit", 10, 3, now)
	seedItem(t, remote, 1, "remote-edit", 20, 2, now.Add(-time.Second))

	orch := newOrch(local, remote, models.StrategyNewestWins)
	stats, err := orch.Synchronize(context.Background(), models.DirectionBidirectional)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Conflicts, 1)
	assert.Zero(t, stats.Errors)

	localRow := fetchItems(t, local)[1]
	remoteRow := fetchItems(t, remote)[1]
	require.NotNil(t, localRow)
	require.NotNil(t, remoteRow)

	name, _ := remoteRow.Get("name")
	assert.Equal(t, "local-edit", name, "higher version must win on both sides")
	assert.Equal(t, int64(3), remoteRow.Version("version"))
	assert.True(t, localRow.Equal(remoteRow, "last_modified"))
}

func TestManualConflictIsRecordedNotApplied(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	now := time.Now().Add(-time.Minute)
	seedItem(t, local, 5, "local-edit", 1, 1, now)
	seedItem(t, remote, 5, "remote-edit", 2, 2, now)

	orch := newOrch(local, remote, models.StrategyManual)
	ctx := context.Background()

	stats, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Conflicts, 1)

	// Neither side was touched, not even the side with the lower version.
	name, _ := fetchItems(t, local)[5].Get("name")
	assert.Equal(t, "local-edit", name)
	name, _ = fetchItems(t, remote)[5].Get("name")
	assert.Equal(t, "remote-edit", name)

	// Exactly one conflict stays open no matter how many passes saw it.
	pending, err := orch.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c := pending[0]
	assert.Equal(t, "items", c.Table)
	assert.Equal(t, "5", c.RecordID)
	assert.Equal(t, int64(1), c.LocalVersion)
	assert.Equal(t, int64(2), c.RemoteVersion)

	// A second run must not duplicate it.
	_, err = orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	pending, err = orch.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestManualVersionDriftWithEqualPayloadPropagates(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	// Same payload on both sides, only the version counters drifted. Even a
	// manual table has nothing here for an operator to review.
	now := time.Now().Add(-time.Minute)
	seedItem(t, local, 7, "same", 4, 2, now)
	seedItem(t, remote, 7, "same", 4, 1, now)

	orch := newOrch(local, remote, models.StrategyManual)
	ctx := context.Background()

	stats, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.Zero(t, stats.Conflicts)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 1, stats.RecordsSynced, "the higher version number propagates")

	pending, err := orch.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, int64(2), fetchItems(t, local)[7].Version("version"))
	assert.Equal(t, int64(2), fetchItems(t, remote)[7].Version("version"))
}

func TestManualResolutionWritesBothSides(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	now := time.Now().Add(-time.Minute)
	seedItem(t, local, 5, "local-edit", 1, 1, now)
	seedItem(t, remote, 5, "remote-edit", 2, 2, now)

	orch := newOrch(local, remote, models.StrategyManual)
	ctx := context.Background()
	_, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)

	pending, err := orch.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	conflictID := pending[0].ID

	resolved := models.NewRow()
	resolved.Set("name", "operator-pick")
	resolved.Set("qty", int64(7))
	require.NoError(t, orch.ResolveConflict(ctx, conflictID, resolved, "alice"))

	for _, ep := range []*database.Endpoint{local, remote} {
		row := fetchItems(t, ep)[5]
		require.NotNil(t, row)
		name, _ := row.Get("name")
		assert.Equal(t, "operator-pick", name, ep.Name())
		assert.Equal(t, int64(3), row.Version("version"), "resolved version must exceed both candidates")
	}

	pending, err = orch.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Resolving twice is an error, not a silent overwrite.
	assert.Error(t, orch.ResolveConflict(ctx, conflictID, resolved, "alice"))
}

func TestAppendOnlyMergesOnceAndKeepsOriginals(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	now := time.Now().Add(-time.Minute)
	seedItem(t, local, 1, "local text", 3, 2, now)
	seedItem(t, remote, 1, "remote text", 3, 2, now)

	orch := newOrch(local, remote, models.StrategyAppendOnly)
	ctx := context.Background()

	stats, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Zero(t, stats.Errors)

	for _, ep := range []*database.Endpoint{local, remote} {
		rows := fetchItems(t, ep)
		require.Len(t, rows, 2, "original plus merge row on %s", ep.Name())

		merged := rows[2]
		require.NotNil(t, merged, "merge row gets the next free key")
		name, _ := merged.Get("name")
		assert.Equal(t, "MERGE: local text + remote text", name)
		assert.Equal(t, int64(3), merged.Version("version"))
	}

	// Originals stay divergent and untouched.
	name, _ := fetchItems(t, local)[1].Get("name")
	assert.Equal(t, "local text", name)
	name, _ = fetchItems(t, remote)[1].Get("name")
	assert.Equal(t, "remote text", name)

	// Re-running must not synthesize a second merge row.
	_, err = orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	assert.Len(t, fetchItems(t, local), 2)
	assert.Len(t, fetchItems(t, remote), 2)
}

// Exercises the stats read path concurrently with a run; meaningful under the
// race detector.
func TestStatsReadableWhileRunning(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	seeded := time.Now().Add(-time.Minute)
	for i := int64(1); i <= 20; i++ {
		seedItem(t, remote, i, fmt.Sprintf("item-%d", i), int(i), 1, seeded)
	}

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s := orch.LastStats(); s != nil {
				_ = s.State
				_ = s.DurationSeconds
			}
			_ = orch.State()
		}
	}()

	_, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	_, err = orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)
	close(stop)
	wg.Wait()

	snap := orch.LastStats()
	require.NotNil(t, snap)
	assert.Equal(t, models.RunCompleted, snap.State)
	assert.False(t, snap.EndTime.IsZero())
}

func TestSynchronizeRejectsOverlap(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	orch.running.Store(true)
	_, err := orch.Synchronize(context.Background(), models.DirectionBidirectional)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	orch.running.Store(false)
	_, err = orch.Synchronize(context.Background(), models.DirectionBidirectional)
	assert.NoError(t, err)
}

func TestSynchronizeAbortsWhenBothEndpointsDown(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	require.NoError(t, local.Close())
	require.NoError(t, remote.Close())

	stats, err := orch.Synchronize(context.Background(), models.DirectionBidirectional)
	require.Error(t, err)
	assert.Equal(t, models.RunAborted, stats.State)
	assert.Equal(t, models.RunAborted, orch.State())
}

func TestMissingTableIsPerTableError(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local) // remote side has no items table

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	stats, err := orch.Synchronize(context.Background(), models.DirectionBidirectional)
	require.NoError(t, err, "a missing table degrades the run, it does not abort it")
	assert.Equal(t, models.RunCompletedWithErrors, stats.State)
	assert.GreaterOrEqual(t, stats.Errors, 1)

	exists := orch.VerifyTablesExist()
	assert.True(t, exists["items"]["local"])
	assert.False(t, exists["items"]["remote"])
	assert.True(t, exists["sync_log"]["remote"])
}

func TestAuditLogCoversAppliedChanges(t *testing.T) {
	local := newEndpoint(t, "local")
	remote := newEndpoint(t, "remote")
	createItems(t, local, remote)

	seedItem(t, remote, 1, "widget", 1, 1, time.Now().Add(-time.Minute))

	orch := newOrch(local, remote, models.StrategyRemoteWins)
	ctx := context.Background()
	_, err := orch.Synchronize(ctx, models.DirectionBidirectional)
	require.NoError(t, err)

	entries, err := orch.RecentLog(ctx, "items", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.OpInsert, entries[0].Operation)
	assert.Equal(t, "1", entries[0].RecordID)
	assert.Equal(t, models.StatusSynced, entries[0].SyncStatus)
}
