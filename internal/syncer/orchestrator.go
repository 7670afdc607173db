package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dbsync-service/internal/convert"
	"dbsync-service/internal/database"
	"dbsync-service/internal/store"
	"dbsync-service/pkg/models"
)

// ErrSyncInProgress is returned when a run is requested while another run is
// still going. Runs never queue or overlap.
var ErrSyncInProgress = errors.New("synchronization already in progress")

const defaultWorkers = 4

// Options wires an Orchestrator. Local and Remote are required; everything
// else has a default.
type Options struct {
	Local   *database.Endpoint
	Remote  *database.Endpoint
	Tables  []models.TableConfig
	Workers int
}

// Orchestrator drives full synchronization runs across every enrolled table
// and owns the run lifecycle: the overlap guard, the checkpoint, the stats of
// the last run and the optional scheduled loop.
type Orchestrator struct {
	local   *database.Endpoint
	remote  *database.Endpoint
	tables  []models.TableConfig
	byName  map[string]models.TableConfig
	workers int

	tableSyncer *TableSyncer
	resolver    *Resolver
	conflicts   *store.ConflictStore
	logStore    *store.SyncLogStore
	localMeta   *store.MetadataStore
	remoteMeta  *store.MetadataStore

	running atomic.Bool

	statsMu   sync.Mutex
	lastStats *models.SyncStats

	autoMu   sync.Mutex
	autoStop chan struct{}
	autoDone chan struct{}
}

func New(opts Options) *Orchestrator {
	tables := make([]models.TableConfig, 0, len(opts.Tables))
	byName := make(map[string]models.TableConfig, len(opts.Tables))
	for _, cfg := range opts.Tables {
		cfg = cfg.Normalize()
		tables = append(tables, cfg)
		byName[cfg.Name] = cfg
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	// Conflicts live on the local endpoint: the operator resolving them sits
	// on the local side and must see them even while the remote is down.
	conflicts := store.NewConflictStore(opts.Local)
	converter := convert.NewConverter()

	return &Orchestrator{
		local:       opts.Local,
		remote:      opts.Remote,
		tables:      tables,
		byName:      byName,
		workers:     workers,
		tableSyncer: NewTableSyncer(opts.Local, opts.Remote, converter, conflicts),
		resolver:    NewResolver(opts.Local, opts.Remote, conflicts, byName),
		conflicts:   conflicts,
		logStore:    store.NewSyncLogStore(opts.Local),
		localMeta:   store.NewMetadataStore(opts.Local),
		remoteMeta:  store.NewMetadataStore(opts.Remote),
	}
}

// passesFor expands a direction into ordered one-way passes. Bidirectional
// pulls the remote side in completely before pushing, so remote changes win
// the race against local ones within the same run.
func passesFor(direction models.SyncDirection) []models.SyncDirection {
	if direction == models.DirectionBidirectional {
		return []models.SyncDirection{models.DirectionRemoteToLocal, models.DirectionLocalToRemote}
	}
	return []models.SyncDirection{direction}
}

// Synchronize executes one run. A second caller gets ErrSyncInProgress while
// the first is still going. The run aborts only when neither endpoint answers
// a ping; any smaller failure is absorbed into the stats.
func (o *Orchestrator) Synchronize(ctx context.Context, direction models.SyncDirection) (*models.SyncStats, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	stats := models.NewSyncStats(uuid.NewString(), direction)
	o.setLastStats(stats)
	log.Printf("🔄 [SYNC] run %s started (%s, %d tables)", stats.RunID, direction, len(o.tables))

	localErr := o.local.Ping(ctx)
	remoteErr := o.remote.Ping(ctx)
	if localErr != nil && remoteErr != nil {
		// The stats pointer is published already; every mutation from here on
		// shares the lock LastStats and State read under.
		o.statsMu.Lock()
		stats.State = models.RunAborted
		stats.Finish()
		o.statsMu.Unlock()
		err := fmt.Errorf("both endpoints unreachable (local: %v; remote: %v)", localErr, remoteErr)
		log.Printf("❌ [SYNC] run %s aborted: %v", stats.RunID, err)
		return stats, err
	}
	if localErr != nil {
		log.Printf("⚠️ [SYNC] local endpoint not answering, run continues: %v", localErr)
	}
	if remoteErr != nil {
		log.Printf("⚠️ [SYNC] remote endpoint not answering, run continues: %v", remoteErr)
	}

	since, err := o.localMeta.LastSync(ctx)
	if err != nil {
		log.Printf("⚠️ [SYNC] unreadable %s checkpoint, falling back to a full scan: %v", models.MetaLastSync, err)
		since = time.Time{}
	}

	for _, pass := range passesFor(direction) {
		o.runPass(ctx, pass, since, stats)
	}

	// The checkpoint advances to the run's start, so changes landing while
	// the run was going are rescanned next time instead of silently skipped.
	if err := o.localMeta.SetLastSync(ctx, stats.StartTime); err != nil {
		log.Printf("⚠️ [SYNC] updating local checkpoint failed: %v", err)
	}
	if err := o.remoteMeta.SetLastSync(ctx, stats.StartTime); err != nil {
		log.Printf("⚠️ [SYNC] updating remote checkpoint failed: %v", err)
	}

	o.statsMu.Lock()
	stats.Finish()
	o.statsMu.Unlock()
	log.Printf("✅ [SYNC] run %s finished: state=%s records=%d conflicts=%d errors=%d (%.2fs)",
		stats.RunID, stats.State, stats.RecordsSynced, stats.Conflicts, stats.Errors, stats.DurationSeconds)
	return stats, nil
}

// runPass syncs every enrolled table in one direction, tables concurrently up
// to the worker limit.
func (o *Orchestrator) runPass(ctx context.Context, direction models.SyncDirection, since time.Time, stats *models.SyncStats) {
	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, cfg := range o.tables {
		cfg := cfg
		g.Go(func() error {
			ts := o.tableSyncer.SyncTable(ctx, cfg, direction, since)
			o.statsMu.Lock()
			stats.Record(direction, cfg.Name, ts)
			o.statsMu.Unlock()
			return nil
		})
	}
	g.Wait() // table failures are carried in stats, never as errors
}

// VerifyTablesExist reports, per endpoint, whether the control tables and
// every enrolled table are present.
func (o *Orchestrator) VerifyTablesExist() map[string]map[string]bool {
	names := []string{
		models.SyncLogEntry{}.TableName(),
		models.SyncConflict{}.TableName(),
		models.SyncMetadata{}.TableName(),
	}
	for _, cfg := range o.tables {
		names = append(names, cfg.Name)
	}
	out := make(map[string]map[string]bool, len(names))
	for _, name := range names {
		out[name] = map[string]bool{
			"local":  o.local.HasTable(name),
			"remote": o.remote.HasTable(name),
		}
	}
	return out
}

// StartAutoSync launches the scheduled bidirectional loop. A tick landing
// while the previous run is still going is skipped, not queued.
func (o *Orchestrator) StartAutoSync(interval time.Duration) error {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if o.autoStop != nil {
		return errors.New("auto-sync already running")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	o.autoStop = make(chan struct{})
	o.autoDone = make(chan struct{})
	go o.autoLoop(interval, o.autoStop, o.autoDone)
	log.Printf("🔄 [SYNC] auto-sync started, every %s", interval)
	return nil
}

func (o *Orchestrator) autoLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, err := o.Synchronize(context.Background(), models.DirectionBidirectional)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				log.Printf("⚠️ [SYNC] scheduled run skipped, previous run still going")
			case err != nil:
				log.Printf("❌ [SYNC] scheduled run failed: %v", err)
			}
		}
	}
}

// StopAutoSync stops the scheduled loop and waits briefly for an in-flight
// run to let go of the goroutine.
func (o *Orchestrator) StopAutoSync() {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if o.autoStop == nil {
		return
	}
	close(o.autoStop)
	select {
	case <-o.autoDone:
	case <-time.After(10 * time.Second):
		log.Printf("⚠️ [SYNC] auto-sync loop did not stop in time")
	}
	o.autoStop, o.autoDone = nil, nil
}

// ResolveConflict applies an operator-supplied row to both endpoints and
// closes the conflict.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID uint, resolved *models.Row, resolvedBy string) error {
	return o.resolver.Resolve(ctx, conflictID, resolved, resolvedBy)
}

func (o *Orchestrator) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	return o.conflicts.ListPending(ctx)
}

func (o *Orchestrator) RecentLog(ctx context.Context, table string, limit int) ([]models.SyncLogEntry, error) {
	return o.logStore.Recent(ctx, table, limit)
}

func (o *Orchestrator) setLastStats(s *models.SyncStats) {
	o.statsMu.Lock()
	o.lastStats = s
	o.statsMu.Unlock()
}

// LastStats returns a snapshot of the most recent run, nil before the first
// one. Safe to call while a run is going.
func (o *Orchestrator) LastStats() *models.SyncStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	if o.lastStats == nil {
		return nil
	}
	snap := *o.lastStats
	snap.Tables = make(map[string]map[models.SyncDirection]models.TableStats, len(o.lastStats.Tables))
	for table, dirs := range o.lastStats.Tables {
		inner := make(map[models.SyncDirection]models.TableStats, len(dirs))
		for dir, ts := range dirs {
			inner[dir] = ts
		}
		snap.Tables[table] = inner
	}
	return &snap
}

// State reports the engine state: running while a run is in flight, otherwise
// the outcome of the last run, idle before the first.
func (o *Orchestrator) State() models.RunState {
	if o.running.Load() {
		return models.RunRunning
	}
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	if o.lastStats == nil {
		return models.RunIdle
	}
	return o.lastStats.State
}

// Tables returns the normalized enrollments.
func (o *Orchestrator) Tables() []models.TableConfig {
	out := make([]models.TableConfig, len(o.tables))
	copy(out, o.tables)
	return out
}

// Close stops the scheduled loop. Endpoints are owned by the caller.
func (o *Orchestrator) Close() {
	o.StopAutoSync()
}
