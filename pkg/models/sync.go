package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SyncDirection controls which replica feeds which.
type SyncDirection string

const (
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
	DirectionBidirectional SyncDirection = "bidirectional"
)

func ParseDirection(s string) (SyncDirection, error) {
	switch SyncDirection(s) {
	case DirectionLocalToRemote, DirectionRemoteToLocal, DirectionBidirectional:
		return SyncDirection(s), nil
	case "":
		return DirectionBidirectional, nil
	default:
		return "", fmt.Errorf("unknown sync direction %q", s)
	}
}

// ConflictStrategy decides what happens when both replicas changed the same key.
type ConflictStrategy string

const (
	StrategyRemoteWins ConflictStrategy = "remote_wins"
	StrategyLocalWins  ConflictStrategy = "local_wins"
	StrategyNewestWins ConflictStrategy = "newest_wins"
	StrategyManual     ConflictStrategy = "manual"
	StrategyAppendOnly ConflictStrategy = "append_only"
)

func ParseStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case StrategyRemoteWins, StrategyLocalWins, StrategyNewestWins, StrategyManual, StrategyAppendOnly:
		return ConflictStrategy(s), nil
	case "":
		return StrategyRemoteWins, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

type SyncOperation string

const (
	OpInsert SyncOperation = "INSERT"
	OpUpdate SyncOperation = "UPDATE"
	OpDelete SyncOperation = "DELETE"
)

type SyncStatus string

const (
	StatusPending  SyncStatus = "PENDING"
	StatusSynced   SyncStatus = "SYNCED"
	StatusConflict SyncStatus = "CONFLICT"
	StatusError    SyncStatus = "ERROR"
)

// RunState is the per-run state machine of the orchestrator.
type RunState string

const (
	RunIdle                RunState = "idle"
	RunRunning             RunState = "running"
	RunCompleted           RunState = "completed"
	RunCompletedWithErrors RunState = "completed_with_errors"
	RunAborted             RunState = "aborted"
)

// TableConfig enrolls one table for synchronization.
type TableConfig struct {
	Name            string           `json:"name"`
	PrimaryKey      string           `json:"primary_key"`
	VersionColumn   string           `json:"version_column"`
	TimestampColumn string           `json:"timestamp_column"`
	Strategy        ConflictStrategy `json:"conflict_strategy"`
	// SyncColumns restricts the synced payload; empty means every column.
	SyncColumns []string `json:"sync_columns,omitempty"`
}

// NewTableConfig returns an enrollment with the conventional column names.
func NewTableConfig(name string) TableConfig {
	return TableConfig{
		Name:            name,
		PrimaryKey:      "id",
		VersionColumn:   "version",
		TimestampColumn: "last_modified",
		Strategy:        StrategyRemoteWins,
	}
}

// Normalize fills the defaults for any field left zero.
func (c TableConfig) Normalize() TableConfig {
	if c.PrimaryKey == "" {
		c.PrimaryKey = "id"
	}
	if c.VersionColumn == "" {
		c.VersionColumn = "version"
	}
	if c.TimestampColumn == "" {
		c.TimestampColumn = "last_modified"
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRemoteWins
	}
	return c
}

// ControlColumns are the columns the engine owns on every enrolled table.
func (c TableConfig) ControlColumns() []string {
	return []string{c.PrimaryKey, c.VersionColumn, c.TimestampColumn}
}

// SyncLogEntry is one line of the append-only audit trail. Entries are written
// in the same transaction as the mutation they describe and never updated.
type SyncLogEntry struct {
	ID         uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Table      string         `json:"table_name" gorm:"column:table_name;type:varchar(255);index;not null"`
	RecordID   string         `json:"record_id" gorm:"type:varchar(255);index;not null"`
	Operation  SyncOperation  `json:"operation" gorm:"type:varchar(10);not null"`
	OldData    datatypes.JSON `json:"old_data,omitempty"`
	NewData    datatypes.JSON `json:"new_data,omitempty"`
	Version    int64          `json:"version"`
	SyncStatus SyncStatus     `json:"sync_status" gorm:"type:varchar(10);not null;default:'PENDING'"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (SyncLogEntry) TableName() string { return "sync_log" }

// SyncConflict records a detected divergence. It is created by the syncer and
// mutated only by an explicit resolution.
type SyncConflict struct {
	ID                 uint             `json:"id" gorm:"primaryKey;autoIncrement"`
	Table              string           `json:"table_name" gorm:"column:table_name;type:varchar(255);index;not null"`
	RecordID           string           `json:"record_id" gorm:"type:varchar(255);index;not null"`
	LocalData          datatypes.JSON   `json:"local_data"`
	RemoteData         datatypes.JSON   `json:"remote_data"`
	LocalVersion       int64            `json:"local_version"`
	RemoteVersion      int64            `json:"remote_version"`
	LocalModified      time.Time        `json:"local_modified"`
	RemoteModified     time.Time        `json:"remote_modified"`
	ResolutionStrategy ConflictStrategy `json:"resolution_strategy" gorm:"type:varchar(20);not null"`
	CreatedAt          time.Time        `json:"created_at"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy         *string          `json:"resolved_by,omitempty" gorm:"type:varchar(255)"`
	ResolutionData     datatypes.JSON   `json:"resolution_data,omitempty"`
}

func (SyncConflict) TableName() string { return "sync_conflicts" }

func (c *SyncConflict) Resolved() bool { return c.ResolvedAt != nil }

// SyncMetadata is the key/value checkpoint store; `last_sync` scopes the
// incremental queries of the next run.
type SyncMetadata struct {
	KeyName   string    `json:"key_name" gorm:"column:key_name;primaryKey;type:varchar(255)"`
	Value     string    `json:"value" gorm:"type:text"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SyncMetadata) TableName() string { return "sync_metadata" }

const MetaLastSync = "last_sync"

// TableStats is the outcome of one table in one direction.
type TableStats struct {
	RecordsSynced int    `json:"records_synced"`
	Conflicts     int    `json:"conflicts"`
	Errors        int    `json:"errors"`
	Error         string `json:"error,omitempty"`
}

func (s *TableStats) Add(o TableStats) {
	s.RecordsSynced += o.RecordsSynced
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
}

// SyncStats aggregates one synchronize() run.
type SyncStats struct {
	RunID           string                                  `json:"run_id"`
	Direction       SyncDirection                           `json:"direction"`
	State           RunState                                `json:"state"`
	StartTime       time.Time                               `json:"start_time"`
	EndTime         time.Time                               `json:"end_time"`
	DurationSeconds float64                                 `json:"duration_seconds"`
	TablesSynced    int                                     `json:"tables_synced"`
	RecordsSynced   int                                     `json:"records_synced"`
	Conflicts       int                                     `json:"conflicts"`
	Errors          int                                     `json:"errors"`
	Tables          map[string]map[SyncDirection]TableStats `json:"tables"`
}

func NewSyncStats(runID string, direction SyncDirection) *SyncStats {
	return &SyncStats{
		RunID:     runID,
		Direction: direction,
		State:     RunRunning,
		StartTime: time.Now(),
		Tables:    make(map[string]map[SyncDirection]TableStats),
	}
}

// Record folds one table pass into the aggregate.
func (s *SyncStats) Record(direction SyncDirection, table string, ts TableStats) {
	if s.Tables[table] == nil {
		s.Tables[table] = make(map[SyncDirection]TableStats)
	}
	s.Tables[table][direction] = ts
	s.TablesSynced++
	s.RecordsSynced += ts.RecordsSynced
	s.Conflicts += ts.Conflicts
	s.Errors += ts.Errors
}

// Finish stamps the end of the run and settles the final state.
func (s *SyncStats) Finish() {
	s.EndTime = time.Now()
	s.DurationSeconds = s.EndTime.Sub(s.StartTime).Seconds()
	if s.State != RunAborted {
		if s.Errors > 0 {
			s.State = RunCompletedWithErrors
		} else {
			s.State = RunCompleted
		}
	}
}
