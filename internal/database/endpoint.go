package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dbsync-service/pkg/models"
)

// Endpoint is one of the two replicas. It owns the gorm handle, the dedicated
// connection pool, and the sync control tables on that side.
type Endpoint struct {
	name   string
	driver Driver
	gdb    *gorm.DB
	pool   *Pool
}

// Open connects to a replica, migrates the sync control tables and starts the
// connection pool with its health worker.
func Open(cfg EndpointConfig) (*Endpoint, error) {
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: connect: %w", cfg.Name, err)
	}

	if err := gdb.AutoMigrate(&models.SyncLogEntry{}, &models.SyncConflict{}, &models.SyncMetadata{}); err != nil {
		return nil, fmt.Errorf("endpoint %s: migrate control tables: %w", cfg.Name, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: sql handle: %w", cfg.Name, err)
	}
	// Headroom above the dedicated pool for migrations and introspection.
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	sqlDB.SetMaxOpenConns(size + 2)
	sqlDB.SetMaxIdleConns(size)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	pool := NewPool(cfg.Name, sqlDB,
		size,
		time.Duration(cfg.AcquireTimeout)*time.Second,
		time.Duration(cfg.HealthInterval)*time.Second,
	)

	log.Printf("✅ [DB %s] connected (%s) & control tables migrated", cfg.Name, cfg.Driver)
	return &Endpoint{name: cfg.Name, driver: cfg.Driver, gdb: gdb, pool: pool}, nil
}

func (e *Endpoint) Name() string   { return e.name }
func (e *Endpoint) Driver() Driver { return e.driver }
func (e *Endpoint) Pool() *Pool    { return e.pool }

// DB exposes the shared gorm handle for control-table reads that do not need a
// dedicated connection.
func (e *Endpoint) DB() *gorm.DB { return e.gdb }

// WithConn runs fn on a gorm session pinned to one pooled connection. The
// connection is exclusively owned by fn until it returns.
func (e *Endpoint) WithConn(ctx context.Context, fn func(tx *gorm.DB) error) error {
	pc, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Release(pc)

	tx := e.gdb.Session(&gorm.Session{Context: ctx, NewDB: true})
	tx.Statement.ConnPool = pc.Conn()
	return fn(tx)
}

// Transact runs fn inside one transaction on one pooled connection, so a row
// mutation and its audit entry commit or roll back together.
func (e *Endpoint) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return e.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(fn)
	})
}

// Ping probes the endpoint through the pool.
func (e *Endpoint) Ping(ctx context.Context) error {
	return e.WithConn(ctx, func(tx *gorm.DB) error {
		var one int
		return tx.Raw("SELECT 1").Scan(&one).Error
	})
}

// HasTable reports table existence via the dialect's migrator, the portable
// equivalent of an information_schema lookup.
func (e *Endpoint) HasTable(table string) bool {
	return e.gdb.Migrator().HasTable(table)
}

// ColumnInfo describes one column of an enrolled table.
type ColumnInfo struct {
	Name   string
	DBType string
}

// Columns lists the table's columns in declaration order with their database
// type names.
func (e *Endpoint) Columns(table string) ([]ColumnInfo, error) {
	types, err := e.gdb.Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: columns of %s: %w", e.name, table, err)
	}
	out := make([]ColumnInfo, 0, len(types))
	for _, ct := range types {
		out = append(out, ColumnInfo{Name: ct.Name(), DBType: ct.DatabaseTypeName()})
	}
	return out, nil
}

// Close stops the pool and releases the underlying handle.
func (e *Endpoint) Close() error {
	e.pool.Close()
	sqlDB, err := e.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
