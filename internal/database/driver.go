package database

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Driver selects the relational engine behind an endpoint. An explicit enum,
// resolved in one place, instead of dispatching on free-form strings.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

func ParseDriver(s string) (Driver, error) {
	switch Driver(s) {
	case DriverMySQL, DriverPostgres, DriverSQLite:
		return Driver(s), nil
	case "":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unknown database driver %q", s)
	}
}

// Portable reports whether the driver stores the flattened value
// representations (seconds, ISO-8601 text, 0/1) instead of native SQL types.
func (d Driver) Portable() bool { return d == DriverSQLite }

// EndpointConfig is the plain credential/config struct handed in by the
// credential provider. Decryption happens outside the engine.
type EndpointConfig struct {
	Name     string // "local" or "remote", used in logs
	Driver   Driver
	Host     string
	Port     int
	User     string
	Password string
	Database string // database name; for sqlite the DSN/path itself
	SSLMode  string // postgres only

	PoolSize       int // dedicated connections held by the pool
	AcquireTimeout int // seconds
	HealthInterval int // seconds
}

func (c EndpointConfig) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Database)
		return mysql.Open(dsn), nil
	case DriverPostgres:
		sslmode := c.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.Database, sslmode)
		return postgres.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(c.Database), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", c.Driver)
	}
}
