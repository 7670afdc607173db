// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"dbsync-service/internal/database"
	"dbsync-service/pkg/models"
)

type Config struct {
	ServerPort string

	// Endpoints
	Local  database.EndpointConfig
	Remote database.EndpointConfig

	// Sync
	Tables              []models.TableConfig
	SyncWorkers         int
	AutoSync            bool
	SyncIntervalSeconds int

	// Auth
	ServiceExpectedToken string
}

func Load() *Config {
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load() // optional .env for local
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	tables, err := ParseTables(getEnv("SYNC_TABLES", ""))
	if err != nil {
		log.Fatalf("❌ Invalid SYNC_TABLES: %v", err)
	}

	return &Config{
		ServerPort: port,

		// The local replica keeps the tighter timings of the two: it answers
		// fast or something is genuinely wrong on this machine.
		Local: loadEndpoint("local", "DB_LOCAL", database.EndpointConfig{
			Driver:         database.DriverMySQL,
			Host:           "localhost",
			Port:           3306,
			PoolSize:       5,
			AcquireTimeout: 30,
			HealthInterval: 60,
		}),
		Remote: loadEndpoint("remote", "DB_REMOTE", database.EndpointConfig{
			Driver:         database.DriverMySQL,
			Host:           "localhost",
			Port:           3306,
			PoolSize:       3,
			AcquireTimeout: 45,
			HealthInterval: 120,
		}),

		Tables:              tables,
		SyncWorkers:         getEnvInt("SYNC_WORKERS", 4),
		AutoSync:            getEnvBool("SYNC_AUTO", false),
		SyncIntervalSeconds: getEnvInt("SYNC_INTERVAL_SECONDS", 300),

		ServiceExpectedToken: getEnv("SERVICE_TOKEN", "your-secret-service-token"),
	}
}

func loadEndpoint(name, prefix string, defaults database.EndpointConfig) database.EndpointConfig {
	driver, err := database.ParseDriver(getEnv(prefix+"_DRIVER", string(defaults.Driver)))
	if err != nil {
		log.Fatalf("❌ Invalid %s_DRIVER: %v", prefix, err)
	}
	return database.EndpointConfig{
		Name:           name,
		Driver:         driver,
		Host:           getEnv(prefix+"_HOST", defaults.Host),
		Port:           getEnvInt(prefix+"_PORT", defaults.Port),
		User:           getEnv(prefix+"_USER", "root"),
		Password:       os.Getenv(prefix + "_PASS"),
		Database:       getEnv(prefix+"_NAME", "app_db"),
		SSLMode:        getEnv(prefix+"_SSLMODE", "disable"),
		PoolSize:       getEnvInt(prefix+"_POOL_SIZE", defaults.PoolSize),
		AcquireTimeout: getEnvInt(prefix+"_ACQUIRE_TIMEOUT", defaults.AcquireTimeout),
		HealthInterval: getEnvInt(prefix+"_HEALTH_INTERVAL", defaults.HealthInterval),
	}
}

// ParseTables reads the SYNC_TABLES enrollment list. Each comma-separated
// entry is "table", "table:strategy" or "table:strategy:pk;version;timestamp"
// (the third segment overrides the conventional control column names).
//
//	SYNC_TABLES=orders:newest_wins,notes:append_only,customers
func ParseTables(raw string) ([]models.TableConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var tables []models.TableConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		cfg := models.NewTableConfig(parts[0])
		if len(parts) > 1 && parts[1] != "" {
			strategy, err := models.ParseStrategy(parts[1])
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", parts[0], err)
			}
			cfg.Strategy = strategy
		}
		if len(parts) > 2 && parts[2] != "" {
			cols := strings.Split(parts[2], ";")
			if len(cols) != 3 {
				return nil, fmt.Errorf("table %s: control columns must be pk;version;timestamp", parts[0])
			}
			cfg.PrimaryKey = strings.TrimSpace(cols[0])
			cfg.VersionColumn = strings.TrimSpace(cols[1])
			cfg.TimestampColumn = strings.TrimSpace(cols[2])
		}
		tables = append(tables, cfg)
	}
	return tables, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("❌ Invalid %s: %v", key, err)
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Fatalf("❌ Invalid %s: %v", key, err)
	}
	return b
}
