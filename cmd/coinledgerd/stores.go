package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverRedis    = "redis"
	driverMemory   = "memory"

	sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// storeBackend is what every store implementation offers the daemon.
type storeBackend interface {
	ledger.AccountStore
	ledger.EventStore
	ledger.ReservationStore
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg *runtimeConfig) (storeBackend, string, error) {
	driver, location, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}
	switch driver {
	case driverPostgres:
		if cfg.PostgresDriver == postgresDriverPGX {
			store, err := openPGXStore(ctx, location)
			return store, driver + "/" + postgresDriverPGX, err
		}
		store, err := openGormStore(ctx, postgres.Open(location))
		return store, driver + "/" + postgresDriverGorm, err
	case driverSQLite:
		store, err := openGormStore(ctx, sqlite.Open(location+sqlitePragmas))
		return store, driver, err
	case driverRedis:
		store, err := openRedisStore(ctx, location, cfg)
		return store, driver, err
	default:
		return memstore.New(), driverMemory, nil
	}
}

func openGormStore(ctx context.Context, dialector gorm.Dialector) (storeBackend, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		closeGormDB(db)
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return gormstore.New(db), nil
}

func closeGormDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func openPGXStore(ctx context.Context, dsn string) (storeBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func openRedisStore(ctx context.Context, location string, cfg *runtimeConfig) (storeBackend, error) {
	options, err := redis.ParseURL(location)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.ReadTimeout = cfg.StoreTimeout
	options.WriteTimeout = cfg.StoreTimeout
	client := redis.NewClient(options)
	store := redisstore.New(client, redisstore.WithEventRetention(cfg.Retention))
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return store, nil
}

// resolveDriver maps a database URL to a driver name and the location that driver opens.
func resolveDriver(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return driverRedis, dsn, nil
	case strings.HasPrefix(dsn, "memory://"):
		return driverMemory, "", nil
	case strings.HasPrefix(dsn, "sqlite://"):
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "coinledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
