package app

import (
	"context"
	"fmt"
	"time"

	"vigil/cmd/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store backends reported in logs and /readyz.
const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"
)

// appStore is the storage the watchdog persists into, plus the resources the app owns for it.
type appStore struct {
	storage.Store
	audit   storage.AuditLog
	backend string
	pool    *pgxpool.Pool
}

// durable reports whether state survives a restart.
func (s *appStore) durable() bool { return s.backend != backendMemory }

// Close releases the store and then the pool it borrowed.
func (s *appStore) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore picks the backend: Postgres when a database URL is set, then a
// SQLite file, else the in-memory dev store.
func openStore(ctx context.Context, cfg Config, log Logger) (*appStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		st, err := storage.NewPostgresStore(pool, storage.WithSchema(cfg.DatabaseSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.enabled", "backend", backendPostgres, "schema", cfg.DatabaseSchema)
		return &appStore{Store: st, audit: st, backend: backendPostgres, pool: pool}, nil

	case cfg.SQLitePath != "":
		st, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("store.enabled", "backend", backendSQLite, "path", cfg.SQLitePath)
		return &appStore{Store: st, audit: st, backend: backendSQLite}, nil

	default:
		st := storage.NewMemoryStore()
		log.Warn("store.enabled", "backend", backendMemory, "durable", false)
		return &appStore{Store: st, audit: st, backend: backendMemory}, nil
	}
}

// NewDBPool builds a pgxpool from cfg and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
