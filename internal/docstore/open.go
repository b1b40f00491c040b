package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Store is a Client that can be health-checked and closed.
type Store interface {
	Client
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the document store selected by driver. dsn is only used by
// the postgres driver, whose schema is created when missing.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch driver {
	case DriverMemory:
		logger.Warn("using the in-memory document store, data is lost on restart")
		return NewMemory(), nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("docstore: open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		store := NewPostgres(db, logger)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("docstore: ping postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("database connection established")
		return store, nil
	default:
		return nil, fmt.Errorf("docstore: unknown driver %q", driver)
	}
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
