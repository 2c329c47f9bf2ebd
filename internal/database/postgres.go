package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/config"
	"go.uber.org/zap"
)

// migrateLockID serializes schema setup across replicas starting together.
const migrateLockID int64 = 0x7665637461747472

// PostgresDB owns the pool shared by the event, attribution and metric stores.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.ConnConfig.RuntimeParams["application_name"] = "vector-attribution"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres %s:%d: ping: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("postgres ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// Migrate runs the DDL in one transaction under an advisory lock. The
// statements must be idempotent.
func (db *PostgresDB) Migrate(ctx context.Context, ddl ...string) error {
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		for i, stmt := range ddl {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	db.logger.Info("postgres schema applied", zap.Int("statements", len(ddl)))
	return nil
}

// Health is the readiness check.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *PostgresDB) Close() {
	if db == nil || db.Pool == nil {
		return
	}
	st := db.Pool.Stat()
	db.Pool.Close()
	db.logger.Info("postgres pool closed",
		zap.Int32("total_conns", st.TotalConns()),
		zap.Int64("acquire_count", st.AcquireCount()),
	)
}
