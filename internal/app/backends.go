// Package app opens the infrastructure selected by configuration and builds
// the stores, locks and queues the binaries share.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/geo"
	"github.com/radiusdt/vector-attribution/internal/lock"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/queue"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Backends holds opened connections and everything built on them. Optional
// parts are nil when disabled.
type Backends struct {
	Stores   *storage.Stores
	Outcomes storage.RequestOutcomeStore
	Dedup    storage.DedupIndex
	Locker   lock.Locker
	Archive  storage.EventArchive
	Geo      geo.Provider

	Postgres   *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB

	logger  *zap.Logger
	closers []func()
}

// Open connects every backend the configuration enables. On error anything
// already opened is closed again.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backends, error) {
	b := &Backends{logger: logger}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	// Primary store
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.Postgres = db
		b.closers = append(b.closers, db.Close)
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, storage.SchemaDDL...); err != nil {
				return nil, err
			}
		}
		b.Stores = storage.NewPostgresStores(db.Pool)
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		b.Stores = storage.NewInMemoryStores()
	}

	// Redis: locks, dedup index, request outcomes
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.Redis = rdb
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.Locker = lock.NewRedisLocker(rdb.Client, "vector:lock:")
		b.Dedup = storage.NewRedisDedupIndex(rdb.Client, cfg.Redis.DedupTTL)
		b.Outcomes = storage.NewRedisOutcomeStore(rdb.Client, cfg.Health.OutcomeTTL)
	} else {
		b.Locker = lock.NewMemoryLocker()
		b.Dedup = storage.NewInMemoryDedupIndex()
		b.Outcomes = storage.NewInMemoryOutcomeStore(cfg.Health.OutcomeTTL)
	}

	// ClickHouse archive
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		b.ClickHouse = ch
		b.closers = append(b.closers, func() { _ = ch.Close() })
		arch := storage.NewClickHouseArchive(ch.Conn)
		if err := arch.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("init archive schema: %w", err)
		}
		b.Archive = arch
	}

	// GeoIP is best effort
	if cfg.Geo.Enabled {
		p, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("geo lookup disabled", zap.String("path", cfg.Geo.DatabasePath), zap.Error(err))
		} else {
			b.Geo = p
			b.closers = append(b.closers, func() { _ = p.Close() })
		}
	}

	ok = true
	return b, nil
}

// NewQueue builds the job queue named by cfg.Queue.Driver.
func (b *Backends) NewQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		if b.Redis == nil {
			return nil, fmt.Errorf("redis queue requires redis")
		}
		q, err := queue.NewRedisQueue(ctx, b.Redis.Client, queue.RedisStreamConfig{
			Stream:       cfg.Queue.Stream,
			Group:        cfg.Queue.Group,
			Consumer:     cfg.Queue.Consumer,
			Block:        cfg.Queue.Block,
			ClaimMinIdle: cfg.Queue.ClaimMinIdle,
		}, b.logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "sqs":
		client, err := queue.NewSQSClient(ctx, cfg.SQS, b.logger)
		if err != nil {
			return nil, err
		}
		return queue.NewSQSQueue(client, cfg.SQS, b.logger), nil
	default:
		return queue.NewMemoryQueue(cfg.Queue.MemoryBuffer), nil
	}
}

// ReportDBStats publishes pool statistics until ctx is done.
func (b *Backends) ReportDBStats(ctx context.Context, m *metrics.Metrics, every time.Duration) {
	if b.Postgres == nil || m == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := b.Postgres.Pool.Stat()
			m.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
		case <-ctx.Done():
			return
		}
	}
}

// Checks returns a ping per opened connection, keyed by backend name.
func (b *Backends) Checks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if b.Postgres != nil {
		checks["postgres"] = b.Postgres.Health
	}
	if b.Redis != nil {
		checks["redis"] = b.Redis.Health
	}
	if b.ClickHouse != nil {
		checks["clickhouse"] = b.ClickHouse.Health
	}
	return checks
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
