package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresMetricStore implements MetricStore using PostgreSQL.
type PostgresMetricStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMetricStore(pool *pgxpool.Pool) *PostgresMetricStore {
	return &PostgresMetricStore{pool: pool}
}

const dailyMetricColumns = `day, episode_id, source, downloads, listeners, conversions, revenue_cents,
	completion_rate, completion_weight, ctr, ctr_weight, contributions`

// UpdatePartition runs fn inside one transaction holding the partition's
// advisory lock.
func (s *PostgresMetricStore) UpdatePartition(ctx context.Context, key models.MetricKey, fn func(p PartitionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "rollup:"+key.PartitionKey()); err != nil {
		return fmt.Errorf("failed to lock partition %s: %w", key, err)
	}

	if err := fn(&pgPartitionTx{tx: tx, key: key}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit partition %s: %w", key, err)
	}
	return nil
}

func (s *PostgresMetricStore) GetDailyMetric(ctx context.Context, key models.MetricKey) (*models.DailyMetric, error) {
	m, err := scanDailyMetric(s.pool.QueryRow(ctx, `
		SELECT `+dailyMetricColumns+` FROM daily_metrics
		WHERE day = $1 AND episode_id = $2 AND source = $3
	`, key.Day, key.EpisodeID, key.Source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily metric: %w", err)
	}
	return m, nil
}

func (s *PostgresMetricStore) ListDailyMetrics(ctx context.Context, filter models.DailyMetricFilter) ([]*models.DailyMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dailyMetricColumns+` FROM daily_metrics
		WHERE ($1 = '' OR day = $1)
		  AND ($2 = '' OR episode_id = $2)
		  AND ($3 = '' OR source = $3)
		ORDER BY day, episode_id COLLATE "C", source COLLATE "C"
	`, filter.Day, filter.EpisodeID, filter.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.DailyMetric
	for rows.Next() {
		m, err := scanDailyMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresMetricStore) ListPartitions(ctx context.Context, day string) ([]models.MetricKey, error) {
	return s.queryKeys(ctx, `
		SELECT day, episode_id, source FROM daily_metrics WHERE day = $1
		UNION
		SELECT day, episode_id, source FROM metric_contributions WHERE day = $1
		ORDER BY 1, 2, 3
	`, day)
}

func (s *PostgresMetricStore) FindContributionPartitions(ctx context.Context, prefix string) ([]models.MetricKey, error) {
	return s.queryKeys(ctx, `
		SELECT DISTINCT day, episode_id, source FROM metric_contributions
		WHERE contribution_id LIKE $1
		ORDER BY 1, 2, 3
	`, likePrefix(prefix))
}

func (s *PostgresMetricStore) queryKeys(ctx context.Context, sql string, args ...any) ([]models.MetricKey, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var keys []models.MetricKey
	for rows.Next() {
		var k models.MetricKey
		if err := rows.Scan(&k.Day, &k.EpisodeID, &k.Source); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanDailyMetric(row pgx.Row) (*models.DailyMetric, error) {
	var m models.DailyMetric
	if err := row.Scan(&m.Day, &m.EpisodeID, &m.Source, &m.Downloads, &m.Listeners, &m.Conversions, &m.RevenueCents,
		&m.CompletionRate, &m.CompletionWeight, &m.CTR, &m.CTRWeight, &m.Contributions); err != nil {
		return nil, err
	}
	return &m, nil
}

// pgPartitionTx scopes every statement to one partition of one transaction.
type pgPartitionTx struct {
	tx  pgx.Tx
	key models.MetricKey
}

func (p *pgPartitionTx) Contributions(ctx context.Context) ([]models.MetricIncrement, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT contribution_id, downloads, listeners, conversions, revenue_cents,
			completion_rate, completion_weight, ctr, ctr_weight
		FROM metric_contributions
		WHERE day = $1 AND episode_id = $2 AND source = $3
		ORDER BY contribution_id COLLATE "C"
	`, p.key.Day, p.key.EpisodeID, p.key.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions: %w", err)
	}
	defer rows.Close()

	var out []models.MetricIncrement
	for rows.Next() {
		var inc models.MetricIncrement
		if err := rows.Scan(&inc.ContributionID, &inc.Downloads, &inc.Listeners, &inc.Conversions, &inc.RevenueCents,
			&inc.CompletionRate, &inc.CompletionWeight, &inc.CTR, &inc.CTRWeight); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *pgPartitionTx) PutContribution(ctx context.Context, inc models.MetricIncrement) (bool, error) {
	tag, err := p.tx.Exec(ctx, `
		INSERT INTO metric_contributions (day, episode_id, source, contribution_id,
			downloads, listeners, conversions, revenue_cents,
			completion_rate, completion_weight, ctr, ctr_weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (day, episode_id, source, contribution_id) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			listeners = EXCLUDED.listeners,
			conversions = EXCLUDED.conversions,
			revenue_cents = EXCLUDED.revenue_cents,
			completion_rate = EXCLUDED.completion_rate,
			completion_weight = EXCLUDED.completion_weight,
			ctr = EXCLUDED.ctr,
			ctr_weight = EXCLUDED.ctr_weight
		WHERE (metric_contributions.downloads, metric_contributions.listeners,
			metric_contributions.conversions, metric_contributions.revenue_cents,
			metric_contributions.completion_rate, metric_contributions.completion_weight,
			metric_contributions.ctr, metric_contributions.ctr_weight)
		IS DISTINCT FROM (EXCLUDED.downloads, EXCLUDED.listeners,
			EXCLUDED.conversions, EXCLUDED.revenue_cents,
			EXCLUDED.completion_rate, EXCLUDED.completion_weight,
			EXCLUDED.ctr, EXCLUDED.ctr_weight)
	`, p.key.Day, p.key.EpisodeID, p.key.Source, inc.ContributionID,
		inc.Downloads, inc.Listeners, inc.Conversions, inc.RevenueCents,
		inc.CompletionRate, inc.CompletionWeight, inc.CTR, inc.CTRWeight)
	if err != nil {
		return false, fmt.Errorf("failed to put contribution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *pgPartitionTx) DeleteContributions(ctx context.Context, prefix string) (int64, error) {
	tag, err := p.tx.Exec(ctx, `
		DELETE FROM metric_contributions
		WHERE day = $1 AND episode_id = $2 AND source = $3 AND contribution_id LIKE $4
	`, p.key.Day, p.key.EpisodeID, p.key.Source, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("failed to delete contributions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *pgPartitionTx) WriteRow(ctx context.Context, m *models.DailyMetric) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO daily_metrics (`+dailyMetricColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (day, episode_id, source) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			listeners = EXCLUDED.listeners,
			conversions = EXCLUDED.conversions,
			revenue_cents = EXCLUDED.revenue_cents,
			completion_rate = EXCLUDED.completion_rate,
			completion_weight = EXCLUDED.completion_weight,
			ctr = EXCLUDED.ctr,
			ctr_weight = EXCLUDED.ctr_weight,
			contributions = EXCLUDED.contributions
	`, p.key.Day, p.key.EpisodeID, p.key.Source, m.Downloads, m.Listeners, m.Conversions, m.RevenueCents,
		m.CompletionRate, m.CompletionWeight, m.CTR, m.CTRWeight, m.Contributions)
	if err != nil {
		return fmt.Errorf("failed to upsert daily metric: %w", err)
	}
	return nil
}

func (p *pgPartitionTx) DeleteRow(ctx context.Context) error {
	_, err := p.tx.Exec(ctx, `
		DELETE FROM daily_metrics WHERE day = $1 AND episode_id = $2 AND source = $3
	`, p.key.Day, p.key.EpisodeID, p.key.Source)
	if err != nil {
		return fmt.Errorf("failed to delete daily metric: %w", err)
	}
	return nil
}
