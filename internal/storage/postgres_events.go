package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// SaveTouchpoint stores a touchpoint unless its source_system_id exists.
func (s *PostgresEventStore) SaveTouchpoint(ctx context.Context, tp *models.TouchpointEvent) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO touchpoints (id, campaign_id, podcast_id, episode_id, channel, attribution_key,
			occurred_at, source_system_id, geo_country, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_system_id) DO NOTHING
		RETURNING seq
	`, tp.ID, tp.CampaignID, tp.PodcastID, tp.EpisodeID, string(tp.Channel), tp.AttributionKey,
		tp.OccurredAt, tp.SourceSystemID, tp.GeoCountry, tp.IngestedAt).Scan(&tp.Seq)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to save touchpoint: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT id, seq FROM touchpoints WHERE source_system_id = $1
	`, tp.SourceSystemID).Scan(&tp.ID, &tp.Seq)
	if err != nil {
		return false, fmt.Errorf("failed to load duplicate touchpoint: %w", err)
	}
	return false, nil
}

// SaveConversion stores a conversion unless its source_system_id exists.
func (s *PostgresEventStore) SaveConversion(ctx context.Context, c *models.ConversionEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversions (id, campaign_id, attribution_key, occurred_at, value_cents,
			net_value_cents, source_system_id, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_system_id) DO NOTHING
	`, c.ID, c.CampaignID, c.AttributionKey, c.OccurredAt, c.ValueCents,
		c.NetValueCents, c.SourceSystemID, c.IngestedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save conversion: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM conversions WHERE source_system_id = $1
	`, c.SourceSystemID).Scan(&c.ID); err != nil {
		return false, fmt.Errorf("failed to load duplicate conversion: %w", err)
	}
	return false, nil
}

const conversionColumns = `id, campaign_id, attribution_key, occurred_at, value_cents,
	net_value_cents, source_system_id, ingested_at`

func scanConversion(row pgx.Row) (*models.ConversionEvent, error) {
	var c models.ConversionEvent
	if err := row.Scan(&c.ID, &c.CampaignID, &c.AttributionKey, &c.OccurredAt, &c.ValueCents,
		&c.NetValueCents, &c.SourceSystemID, &c.IngestedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversion retrieves a conversion by ID.
func (s *PostgresEventStore) GetConversion(ctx context.Context, id string) (*models.ConversionEvent, error) {
	c, err := scanConversion(s.pool.QueryRow(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return c, nil
}

// ListConversions returns conversions matching filter ordered by occurred_at.
func (s *PostgresEventStore) ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.ConversionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE ($1 = '' OR campaign_id = $1)
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		  AND ($3::timestamptz IS NULL OR occurred_at < $3)
		ORDER BY occurred_at, id
	`, filter.CampaignID, nullTime(filter.From), nullTime(filter.To))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversionEvent
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCandidates returns the touchpoints eligible for credit.
func (s *PostgresEventStore) ListCandidates(ctx context.Context, campaignID, attributionKey string, from, to time.Time) ([]*models.TouchpointEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, podcast_id, episode_id, channel, attribution_key,
			occurred_at, source_system_id, geo_country, seq, ingested_at
		FROM touchpoints
		WHERE campaign_id = $1 AND attribution_key = $2
		  AND occurred_at >= $3 AND occurred_at <= $4
		ORDER BY occurred_at, seq
	`, campaignID, attributionKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate touchpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.TouchpointEvent
	for rows.Next() {
		var tp models.TouchpointEvent
		var channel string
		if err := rows.Scan(&tp.ID, &tp.CampaignID, &tp.PodcastID, &tp.EpisodeID, &channel, &tp.AttributionKey,
			&tp.OccurredAt, &tp.SourceSystemID, &tp.GeoCountry, &tp.Seq, &tp.IngestedAt); err != nil {
			return nil, err
		}
		tp.Channel = models.Channel(channel)
		out = append(out, &tp)
	}
	return out, rows.Err()
}

// CountTouchpoints counts campaign touchpoints in [from, to).
func (s *PostgresEventStore) CountTouchpoints(ctx context.Context, campaignID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM touchpoints
		WHERE campaign_id = $1 AND occurred_at >= $2 AND occurred_at < $3
	`, campaignID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count touchpoints: %w", err)
	}
	return n, nil
}
