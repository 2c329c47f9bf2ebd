package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// SchemaDDL creates every table the PostgreSQL repositories use.
var SchemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id                      TEXT PRIMARY KEY,
		podcast_id              TEXT NOT NULL,
		sponsor_id              TEXT NOT NULL,
		start_date              TIMESTAMPTZ NOT NULL,
		end_date                TIMESTAMPTZ,
		campaign_value_cents    BIGINT NOT NULL DEFAULT 0,
		revenue_basis           TEXT NOT NULL,
		attribution_method      TEXT NOT NULL,
		lookback_window_ns      BIGINT NOT NULL,
		time_decay_half_life_ns BIGINT NOT NULL DEFAULT 0,
		created_at              TIMESTAMPTZ NOT NULL,
		updated_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS campaigns_created_at_idx ON campaigns (created_at)`,

	`CREATE TABLE IF NOT EXISTS touchpoints (
		seq              BIGSERIAL,
		id               TEXT PRIMARY KEY,
		campaign_id      TEXT NOT NULL,
		podcast_id       TEXT NOT NULL DEFAULT '',
		episode_id       TEXT NOT NULL DEFAULT '',
		channel          TEXT NOT NULL,
		attribution_key  TEXT NOT NULL,
		occurred_at      TIMESTAMPTZ NOT NULL,
		source_system_id TEXT NOT NULL UNIQUE,
		geo_country      TEXT NOT NULL DEFAULT '',
		ingested_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS touchpoints_candidates_idx ON touchpoints (campaign_id, attribution_key, occurred_at, seq)`,

	`CREATE TABLE IF NOT EXISTS conversions (
		id               TEXT PRIMARY KEY,
		campaign_id      TEXT NOT NULL,
		attribution_key  TEXT NOT NULL,
		occurred_at      TIMESTAMPTZ NOT NULL,
		value_cents      BIGINT NOT NULL,
		net_value_cents  BIGINT,
		source_system_id TEXT NOT NULL UNIQUE,
		ingested_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conversions_campaign_idx ON conversions (campaign_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS conversion_attributions (
		conversion_id TEXT PRIMARY KEY,
		campaign_id   TEXT NOT NULL,
		status        TEXT NOT NULL,
		model_used    TEXT NOT NULL,
		computed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attribution_results (
		conversion_id   TEXT NOT NULL,
		touchpoint_id   TEXT NOT NULL,
		campaign_id     TEXT NOT NULL,
		credit_fraction DOUBLE PRECISION NOT NULL,
		revenue_cents   BIGINT NOT NULL,
		model_used      TEXT NOT NULL,
		episode_id      TEXT NOT NULL DEFAULT '',
		channel         TEXT NOT NULL,
		touched_at      TIMESTAMPTZ NOT NULL,
		computed_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversion_id, touchpoint_id)
	)`,
	`CREATE INDEX IF NOT EXISTS attribution_results_campaign_idx ON attribution_results (campaign_id)`,

	`CREATE TABLE IF NOT EXISTS metric_contributions (
		day               TEXT NOT NULL,
		episode_id        TEXT NOT NULL,
		source            TEXT NOT NULL,
		contribution_id   TEXT NOT NULL,
		downloads         BIGINT NOT NULL DEFAULT 0,
		listeners         BIGINT NOT NULL DEFAULT 0,
		conversions       BIGINT NOT NULL DEFAULT 0,
		revenue_cents     BIGINT NOT NULL DEFAULT 0,
		completion_rate   DOUBLE PRECISION,
		completion_weight BIGINT NOT NULL DEFAULT 0,
		ctr               DOUBLE PRECISION,
		ctr_weight        BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (day, episode_id, source, contribution_id)
	)`,
	`CREATE INDEX IF NOT EXISTS metric_contributions_id_idx ON metric_contributions (contribution_id text_pattern_ops)`,

	`CREATE TABLE IF NOT EXISTS daily_metrics (
		day               TEXT NOT NULL,
		episode_id        TEXT NOT NULL,
		source            TEXT NOT NULL,
		downloads         BIGINT NOT NULL DEFAULT 0,
		listeners         BIGINT NOT NULL DEFAULT 0,
		conversions       BIGINT NOT NULL DEFAULT 0,
		revenue_cents     BIGINT NOT NULL DEFAULT 0,
		completion_rate   DOUBLE PRECISION NOT NULL DEFAULT 0,
		completion_weight BIGINT NOT NULL DEFAULT 0,
		ctr               DOUBLE PRECISION NOT NULL DEFAULT 0,
		ctr_weight        BIGINT NOT NULL DEFAULT 0,
		contributions     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, episode_id, source)
	)`,

	`CREATE TABLE IF NOT EXISTS user_activations (
		user_id           TEXT PRIMARY KEY,
		signed_up_at      TIMESTAMPTZ NOT NULL,
		first_campaign_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS user_activations_signed_up_idx ON user_activations (signed_up_at)`,

	`CREATE TABLE IF NOT EXISTS campaign_reports (
		report_id    TEXT PRIMARY KEY,
		campaign_id  TEXT NOT NULL REFERENCES campaigns (id),
		generated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_reports_campaign_idx ON campaign_reports (campaign_id)`,
}

// =============================================
// CAMPAIGNS
// =============================================

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

const campaignColumns = `id, podcast_id, sponsor_id, start_date, end_date, campaign_value_cents,
	revenue_basis, attribution_method, lookback_window_ns, time_decay_half_life_ns,
	created_at, updated_at`

func (r *PostgresCampaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.PodcastID, c.SponsorID, c.StartDate, nullTime(c.EndDate), c.CampaignValueCents,
		string(c.RevenueBasis), string(c.Method), int64(c.LookbackWindow), int64(c.TimeDecayHalfLife),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, models.ErrAlreadyExists)
	}
	return nil
}

func (r *PostgresCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (r *PostgresCampaignRepo) UpdateAttributionConfig(ctx context.Context, id string, cfg models.AttributionConfig, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET
			attribution_method = $2,
			lookback_window_ns = $3,
			time_decay_half_life_ns = $4,
			updated_at = $5
		WHERE id = $1
	`, id, string(cfg.Method), int64(cfg.LookbackWindow), int64(cfg.TimeDecayHalfLife), at)
	if err != nil {
		return fmt.Errorf("failed to update attribution config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PostgresCampaignRepo) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var (
		c                  models.Campaign
		endDate            *time.Time
		basis, method      string
		lookback, halfLife int64
	)
	if err := row.Scan(&c.ID, &c.PodcastID, &c.SponsorID, &c.StartDate, &endDate, &c.CampaignValueCents,
		&basis, &method, &lookback, &halfLife, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if endDate != nil {
		c.EndDate = *endDate
	}
	c.RevenueBasis = models.RevenueBasis(basis)
	c.Method = models.AttributionMethod(method)
	c.LookbackWindow = models.Duration(lookback)
	c.TimeDecayHalfLife = models.Duration(halfLife)
	return &c, nil
}

// =============================================
// HELPERS
// =============================================

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// likePrefix escapes s for use as a LIKE prefix pattern.
func likePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s) + "%"
}

// isForeignKeyViolation reports a PostgreSQL 23503 error.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
