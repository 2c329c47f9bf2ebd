package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresAttributionRepo implements AttributionRepo using PostgreSQL.
type PostgresAttributionRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAttributionRepo(pool *pgxpool.Pool) *PostgresAttributionRepo {
	return &PostgresAttributionRepo{pool: pool}
}

const resultColumns = `conversion_id, touchpoint_id, campaign_id, credit_fraction, revenue_cents,
	model_used, episode_id, channel, touched_at, computed_at`

// ReplaceResults deletes the previous result set of the conversion and writes
// the new one together with its status row. Concurrent writers of the same
// conversion are serialized by a transaction-scoped advisory lock.
func (r *PostgresAttributionRepo) ReplaceResults(ctx context.Context, status *models.ConversionAttribution, results []models.AttributionResult) ([]models.AttributionResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "attr:"+status.ConversionID); err != nil {
		return nil, fmt.Errorf("failed to lock conversion: %w", err)
	}

	previous, err := queryResults(ctx, tx, status.ConversionID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM attribution_results WHERE conversion_id = $1`, status.ConversionID); err != nil {
		return nil, fmt.Errorf("failed to delete attribution results: %w", err)
	}

	for _, res := range results {
		_, err := tx.Exec(ctx, `
			INSERT INTO attribution_results (`+resultColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, res.ConversionID, res.TouchpointID, res.CampaignID, res.CreditFraction, res.RevenueCents,
			string(res.ModelUsed), res.EpisodeID, string(res.Channel), res.TouchedAt, res.ComputedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert attribution result: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversion_attributions (conversion_id, campaign_id, status, model_used, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversion_id) DO UPDATE SET
			campaign_id = EXCLUDED.campaign_id,
			status = EXCLUDED.status,
			model_used = EXCLUDED.model_used,
			computed_at = EXCLUDED.computed_at
	`, status.ConversionID, status.CampaignID, string(status.Status), string(status.ModelUsed), status.ComputedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert attribution status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit attribution results: %w", err)
	}
	return previous, nil
}

func (r *PostgresAttributionRepo) GetAttribution(ctx context.Context, conversionID string) (*models.AttributionSet, error) {
	sets, err := r.ListAttributions(ctx, []string{conversionID})
	if err != nil {
		return nil, err
	}
	set, ok := sets[conversionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return set, nil
}

func (r *PostgresAttributionRepo) ListAttributions(ctx context.Context, conversionIDs []string) (map[string]*models.AttributionSet, error) {
	out := make(map[string]*models.AttributionSet, len(conversionIDs))
	if len(conversionIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT conversion_id, campaign_id, status, model_used, computed_at
		FROM conversion_attributions WHERE conversion_id = ANY($1)
	`, conversionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list attribution status: %w", err)
	}
	for rows.Next() {
		var set models.AttributionSet
		var status, model string
		if err := rows.Scan(&set.ConversionID, &set.CampaignID, &status, &model, &set.ComputedAt); err != nil {
			rows.Close()
			return nil, err
		}
		set.Status = models.AttributionStatus(status)
		set.ModelUsed = models.AttributionMethod(model)
		out[set.ConversionID] = &set
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT `+resultColumns+` FROM attribution_results
		WHERE conversion_id = ANY($1)
		ORDER BY conversion_id, touched_at, touchpoint_id
	`, conversionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list attribution results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		if set, ok := out[res.ConversionID]; ok {
			set.Results = append(set.Results, res)
		}
	}
	return out, rows.Err()
}

func (r *PostgresAttributionRepo) HasResults(ctx context.Context, campaignID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attribution_results WHERE campaign_id = $1)
	`, campaignID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check attribution results: %w", err)
	}
	return exists, nil
}

func queryResults(ctx context.Context, tx pgx.Tx, conversionID string) ([]models.AttributionResult, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+resultColumns+` FROM attribution_results
		WHERE conversion_id = $1 ORDER BY touched_at, touchpoint_id
	`, conversionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attribution results: %w", err)
	}
	defer rows.Close()

	var out []models.AttributionResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanResult(row pgx.Row) (models.AttributionResult, error) {
	var res models.AttributionResult
	var model, channel string
	err := row.Scan(&res.ConversionID, &res.TouchpointID, &res.CampaignID, &res.CreditFraction, &res.RevenueCents,
		&model, &res.EpisodeID, &channel, &res.TouchedAt, &res.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, models.ErrNotFound
	}
	res.ModelUsed = models.AttributionMethod(model)
	res.Channel = models.Channel(channel)
	return res, err
}
