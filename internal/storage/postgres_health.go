package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresActivityRepo implements ActivityRepo using PostgreSQL.
type PostgresActivityRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresActivityRepo(pool *pgxpool.Pool) *PostgresActivityRepo {
	return &PostgresActivityRepo{pool: pool}
}

func (r *PostgresActivityRepo) RecordSignup(ctx context.Context, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_activations (user_id, signed_up_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET signed_up_at = EXCLUDED.signed_up_at
	`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to record signup: %w", err)
	}
	return nil
}

func (r *PostgresActivityRepo) RecordFirstCampaign(ctx context.Context, userID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_activations
		SET first_campaign_at = LEAST(COALESCE(first_campaign_at, $2), $2)
		WHERE user_id = $1
	`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to record first campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PostgresActivityRepo) ListActivations(ctx context.Context, from, to time.Time) ([]*models.UserActivation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, signed_up_at, first_campaign_at FROM user_activations
		WHERE signed_up_at >= $1 AND signed_up_at < $2
		ORDER BY user_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	defer rows.Close()

	var out []*models.UserActivation
	for rows.Next() {
		var u models.UserActivation
		if err := rows.Scan(&u.UserID, &u.SignedUpAt, &u.FirstCampaignAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// PostgresReportRepo implements ReportRepo using PostgreSQL.
type PostgresReportRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresReportRepo(pool *pgxpool.Pool) *PostgresReportRepo {
	return &PostgresReportRepo{pool: pool}
}

func (r *PostgresReportRepo) SaveReport(ctx context.Context, rep *models.CampaignReport) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO campaign_reports (report_id, campaign_id, generated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (report_id) DO NOTHING
	`, rep.ReportID, rep.CampaignID, rep.GeneratedAt)
	if isForeignKeyViolation(err) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (r *PostgresReportRepo) CompletionCounts(ctx context.Context, from, to time.Time) (int64, int64, error) {
	var completed, total int64
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM campaign_reports r WHERE r.campaign_id = c.id
			)),
			COUNT(*)
		FROM campaigns c
		WHERE c.created_at >= $1 AND c.created_at < $2
	`, from, to).Scan(&completed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count completion: %w", err)
	}
	return completed, total, nil
}
