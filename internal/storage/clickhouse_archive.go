package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// ArchiveSchemaDDL creates the ClickHouse archive tables. ReplacingMergeTree
// collapses rows re-sent after a retry.
var ArchiveSchemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS touchpoint_events (
		id String,
		campaign_id String,
		podcast_id String,
		episode_id String,
		channel LowCardinality(String),
		attribution_key String,
		occurred_at DateTime64(3, 'UTC'),
		source_system_id String,
		geo_country LowCardinality(String),
		ingested_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(ingested_at)
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (campaign_id, occurred_at, id)`,
	`CREATE TABLE IF NOT EXISTS conversion_events (
		id String,
		campaign_id String,
		attribution_key String,
		occurred_at DateTime64(3, 'UTC'),
		value_cents Int64,
		net_value_cents Nullable(Int64),
		source_system_id String,
		ingested_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(ingested_at)
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (campaign_id, occurred_at, id)`,
}

// ClickHouseArchive implements EventArchive with native batch inserts.
type ClickHouseArchive struct {
	conn driver.Conn
}

func NewClickHouseArchive(conn driver.Conn) *ClickHouseArchive {
	return &ClickHouseArchive{conn: conn}
}

// InitSchema creates the archive tables.
func (a *ClickHouseArchive) InitSchema(ctx context.Context) error {
	for _, stmt := range ArchiveSchemaDDL {
		if err := a.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create archive table: %w", err)
		}
	}
	return nil
}

func (a *ClickHouseArchive) InsertTouchpoints(ctx context.Context, tps []*models.TouchpointEvent) error {
	if len(tps) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO touchpoint_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, tp := range tps {
		if err := batch.Append(tp.ID, tp.CampaignID, tp.PodcastID, tp.EpisodeID, string(tp.Channel),
			tp.AttributionKey, tp.OccurredAt, tp.SourceSystemID, tp.GeoCountry, tp.IngestedAt); err != nil {
			return fmt.Errorf("failed to append touchpoint to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (a *ClickHouseArchive) InsertConversions(ctx context.Context, cs []*models.ConversionEvent) error {
	if len(cs) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO conversion_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, c := range cs {
		if err := batch.Append(c.ID, c.CampaignID, c.AttributionKey, c.OccurredAt, c.ValueCents,
			c.NetValueCents, c.SourceSystemID, c.IngestedAt); err != nil {
			return fmt.Errorf("failed to append conversion to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
