package storage

import "github.com/jackc/pgx/v5/pgxpool"

// Stores bundles the repositories backed by the primary store.
type Stores struct {
	Events      EventStore
	Campaigns   CampaignRepo
	Attribution AttributionRepo
	Metrics     MetricStore
	Activity    ActivityRepo
	Reports     ReportRepo
}

// NewInMemoryStores wires process-local repositories, used in tests and
// single-node development.
func NewInMemoryStores() *Stores {
	campaigns := NewInMemoryCampaignRepo()
	return &Stores{
		Events:      NewInMemoryEventStore(),
		Campaigns:   campaigns,
		Attribution: NewInMemoryAttributionRepo(),
		Metrics:     NewInMemoryMetricStore(),
		Activity:    NewInMemoryActivityRepo(),
		Reports:     NewInMemoryReportRepo(campaigns),
	}
}

// NewPostgresStores wires PostgreSQL repositories sharing one pool.
func NewPostgresStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Events:      NewPostgresEventStore(pool),
		Campaigns:   NewPostgresCampaignRepo(pool),
		Attribution: NewPostgresAttributionRepo(pool),
		Metrics:     NewPostgresMetricStore(pool),
		Activity:    NewPostgresActivityRepo(pool),
		Reports:     NewPostgresReportRepo(pool),
	}
}
