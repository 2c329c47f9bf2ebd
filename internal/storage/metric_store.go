package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// InMemoryMetricStore keeps the contribution ledger and DailyMetric rows in maps.
// Partitions are serialized with one mutex each.
type InMemoryMetricStore struct {
	mu     sync.RWMutex
	rows   map[models.MetricKey]models.DailyMetric
	ledger map[models.MetricKey]map[string]models.MetricIncrement

	locksMu sync.Mutex
	locks   map[models.MetricKey]*sync.Mutex
}

// NewInMemoryMetricStore creates an empty store.
func NewInMemoryMetricStore() *InMemoryMetricStore {
	return &InMemoryMetricStore{
		rows:   make(map[models.MetricKey]models.DailyMetric),
		ledger: make(map[models.MetricKey]map[string]models.MetricIncrement),
		locks:  make(map[models.MetricKey]*sync.Mutex),
	}
}

func (s *InMemoryMetricStore) partitionLock(key models.MetricKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *InMemoryMetricStore) UpdatePartition(ctx context.Context, key models.MetricKey, fn func(p PartitionTx) error) error {
	l := s.partitionLock(key)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	tx := &memPartitionTx{ledger: make(map[string]models.MetricIncrement, len(s.ledger[key]))}
	for id, inc := range s.ledger[key] {
		tx.ledger[id] = inc
	}
	if row, ok := s.rows[key]; ok {
		tx.row = &row
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tx.ledger) == 0 {
		delete(s.ledger, key)
	} else {
		s.ledger[key] = tx.ledger
	}
	if tx.row == nil {
		delete(s.rows, key)
	} else {
		row := *tx.row
		row.MetricKey = key
		s.rows[key] = row
	}
	return nil
}

func (s *InMemoryMetricStore) GetDailyMetric(ctx context.Context, key models.MetricKey) (*models.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &row, nil
}

func (s *InMemoryMetricStore) ListDailyMetrics(ctx context.Context, filter models.DailyMetricFilter) ([]*models.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DailyMetric
	for key, row := range s.rows {
		if filter.Day != "" && key.Day != filter.Day {
			continue
		}
		if filter.EpisodeID != "" && key.EpisodeID != filter.EpisodeID {
			continue
		}
		if filter.Source != "" && key.Source != filter.Source {
			continue
		}
		row := row
		out = append(out, &row)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].MetricKey, out[j].MetricKey) })
	return out, nil
}

func (s *InMemoryMetricStore) ListPartitions(ctx context.Context, day string) ([]models.MetricKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[models.MetricKey]struct{})
	for key := range s.rows {
		if key.Day == day {
			seen[key] = struct{}{}
		}
	}
	for key := range s.ledger {
		if key.Day == day {
			seen[key] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (s *InMemoryMetricStore) FindContributionPartitions(ctx context.Context, prefix string) ([]models.MetricKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[models.MetricKey]struct{})
	for key, entries := range s.ledger {
		for id := range entries {
			if strings.HasPrefix(id, prefix) {
				seen[key] = struct{}{}
				break
			}
		}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(set map[models.MetricKey]struct{}) []models.MetricKey {
	keys := make([]models.MetricKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func lessKey(a, b models.MetricKey) bool {
	if a.Day != b.Day {
		return a.Day < b.Day
	}
	if a.EpisodeID != b.EpisodeID {
		return a.EpisodeID < b.EpisodeID
	}
	return a.Source < b.Source
}

// memPartitionTx buffers writes until UpdatePartition commits them.
type memPartitionTx struct {
	ledger map[string]models.MetricIncrement
	row    *models.DailyMetric
}

func (t *memPartitionTx) Contributions(ctx context.Context) ([]models.MetricIncrement, error) {
	out := make([]models.MetricIncrement, 0, len(t.ledger))
	for _, inc := range t.ledger {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContributionID < out[j].ContributionID })
	return out, nil
}

func (t *memPartitionTx) PutContribution(ctx context.Context, inc models.MetricIncrement) (bool, error) {
	if old, ok := t.ledger[inc.ContributionID]; ok && sameIncrement(old, inc) {
		return false, nil
	}
	t.ledger[inc.ContributionID] = inc
	return true, nil
}

func (t *memPartitionTx) DeleteContributions(ctx context.Context, prefix string) (int64, error) {
	var n int64
	for id := range t.ledger {
		if strings.HasPrefix(id, prefix) {
			delete(t.ledger, id)
			n++
		}
	}
	return n, nil
}

func (t *memPartitionTx) WriteRow(ctx context.Context, m *models.DailyMetric) error {
	cp := *m
	t.row = &cp
	return nil
}

func (t *memPartitionTx) DeleteRow(ctx context.Context) error {
	t.row = nil
	return nil
}

func sameIncrement(a, b models.MetricIncrement) bool {
	return a.ContributionID == b.ContributionID &&
		a.Downloads == b.Downloads &&
		a.Listeners == b.Listeners &&
		a.Conversions == b.Conversions &&
		a.RevenueCents == b.RevenueCents &&
		a.CompletionWeight == b.CompletionWeight &&
		a.CTRWeight == b.CTRWeight &&
		sameRate(a.CompletionRate, b.CompletionRate) &&
		sameRate(a.CTR, b.CTR)
}

func sameRate(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
