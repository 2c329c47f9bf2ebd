package storage

import (
	"context"
	"sync"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// InMemoryAttributionRepo keeps attribution sets keyed by conversion id.
type InMemoryAttributionRepo struct {
	mu         sync.RWMutex
	sets       map[string]*models.AttributionSet
	byCampaign map[string]int // campaign_id -> number of stored result rows
}

// NewInMemoryAttributionRepo creates an empty repo.
func NewInMemoryAttributionRepo() *InMemoryAttributionRepo {
	return &InMemoryAttributionRepo{
		sets:       make(map[string]*models.AttributionSet),
		byCampaign: make(map[string]int),
	}
}

func (r *InMemoryAttributionRepo) ReplaceResults(ctx context.Context, status *models.ConversionAttribution, results []models.AttributionResult) ([]models.AttributionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous []models.AttributionResult
	if old, ok := r.sets[status.ConversionID]; ok {
		previous = old.Results
		r.byCampaign[old.CampaignID] -= len(old.Results)
	}

	set := &models.AttributionSet{
		ConversionAttribution: *status,
		Results:               append([]models.AttributionResult(nil), results...),
	}
	r.sets[status.ConversionID] = set
	r.byCampaign[status.CampaignID] += len(results)
	return previous, nil
}

func (r *InMemoryAttributionRepo) GetAttribution(ctx context.Context, conversionID string) (*models.AttributionSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[conversionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copySet(set), nil
}

func (r *InMemoryAttributionRepo) ListAttributions(ctx context.Context, conversionIDs []string) (map[string]*models.AttributionSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*models.AttributionSet, len(conversionIDs))
	for _, id := range conversionIDs {
		if set, ok := r.sets[id]; ok {
			out[id] = copySet(set)
		}
	}
	return out, nil
}

func (r *InMemoryAttributionRepo) HasResults(ctx context.Context, campaignID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCampaign[campaignID] > 0, nil
}

func copySet(s *models.AttributionSet) *models.AttributionSet {
	cp := *s
	cp.Results = append([]models.AttributionResult(nil), s.Results...)
	return &cp
}
