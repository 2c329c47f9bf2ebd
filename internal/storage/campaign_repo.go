package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// InMemoryCampaignRepo stores campaigns in a map keyed by campaign ID.
type InMemoryCampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

// NewInMemoryCampaignRepo creates a new empty in-memory campaign repo.
func NewInMemoryCampaignRepo() *InMemoryCampaignRepo {
	return &InMemoryCampaignRepo{
		campaigns: make(map[string]*models.Campaign),
	}
}

func (r *InMemoryCampaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s: %w", c.ID, models.ErrAlreadyExists)
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *InMemoryCampaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryCampaignRepo) UpdateAttributionConfig(ctx context.Context, id string, cfg models.AttributionConfig, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return models.ErrNotFound
	}
	c.AttributionConfig = cfg
	c.UpdatedAt = at
	return nil
}

func (r *InMemoryCampaignRepo) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*models.Campaign
	for _, c := range r.campaigns {
		if inRange(c.CreatedAt, from, to) {
			cp := *c
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
