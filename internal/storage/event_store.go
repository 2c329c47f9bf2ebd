package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// InMemoryEventStore provides in-memory storage for events.
type InMemoryEventStore struct {
	mu          sync.RWMutex
	seq         int64
	touchpoints map[string]*models.TouchpointEvent
	conversions map[string]*models.ConversionEvent

	// Indexes for faster lookups
	touchpointsBySource map[string]string   // source_system_id -> id
	conversionsBySource map[string]string   // source_system_id -> id
	touchpointsByKey    map[string][]string // campaign_id|attribution_key -> []id
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		touchpoints:         make(map[string]*models.TouchpointEvent),
		conversions:         make(map[string]*models.ConversionEvent),
		touchpointsBySource: make(map[string]string),
		conversionsBySource: make(map[string]string),
		touchpointsByKey:    make(map[string][]string),
	}
}

func candidateKey(campaignID, attributionKey string) string {
	return campaignID + "|" + attributionKey
}

// =============================================
// Touchpoints
// =============================================

func (s *InMemoryEventStore) SaveTouchpoint(ctx context.Context, tp *models.TouchpointEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.touchpointsBySource[tp.SourceSystemID]; ok {
		existing := s.touchpoints[id]
		tp.ID = existing.ID
		tp.Seq = existing.Seq
		return false, nil
	}

	s.seq++
	tp.Seq = s.seq
	cp := *tp
	s.touchpoints[tp.ID] = &cp
	s.touchpointsBySource[tp.SourceSystemID] = tp.ID
	k := candidateKey(tp.CampaignID, tp.AttributionKey)
	s.touchpointsByKey[k] = append(s.touchpointsByKey[k], tp.ID)
	return true, nil
}

func (s *InMemoryEventStore) ListCandidates(ctx context.Context, campaignID, attributionKey string, from, to time.Time) ([]*models.TouchpointEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.TouchpointEvent
	for _, id := range s.touchpointsByKey[candidateKey(campaignID, attributionKey)] {
		tp := s.touchpoints[id]
		if tp.OccurredAt.Before(from) || tp.OccurredAt.After(to) {
			continue
		}
		cp := *tp
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (s *InMemoryEventStore) CountTouchpoints(ctx context.Context, campaignID string, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, tp := range s.touchpoints {
		if tp.CampaignID == campaignID && inRange(tp.OccurredAt, from, to) {
			n++
		}
	}
	return n, nil
}

// =============================================
// Conversions
// =============================================

func (s *InMemoryEventStore) SaveConversion(ctx context.Context, c *models.ConversionEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.conversionsBySource[c.SourceSystemID]; ok {
		c.ID = id
		return false, nil
	}

	cp := *c
	s.conversions[c.ID] = &cp
	s.conversionsBySource[c.SourceSystemID] = c.ID
	return true, nil
}

func (s *InMemoryEventStore) GetConversion(ctx context.Context, id string) (*models.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryEventStore) ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.ConversionEvent
	for _, c := range s.conversions {
		if filter.CampaignID != "" && c.CampaignID != filter.CampaignID {
			continue
		}
		if !inRange(c.OccurredAt, filter.From, filter.To) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// inRange reports t in [from, to); zero bounds are open.
func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
