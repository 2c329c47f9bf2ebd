package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// =============================================
// Activations
// =============================================

// InMemoryActivityRepo keeps user activation samples.
type InMemoryActivityRepo struct {
	mu    sync.RWMutex
	users map[string]*models.UserActivation
}

func NewInMemoryActivityRepo() *InMemoryActivityRepo {
	return &InMemoryActivityRepo{users: make(map[string]*models.UserActivation)}
}

func (r *InMemoryActivityRepo) RecordSignup(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.SignedUpAt = at
		return nil
	}
	r.users[userID] = &models.UserActivation{UserID: userID, SignedUpAt: at}
	return nil
}

func (r *InMemoryActivityRepo) RecordFirstCampaign(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	if u.FirstCampaignAt == nil || at.Before(*u.FirstCampaignAt) {
		t := at
		u.FirstCampaignAt = &t
	}
	return nil
}

func (r *InMemoryActivityRepo) ListActivations(ctx context.Context, from, to time.Time) ([]*models.UserActivation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.UserActivation
	for _, u := range r.users {
		if inRange(u.SignedUpAt, from, to) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// =============================================
// Reports
// =============================================

// InMemoryReportRepo tracks which campaigns have generated reports. It reads
// campaign creation times from the campaign repo.
type InMemoryReportRepo struct {
	mu        sync.RWMutex
	campaigns *InMemoryCampaignRepo
	reported  map[string]int
}

func NewInMemoryReportRepo(campaigns *InMemoryCampaignRepo) *InMemoryReportRepo {
	return &InMemoryReportRepo{campaigns: campaigns, reported: make(map[string]int)}
}

func (r *InMemoryReportRepo) SaveReport(ctx context.Context, rep *models.CampaignReport) error {
	if _, err := r.campaigns.GetByID(ctx, rep.CampaignID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported[rep.CampaignID]++
	return nil
}

func (r *InMemoryReportRepo) CompletionCounts(ctx context.Context, from, to time.Time) (int64, int64, error) {
	list, err := r.campaigns.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return 0, 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var completed int64
	for _, c := range list {
		if r.reported[c.ID] > 0 {
			completed++
		}
	}
	return completed, int64(len(list)), nil
}

// =============================================
// Request outcomes
// =============================================

// InMemoryOutcomeStore buckets request outcomes per minute.
type InMemoryOutcomeStore struct {
	mu      sync.Mutex
	buckets map[int64]*models.OutcomeTotals
	ttl     time.Duration
}

// NewInMemoryOutcomeStore keeps buckets for ttl.
func NewInMemoryOutcomeStore(ttl time.Duration) *InMemoryOutcomeStore {
	return &InMemoryOutcomeStore{buckets: make(map[int64]*models.OutcomeTotals), ttl: ttl}
}

func (s *InMemoryOutcomeStore) Record(ctx context.Context, o models.RequestOutcome) error {
	minute := o.At.UTC().Truncate(time.Minute).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[minute]
	if !ok {
		b = &models.OutcomeTotals{FailedByCategory: make(map[models.RequestCategory]int64)}
		s.buckets[minute] = b
		s.expire(o.At)
	}
	b.Total++
	if o.Failed() {
		b.Failed++
		b.FailedByCategory[o.Category]++
	}
	return nil
}

func (s *InMemoryOutcomeStore) expire(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	cutoff := now.Add(-s.ttl).Unix()
	for minute := range s.buckets {
		if minute < cutoff {
			delete(s.buckets, minute)
		}
	}
}

func (s *InMemoryOutcomeStore) Totals(ctx context.Context, from, to time.Time) (*models.OutcomeTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &models.OutcomeTotals{FailedByCategory: make(map[models.RequestCategory]int64)}
	for _, minute := range minuteBuckets(from, to) {
		b, ok := s.buckets[minute]
		if !ok {
			continue
		}
		out.Total += b.Total
		out.Failed += b.Failed
		for cat, n := range b.FailedByCategory {
			out.FailedByCategory[cat] += n
		}
	}
	return out, nil
}

// minuteBuckets lists the unix minute starts overlapping [from, to).
func minuteBuckets(from, to time.Time) []int64 {
	var out []int64
	for t := from.UTC().Truncate(time.Minute); t.Before(to); t = t.Add(time.Minute) {
		out = append(out, t.Unix())
	}
	return out
}

// =============================================
// Dedup
// =============================================

// InMemoryDedupIndex is a process-local DedupIndex.
type InMemoryDedupIndex struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewInMemoryDedupIndex() *InMemoryDedupIndex {
	return &InMemoryDedupIndex{seen: make(map[string]string)}
}

func (d *InMemoryDedupIndex) Lookup(ctx context.Context, kind, sourceSystemID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.seen[kind+":"+sourceSystemID]
	return id, ok, nil
}

func (d *InMemoryDedupIndex) Mark(ctx context.Context, kind, sourceSystemID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[kind+":"+sourceSystemID] = id
	return nil
}
