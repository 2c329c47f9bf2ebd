package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) DispatchAttribution(ctx context.Context, c *models.ConversionEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, c.ID)
	return nil
}

type ledgerRollup struct {
	seen map[string]models.MetricIncrement
}

func (r *ledgerRollup) Upsert(ctx context.Context, key models.MetricKey, inc models.MetricIncrement) (bool, error) {
	if r.seen == nil {
		r.seen = make(map[string]models.MetricIncrement)
	}
	id := key.PartitionKey() + "/" + inc.ContributionID
	if old, ok := r.seen[id]; ok && old.Downloads == inc.Downloads && old.Listeners == inc.Listeners {
		return false, nil
	}
	r.seen[id] = inc
	return true, nil
}

type staticGeo map[string]string

func (g staticGeo) Country(ip string) (string, error) {
	if c, ok := g[ip]; ok {
		return c, nil
	}
	return "", errors.New("not in database")
}

type failingEvents struct {
	storage.EventStore
	failAfter int
	saved     int
}

func (f *failingEvents) SaveTouchpoint(ctx context.Context, tp *models.TouchpointEvent) (bool, error) {
	if f.saved >= f.failAfter {
		return false, errors.New("connection reset")
	}
	f.saved++
	return f.EventStore.SaveTouchpoint(ctx, tp)
}

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, d Deps) *Service {
	t.Helper()
	if d.Events == nil {
		d.Events = storage.NewInMemoryEventStore()
	}
	d.Now = func() time.Time { return fixedNow }
	return NewService(d)
}

func raws(t *testing.T, docs ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		require.True(t, json.Valid([]byte(d)), "fixture %d is not JSON", i)
		out[i] = json.RawMessage(d)
	}
	return out
}

func TestIngestTouchpoints_PartialBatch(t *testing.T) {
	events := storage.NewInMemoryEventStore()
	svc := newTestService(t, Deps{Events: events})

	batch, err := svc.IngestTouchpoints(context.Background(), "custom", raws(t,
		`{"campaign_id":"c1","attribution_key":"k1","occurred_at":"2024-03-01T00:00:00Z","source_system_id":"a"}`,
		`{"campaign_id":"c1","occurred_at":"2024-03-01T00:00:00Z","source_system_id":"b"}`,
		`{"campaign_id":"c1","attribution_key":"k1","occurred_at":"2024-03-02T00:00:00Z","source_system_id":"c"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Ingested)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, StatusRejected, batch.Results[1].Status)
	assert.Equal(t, "attribution_key", batch.Results[1].Error.Field)

	got, err := events.ListCandidates(context.Background(), "c1", "k1",
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fixedNow, got[0].IngestedAt)
}

func TestIngestTouchpoints_DuplicateIsNotAnError(t *testing.T) {
	for _, tc := range []struct {
		name  string
		dedup storage.DedupIndex
	}{
		{"store only", nil},
		{"with dedup index", storage.NewInMemoryDedupIndex()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			events := storage.NewInMemoryEventStore()
			svc := newTestService(t, Deps{Events: events, Dedup: tc.dedup})
			payload := raws(t, `{"campaign_id":"c1","promo_code":"P","customer_id":"k1","order_id":"o1","redeemed_at":"2024-03-01T00:00:00Z"}`)

			first, err := svc.IngestTouchpoints(context.Background(), "promo_code", payload)
			require.NoError(t, err)
			second, err := svc.IngestTouchpoints(context.Background(), "promo_code", payload)
			require.NoError(t, err)

			assert.Equal(t, StatusIngested, first.Results[0].Status)
			assert.Equal(t, StatusDuplicate, second.Results[0].Status)
			assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

			n, err := events.CountTouchpoints(context.Background(), "c1", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestIngestTouchpoints_UnknownChannelRejectsEachRecord(t *testing.T) {
	svc := newTestService(t, Deps{})
	batch, err := svc.IngestTouchpoints(context.Background(), "fax", raws(t, `{}`, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Rejected)
	for _, r := range batch.Results {
		assert.Equal(t, "channel", r.Error.Field)
		assert.Contains(t, r.Error.Message, "unknown channel")
	}
}

func TestIngestTouchpoints_StorageFailureAbortsBatch(t *testing.T) {
	events := &failingEvents{EventStore: storage.NewInMemoryEventStore(), failAfter: 1}
	svc := newTestService(t, Deps{Events: events})

	batch, err := svc.IngestTouchpoints(context.Background(), "custom", raws(t,
		`{"campaign_id":"c1","attribution_key":"k","occurred_at":1700000000,"source_system_id":"a"}`,
		`{"campaign_id":"c1","attribution_key":"k","occurred_at":1700000001,"source_system_id":"b"}`,
		`{"campaign_id":"c1","attribution_key":"k","occurred_at":1700000002,"source_system_id":"c"}`,
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Ingested)
	assert.Len(t, batch.Results, 1)
}

func TestIngestPixel_StampsAndEnriches(t *testing.T) {
	events := storage.NewInMemoryEventStore()
	svc := newTestService(t, Deps{Events: events, Geo: staticGeo{"203.0.113.9": "DE"}})

	res, err := svc.IngestPixel(context.Background(), PixelHit{CampaignID: "c1", VisitorID: "v1", IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, res.Status)

	got, err := events.ListCandidates(context.Background(), "c1", "v1", fixedNow.Add(-time.Hour), fixedNow)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "DE", got[0].GeoCountry)
	assert.True(t, got[0].OccurredAt.Equal(fixedNow))

	res, err = svc.IngestPixel(context.Background(), PixelHit{CampaignID: "c1", VisitorID: "v2", IP: "198.51.100.1", HitID: "h2"})
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, res.Status, "a failed geo lookup does not reject the hit")
}

func TestIngestConversions_DispatchesOncePerNewConversion(t *testing.T) {
	disp := &recordingDispatcher{}
	svc := newTestService(t, Deps{Dispatcher: disp, Dedup: storage.NewInMemoryDedupIndex()})
	payload := raws(t,
		`{"campaign_id":"c1","attribution_key":"k","occurred_at":"2024-03-05T00:00:00Z","value_cents":1000,"source_system_id":"o1"}`,
		`{"campaign_id":"c1","attribution_key":"k","occurred_at":"2024-03-05T00:00:00Z","source_system_id":"o2"}`,
	)

	batch, err := svc.IngestConversions(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Ingested)
	assert.Equal(t, 1, batch.Rejected)
	assert.Equal(t, "value_cents", batch.Results[1].Error.Field)
	require.Len(t, disp.calls, 1)
	assert.Equal(t, batch.Results[0].ID, disp.calls[0])

	again, err := svc.IngestConversions(context.Background(), payload[:1])
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Results[0].Status)
	assert.Len(t, disp.calls, 1)
}

func TestIngestConversions_FailedDispatchIsRetriedOnResend(t *testing.T) {
	disp := &recordingDispatcher{err: errors.New("queue unavailable")}
	dedup := storage.NewInMemoryDedupIndex()
	svc := newTestService(t, Deps{Dispatcher: disp, Dedup: dedup})
	payload := raws(t, `{"campaign_id":"c1","attribution_key":"k","occurred_at":"2024-03-05T00:00:00Z","value_cents":10,"source_system_id":"o1"}`)

	_, err := svc.IngestConversions(context.Background(), payload)
	require.Error(t, err)

	disp.err = nil
	batch, err := svc.IngestConversions(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, batch.Results[0].Status)
	assert.Len(t, disp.calls, 1, "the stored conversion is dispatched on resend")
}

func TestIngestMetricsCSV(t *testing.T) {
	svc := newTestService(t, Deps{Rollup: &ledgerRollup{}})
	input := header +
		"2024-01-01,ep1,spotify,100,80,0.75,,0,0\n" +
		"2024-01-01,ep1,apple,bad,80,,,0,0\n"

	batch, err := svc.IngestMetricsCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Ingested)
	assert.Equal(t, 1, batch.Rejected)
	assert.Equal(t, "downloads", batch.Results[1].Error.Field)

	again, err := svc.IngestMetricsCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Duplicates)
}

func TestIngestMetricsCSV_BadHeader(t *testing.T) {
	svc := newTestService(t, Deps{Rollup: &ledgerRollup{}})
	_, err := svc.IngestMetricsCSV(context.Background(), strings.NewReader("a,b\n1,2\n"))
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}
