package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-attribution/internal/geo"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
	"go.uber.org/zap"
)

// Record outcomes.
const (
	StatusIngested  = "ingested"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// RecordResult is the outcome of one record of a batch.
type RecordResult struct {
	Index  int                     `json:"index"`
	Status string                  `json:"status"`
	ID     string                  `json:"id,omitempty"`
	Error  *models.ValidationError `json:"error,omitempty"`
}

// BatchResult reports every record of a batch; a batch partially succeeds.
type BatchResult struct {
	Ingested   int            `json:"ingested"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
	Results    []RecordResult `json:"results"`
}

func (b *BatchResult) add(r RecordResult) {
	switch r.Status {
	case StatusIngested:
		b.Ingested++
	case StatusDuplicate:
		b.Duplicates++
	case StatusRejected:
		b.Rejected++
	}
	b.Results = append(b.Results, r)
}

// Dispatcher schedules attribution of an accepted conversion.
type Dispatcher interface {
	DispatchAttribution(ctx context.Context, c *models.ConversionEvent) error
}

// RollupApplier merges a metric increment into its DailyMetric row and
// reports whether anything changed.
type RollupApplier interface {
	Upsert(ctx context.Context, key models.MetricKey, inc models.MetricIncrement) (bool, error)
}

// Archiver receives accepted events for the analytical archive. It must not block.
type Archiver interface {
	ArchiveTouchpoint(tp *models.TouchpointEvent)
	ArchiveConversion(c *models.ConversionEvent)
}

// Deps holds the collaborators of the Service. Dedup, Geo and Archive are optional.
type Deps struct {
	Events     storage.EventStore
	Dedup      storage.DedupIndex
	Geo        geo.Provider
	Archive    Archiver
	Dispatcher Dispatcher
	Rollup     RollupApplier
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Service normalizes raw input and appends it to the event store.
type Service struct {
	events     storage.EventStore
	dedup      storage.DedupIndex
	geo        geo.Provider
	archive    Archiver
	dispatcher Dispatcher
	rollup     RollupApplier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService creates an ingest service.
func NewService(d Deps) *Service {
	s := &Service{
		events:     d.Events,
		dedup:      d.Dedup,
		geo:        d.Geo,
		archive:    d.Archive,
		dispatcher: d.Dispatcher,
		rollup:     d.Rollup,
		logger:     d.Logger,
		metrics:    d.Metrics,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

const (
	kindTouchpoint = "touchpoint"
	kindConversion = "conversion"
	kindMetricRow  = "metric_row"
)

// =============================================
// Touchpoints
// =============================================

// IngestTouchpoints normalizes and stores a batch of raw payloads of one channel.
// A storage failure aborts the batch; records before it stay committed and are
// reported as duplicates on retry.
func (s *Service) IngestTouchpoints(ctx context.Context, channel string, raws []json.RawMessage) (*BatchResult, error) {
	start := s.now()
	defer func() { s.metrics.RecordIngestBatch(kindTouchpoint, time.Since(start)) }()

	batch := &BatchResult{Results: make([]RecordResult, 0, len(raws))}
	adapter, err := AdapterFor(channel)
	if err != nil {
		for i := range raws {
			batch.add(s.reject(i, kindTouchpoint, "unknown", err))
		}
		return batch, nil
	}

	for i, raw := range raws {
		var tp *models.TouchpointEvent
		var nerr error
		if adapter.Channel() == models.ChannelPixel {
			var hit PixelHit
			if nerr = decode(raw, &hit); nerr == nil {
				tp, nerr = s.normalizePixel(hit)
			}
		} else {
			tp, nerr = adapter.Normalize(raw)
		}
		if nerr != nil {
			batch.add(s.reject(i, kindTouchpoint, string(adapter.Channel()), nerr))
			continue
		}

		res, err := s.storeTouchpoint(ctx, i, tp)
		if err != nil {
			return batch, err
		}
		batch.add(res)
	}
	return batch, nil
}

// IngestPixel stores a single pixel hit. A hit without a timestamp is stamped
// with the receive time.
func (s *Service) IngestPixel(ctx context.Context, hit PixelHit) (RecordResult, error) {
	if hit.Timestamp.IsZero() {
		hit.Timestamp.Time = s.now().UTC()
	}
	tp, err := s.normalizePixel(hit)
	if err != nil {
		return s.reject(0, kindTouchpoint, string(models.ChannelPixel), err), nil
	}
	return s.storeTouchpoint(ctx, 0, tp)
}

func (s *Service) normalizePixel(hit PixelHit) (*models.TouchpointEvent, error) {
	tp, err := NormalizePixel(hit)
	if err != nil {
		return nil, err
	}
	if s.geo != nil && hit.IP != "" {
		start := time.Now()
		country, gerr := s.geo.Country(hit.IP)
		if gerr != nil {
			s.metrics.RecordGeoLookup("error", time.Since(start))
			s.logger.Debug("geo lookup failed", zap.String("ip", hit.IP), zap.Error(gerr))
		} else {
			s.metrics.RecordGeoLookup("ok", time.Since(start))
			tp.GeoCountry = country
		}
	}
	return tp, nil
}

func (s *Service) storeTouchpoint(ctx context.Context, index int, tp *models.TouchpointEvent) (RecordResult, error) {
	channel := string(tp.Channel)
	if id, ok := s.lookup(ctx, kindTouchpoint, tp.SourceSystemID); ok {
		s.metrics.RecordIngest(kindTouchpoint, channel, StatusDuplicate)
		return RecordResult{Index: index, Status: StatusDuplicate, ID: id}, nil
	}

	tp.ID = uuid.NewString()
	tp.IngestedAt = s.now().UTC()
	inserted, err := s.events.SaveTouchpoint(ctx, tp)
	if err != nil {
		return RecordResult{}, fmt.Errorf("store touchpoint %d: %w", index, err)
	}
	s.mark(ctx, kindTouchpoint, tp.SourceSystemID, tp.ID)

	if !inserted {
		s.metrics.RecordIngest(kindTouchpoint, channel, StatusDuplicate)
		return RecordResult{Index: index, Status: StatusDuplicate, ID: tp.ID}, nil
	}
	if s.archive != nil {
		s.archive.ArchiveTouchpoint(tp)
	}
	s.metrics.RecordIngest(kindTouchpoint, channel, StatusIngested)
	return RecordResult{Index: index, Status: StatusIngested, ID: tp.ID}, nil
}

// =============================================
// Conversions
// =============================================

// IngestConversions normalizes, stores and schedules attribution for a batch.
func (s *Service) IngestConversions(ctx context.Context, raws []json.RawMessage) (*BatchResult, error) {
	start := s.now()
	defer func() { s.metrics.RecordIngestBatch(kindConversion, time.Since(start)) }()

	batch := &BatchResult{Results: make([]RecordResult, 0, len(raws))}
	for i, raw := range raws {
		c, err := NormalizeConversion(raw)
		if err != nil {
			batch.add(s.reject(i, kindConversion, "", err))
			continue
		}
		res, err := s.storeConversion(ctx, i, c)
		if err != nil {
			return batch, err
		}
		batch.add(res)
	}
	return batch, nil
}

// storeConversion marks the dedup index only after attribution was scheduled,
// so a failed dispatch is retried when the client resends the record.
func (s *Service) storeConversion(ctx context.Context, index int, c *models.ConversionEvent) (RecordResult, error) {
	if id, ok := s.lookup(ctx, kindConversion, c.SourceSystemID); ok {
		s.metrics.RecordIngest(kindConversion, "", StatusDuplicate)
		return RecordResult{Index: index, Status: StatusDuplicate, ID: id}, nil
	}

	c.ID = uuid.NewString()
	c.IngestedAt = s.now().UTC()
	inserted, err := s.events.SaveConversion(ctx, c)
	if err != nil {
		return RecordResult{}, fmt.Errorf("store conversion %d: %w", index, err)
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchAttribution(ctx, c); err != nil {
			return RecordResult{}, fmt.Errorf("dispatch attribution for %s: %w", c.ID, err)
		}
	}
	s.mark(ctx, kindConversion, c.SourceSystemID, c.ID)

	status := StatusIngested
	if !inserted {
		status = StatusDuplicate
	} else if s.archive != nil {
		s.archive.ArchiveConversion(c)
	}
	s.metrics.RecordIngest(kindConversion, "", status)
	return RecordResult{Index: index, Status: status, ID: c.ID}, nil
}

// =============================================
// Metrics CSV
// =============================================

// IngestMetricsCSV applies every valid row of a metrics CSV to the daily rollup.
// A row identical to one already applied is reported as a duplicate.
func (s *Service) IngestMetricsCSV(ctx context.Context, r io.Reader) (*BatchResult, error) {
	if s.rollup == nil {
		return nil, errors.New("metrics import is not configured")
	}
	start := s.now()
	defer func() { s.metrics.RecordIngestBatch(kindMetricRow, time.Since(start)) }()

	rows, err := ParseMetricsCSV(r)
	if err != nil {
		return nil, err
	}

	batch := &BatchResult{Results: make([]RecordResult, 0, len(rows))}
	for _, row := range rows {
		if row.Err != nil {
			s.metrics.RecordIngest(kindMetricRow, "csv", StatusRejected)
			batch.add(RecordResult{Index: row.Index, Status: StatusRejected, Error: row.Err})
			continue
		}
		changed, err := s.rollup.Upsert(ctx, row.Key, row.Increment)
		if err != nil {
			return batch, fmt.Errorf("apply csv row %d: %w", row.Index, err)
		}
		status := StatusIngested
		if !changed {
			status = StatusDuplicate
		}
		s.metrics.RecordIngest(kindMetricRow, "csv", status)
		batch.add(RecordResult{Index: row.Index, Status: status, ID: row.Increment.ContributionID})
	}
	return batch, nil
}

// =============================================
// Helpers
// =============================================

func (s *Service) reject(index int, kind, channel string, err error) RecordResult {
	s.metrics.RecordIngest(kind, channel, StatusRejected)
	return RecordResult{Index: index, Status: StatusRejected, Error: asValidation(err)}
}

// lookup consults the dedup index. Index failures fall through to the store.
func (s *Service) lookup(ctx context.Context, kind, sourceSystemID string) (string, bool) {
	if s.dedup == nil {
		return "", false
	}
	id, found, err := s.dedup.Lookup(ctx, kind, sourceSystemID)
	if err != nil {
		s.logger.Warn("dedup lookup failed", zap.String("kind", kind), zap.Error(err))
		return "", false
	}
	return id, found
}

func (s *Service) mark(ctx context.Context, kind, sourceSystemID, id string) {
	if s.dedup == nil {
		return
	}
	if err := s.dedup.Mark(ctx, kind, sourceSystemID, id); err != nil {
		s.logger.Warn("dedup mark failed", zap.String("kind", kind), zap.Error(err))
	}
}
