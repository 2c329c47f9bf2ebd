// Package archive copies accepted events into the analytical event archive in
// batches, off the ingestion path.
package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

const (
	tableTouchpoints = "touchpoint_events"
	tableConversions = "conversion_events"
)

// Config sizes a Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// Buffer is the number of events held before new ones are dropped.
	Buffer int
}

type item struct {
	touchpoint *models.TouchpointEvent
	conversion *models.ConversionEvent
}

// Writer batches events and writes them to an EventArchive. Archiving never
// blocks ingestion: when the buffer is full the event is dropped and counted.
type Writer struct {
	archive storage.EventArchive
	cfg     Config
	in      chan item
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewWriter(archive storage.EventArchive, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.BatchSize * 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		archive: archive,
		cfg:     cfg,
		in:      make(chan item, cfg.Buffer),
		logger:  logger,
		metrics: m,
	}
}

func (w *Writer) ArchiveTouchpoint(tp *models.TouchpointEvent) {
	w.offer(item{touchpoint: tp}, tableTouchpoints)
}

func (w *Writer) ArchiveConversion(c *models.ConversionEvent) {
	w.offer(item{conversion: c}, tableConversions)
}

func (w *Writer) offer(it item, table string) {
	select {
	case w.in <- it:
	default:
		w.metrics.RecordArchiveDrop(table)
	}
}

// Run writes batches until ctx is done, then flushes what is buffered.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]item, 0, w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case it := <-w.in:
					batch = append(batch, it)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.logger.Info("flushing final archive batch", zap.Int("event_count", len(batch)))
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				w.flush(flushCtx, batch)
				cancel()
			}
			return

		case it := <-w.in:
			batch = append(batch, it)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, batch)
				batch = make([]item, 0, w.cfg.BatchSize)
				ticker.Reset(w.cfg.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = make([]item, 0, w.cfg.BatchSize)
			}
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []item) {
	var tps []*models.TouchpointEvent
	var cs []*models.ConversionEvent
	for _, it := range batch {
		if it.touchpoint != nil {
			tps = append(tps, it.touchpoint)
		} else {
			cs = append(cs, it.conversion)
		}
	}

	if len(tps) > 0 {
		w.record(tableTouchpoints, len(tps), w.archive.InsertTouchpoints(ctx, tps))
	}
	if len(cs) > 0 {
		w.record(tableConversions, len(cs), w.archive.InsertConversions(ctx, cs))
	}
}

func (w *Writer) record(table string, n int, err error) {
	if err != nil {
		w.logger.Error("failed to archive batch",
			zap.String("table", table),
			zap.Int("event_count", n),
			zap.Error(err))
		w.metrics.RecordArchiveBatch(table, "error")
		return
	}
	w.logger.Debug("archived batch", zap.String("table", table), zap.Int("event_count", n))
	w.metrics.RecordArchiveBatch(table, "ok")
}
