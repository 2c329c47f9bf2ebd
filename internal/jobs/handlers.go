package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/queue"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// ConversionResolver resolves one conversion.
type ConversionResolver interface {
	Resolve(ctx context.Context, conversionID string) (*attribution.Resolution, error)
}

// Handlers executes attribute and rollup jobs.
type Handlers struct {
	resolver ConversionResolver
	sink     attribution.Sink
	events   storage.EventStore
	results  storage.AttributionRepo
	rollup   ContributionWriter
	logger   *zap.Logger
}

// NewHandlers wires the job handlers. sink receives every resolution; in a
// running service it is the Dispatcher, which turns it into rollup jobs.
func NewHandlers(stores *storage.Stores, resolver ConversionResolver, sink attribution.Sink, rollup ContributionWriter, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		resolver: resolver,
		sink:     sink,
		events:   stores.Events,
		results:  stores.Attribution,
		rollup:   rollup,
		logger:   logger,
	}
}

// Register installs the handlers on p.
func (h *Handlers) Register(p *queue.Pool) {
	p.Handle(KindAttribute, h.Attribute)
	p.Handle(KindRollup, h.Rollup)
}

// Attribute resolves the conversion named by the job. A missing conversion or
// campaign and a broken attribution config cannot succeed on retry.
func (h *Handlers) Attribute(ctx context.Context, job queue.Job) error {
	var p AttributePayload
	if err := job.Decode(&p); err != nil || p.ConversionID == "" {
		return queue.Permanent(fmt.Errorf("bad attribute payload: %s", job.Payload))
	}

	res, err := h.resolver.Resolve(ctx, p.ConversionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || models.IsValidation(err) {
			return queue.Permanent(err)
		}
		return err
	}
	if h.sink != nil {
		if err := h.sink.Resolved(ctx, res); err != nil {
			return fmt.Errorf("forward resolution of %s: %w", p.ConversionID, err)
		}
	}
	return nil
}

// Rollup rebuilds one conversion's contributions to one partition from the
// attribution currently stored. A conversion without stored attribution
// contributes nothing.
func (h *Handlers) Rollup(ctx context.Context, job queue.Job) error {
	var p RollupPayload
	if err := job.Decode(&p); err != nil || p.ConversionID == "" {
		return queue.Permanent(fmt.Errorf("bad rollup payload: %s", job.Payload))
	}
	if err := p.Key.Validate(); err != nil {
		return queue.Permanent(err)
	}

	conv, err := h.events.GetConversion(ctx, p.ConversionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	var results []models.AttributionResult
	set, err := h.results.GetAttribution(ctx, p.ConversionID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return err
	default:
		results = set.Results
	}

	incs := attribution.Contributions(conv, results)[p.Key]
	changed, err := h.rollup.ReplaceContributions(ctx, p.Key, attribution.ContributionPrefix(conv.ID), incs)
	if err != nil {
		if models.IsValidation(err) {
			return queue.Permanent(err)
		}
		return err
	}
	h.logger.Debug("rollup applied",
		zap.String("conversion_id", conv.ID),
		zap.String("partition", p.Key.PartitionKey()),
		zap.Bool("changed", changed),
	)
	return nil
}
