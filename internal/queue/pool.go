package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// Handler processes one job. A returned error causes redelivery unless it is
// permanent or the job ran out of attempts.
type Handler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers     int
	MaxAttempts int
	// ShardBuffer is the per-worker backlog before the receiver waits.
	ShardBuffer int
}

// Pool pulls jobs from a queue and runs them on a fixed set of workers. Every
// partition maps to exactly one worker, so jobs of a partition never run
// concurrently and run in delivery order.
type Pool struct {
	queue    Queue
	cfg      PoolConfig
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewPool(q Queue, cfg PoolConfig, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  m,
	}
}

// Handle registers h for kind. Must be called before Run.
func (p *Pool) Handle(kind string, h Handler) {
	p.handlers[kind] = h
}

// Shard returns the worker index of partition.
func Shard(partition string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(partition))
	return int(h.Sum32() % uint32(workers))
}

// Run receives and dispatches jobs until ctx is done or the queue is closed.
// Deliveries not yet handled at shutdown are nacked. Run returns once every
// worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	shards := make([]chan Delivery, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan Delivery, p.cfg.ShardBuffer)
		wg.Add(1)
		go func(ch <-chan Delivery) {
			defer wg.Done()
			for d := range ch {
				p.process(ctx, d)
			}
		}(shards[i])
	}

	p.logger.Info("job pool started", zap.Int("workers", p.cfg.Workers))
	err := p.receive(ctx, shards)

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	p.logger.Info("job pool stopped")
	return err
}

func (p *Pool) receive(ctx context.Context, shards []chan Delivery) error {
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			p.logger.Error("failed to receive jobs", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		for i, d := range deliveries {
			select {
			case shards[Shard(d.Job.Partition, len(shards))] <- d:
			case <-ctx.Done():
				p.release(ctx, deliveries[i:])
				return nil
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, d Delivery) {
	if ctx.Err() != nil {
		p.release(ctx, []Delivery{d})
		return
	}

	job := d.Job
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("partition", job.Partition),
		zap.Int("attempt", job.Attempt),
	)

	h, ok := p.handlers[job.Kind]
	if !ok {
		log.Error("dropping job of unknown kind")
		p.settle(ctx, d, true, log)
		p.metrics.RecordJob(job.Kind, "unknown", 0)
		return
	}

	start := time.Now()
	err := h(ctx, job)
	latency := time.Since(start)

	switch {
	case err == nil:
		p.settle(ctx, d, true, log)
		p.metrics.RecordJob(job.Kind, "ok", latency)
	case ctx.Err() != nil:
		p.release(ctx, []Delivery{d})
		p.metrics.RecordJob(job.Kind, "interrupted", latency)
	case IsPermanent(err):
		log.Error("dropping job after permanent failure", zap.Error(err))
		p.settle(ctx, d, true, log)
		p.metrics.RecordJob(job.Kind, "failed", latency)
	case job.Attempt+1 >= p.cfg.MaxAttempts:
		log.Error("dropping job after max attempts", zap.Int("max_attempts", p.cfg.MaxAttempts), zap.Error(err))
		p.settle(ctx, d, true, log)
		p.metrics.RecordJob(job.Kind, "failed", latency)
	default:
		log.Warn("job failed, will retry", zap.Error(err))
		p.settle(ctx, d, false, log)
		p.metrics.RecordJob(job.Kind, "retry", latency)
	}
}

func (p *Pool) settle(ctx context.Context, d Delivery, ack bool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	if err != nil {
		log.Error("failed to settle job", zap.Bool("ack", ack), zap.Error(err))
	}
}

// release hands deliveries back to the queue during shutdown.
func (p *Pool) release(ctx context.Context, ds []Delivery) {
	for _, d := range ds {
		p.settle(ctx, d, false, p.logger.With(zap.String("job_id", d.Job.ID)))
	}
}
