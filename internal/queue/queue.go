package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Job is one unit of background work. Jobs sharing a Partition are handled
// in enqueue order by a single worker.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Partition  string          `json:"partition"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Attempt counts earlier deliveries of this job. Set by the backend.
	Attempt int `json:"-"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Delivery is a received job. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Job  Job
	Ack  func(ctx context.Context) error
	Nack func(ctx context.Context) error
}

// Queue is a durable at-least-once job queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Receive blocks until at least one job is available, the backend's poll
	// interval elapses (returning no deliveries), or ctx is done.
	Receive(ctx context.Context) ([]Delivery, error)
	Close() error
}

// NewJob builds a job with a JSON payload.
func NewJob(id, kind, partition string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         id,
		Kind:       kind,
		Partition:  partition,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
