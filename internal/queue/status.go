package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Status is the observable record of a job, kept in a JetStream key-value
// bucket keyed by job ID.
type Status struct {
	JobID       string     `json:"job_id"`
	Kind        Kind       `json:"kind"`
	Session     string     `json:"session,omitempty"`
	Source      string     `json:"source"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	Chunks      int        `json:"chunks,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not change state again.
func (s Status) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

func newStatus(job Job) Status {
	return Status{
		JobID:       job.ID,
		Kind:        job.Kind,
		Session:     job.Session,
		Source:      job.Source(),
		State:       StatePending,
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   time.Now().UTC(),
	}
}

type statusStore struct {
	kv jetstream.KeyValue
}

func (s *statusStore) get(ctx context.Context, id string) (*Status, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("reading job status %s: %w", id, err)
	}
	var st Status
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("decoding job status %s: %w", id, err)
	}
	return &st, nil
}

func (s *statusStore) put(ctx context.Context, st Status) error {
	st.UpdatedAt = time.Now().UTC()
	if st.Terminal() && st.FinishedAt == nil {
		finished := st.UpdatedAt
		st.FinishedAt = &finished
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding job status %s: %w", st.JobID, err)
	}
	if _, err := s.kv.Put(ctx, st.JobID, data); err != nil {
		return fmt.Errorf("writing job status %s: %w", st.JobID, err)
	}
	return nil
}

// update applies fn to the stored record, or to a fresh record for job when
// none exists (the bucket TTL may have expired it).
func (s *statusStore) update(ctx context.Context, job Job, fn func(*Status)) error {
	st, err := s.get(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			return err
		}
		fresh := newStatus(job)
		st = &fresh
	}
	fn(st)
	return s.put(ctx, *st)
}

func (s *statusStore) delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, id)
}
