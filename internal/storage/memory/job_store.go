package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/selextract/scrape-engine/internal/engine"
)

// ErrJobNotFound is returned when the requested job does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]engine.Job
	attempts  map[string][]engine.ExecutionAttempt
	debits    map[string]engine.DebitRecord
	cancelled map[string]bool
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]engine.Job),
		attempts:  make(map[string][]engine.ExecutionAttempt),
		debits:    make(map[string]engine.DebitRecord),
		cancelled: make(map[string]bool),
	}
}

// CreateJob stores a new job in pending status.
func (s *JobStore) CreateJob(_ context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Status == "" {
		job.Status = engine.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (engine.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return engine.Job{}, ErrJobNotFound
	}
	return job, nil
}

// MarkRunning transitions the job to running and records the start time.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = engine.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = pointerTime(startedAt)
	}
	s.jobs[jobID] = job
	return nil
}

// Cancel marks the job as cancellation-requested. The status stays untouched
// so the runner can still finalize whatever attempts exist; it observes the
// flag via IsCancelled between URLs.
func (s *JobStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !job.Status.Terminal() {
		s.cancelled[jobID] = true
	}
	return nil
}

// IsCancelled reports whether cancellation was requested for the job.
func (s *JobStore) IsCancelled(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false, ErrJobNotFound
	}
	return s.cancelled[jobID], nil
}

// FinalizeJob applies the terminal transition, attempt rows, and debit in one
// critical section. A job that already holds a terminal status is left
// untouched, which makes redelivered finalizations no-ops.
func (s *JobStore) FinalizeJob(_ context.Context, fin engine.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[fin.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = fin.Status
	job.ErrorText = fin.ErrorText
	job.ResultURI = fin.ResultURI
	job.AttemptCount = len(fin.Attempts)
	job.ComputeUnits = fin.Debit.Units
	job.CompletedAt = pointerTime(fin.CompletedAt)
	s.jobs[fin.JobID] = job

	s.attempts[fin.JobID] = append([]engine.ExecutionAttempt(nil), fin.Attempts...)
	if fin.Debit.Units > 0 {
		if _, exists := s.debits[fin.JobID]; !exists {
			s.debits[fin.JobID] = fin.Debit
		}
	}
	return nil
}

// ListAttempts returns the recorded attempts for a job in input URL order.
func (s *JobStore) ListAttempts(_ context.Context, jobID string) ([]engine.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[jobID]
	out := make([]engine.ExecutionAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

// Debit returns the ledger entry recorded for a job, if any.
func (s *JobStore) Debit(jobID string) (engine.DebitRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.debits[jobID]
	return d, ok
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
