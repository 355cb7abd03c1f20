package engine

import (
	"context"
	"time"
)

// Queue provides enqueue/dequeue semantics against the external broker.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	Dequeue(ctx context.Context) (TaskMessage, error)
}

// JobStore persists job state, per-URL attempts, and the compute-unit
// ledger. FinalizeJob must apply the status transition, the attempt rows,
// and the debit atomically, and must be idempotent per job ID.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (Job, error)
	MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	FinalizeJob(ctx context.Context, fin Finalization) error
	ListAttempts(ctx context.Context, jobID string) ([]ExecutionAttempt, error)
}

// Finalization carries everything FinalizeJob applies in one transaction.
type Finalization struct {
	JobID       string
	OwnerID     string
	Status      JobStatus
	ErrorText   string
	ResultURI   string
	Attempts    []ExecutionAttempt
	Debit       DebitRecord
	CompletedAt time.Time
}

// ArtifactStore writes rendered result files and returns an addressable URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Executor drives one URL through a browser session. The returned attempt is
// always populated; err is non-nil exactly when the attempt failed and
// carries the classification consumed by the retry policy.
type Executor interface {
	Execute(ctx context.Context, url string, cfg JobConfig, proxy *Proxy) (ExecutionAttempt, error)
}

// ProxyPool leases egress proxies and collects per-lease outcomes. Lease
// returns nil with no error when the pool is empty; falling back to a direct
// connection is the caller's policy decision.
type ProxyPool interface {
	Lease(ctx context.Context) (*Proxy, error)
	ReportOutcome(p *Proxy, success bool)
}

// Clock returns the current time; injected so accounting is testable.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for attempt and ledger rows.
type IDGenerator interface {
	NewID() (string, error)
}
