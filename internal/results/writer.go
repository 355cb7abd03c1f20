// Package results turns a finished job's attempts into a stored artifact and
// settles the compute-unit debit together with the terminal status.
package results

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
)

// Writer finalizes jobs: it renders the result artifact, uploads it, and
// commits the status transition plus ledger debit in one store call.
type Writer struct {
	artifacts engine.ArtifactStore
	store     engine.JobStore
	clock     engine.Clock
	logger    *zap.Logger
}

// NewWriter constructs a Writer.
func NewWriter(artifacts engine.ArtifactStore, store engine.JobStore, clock engine.Clock, logger *zap.Logger) *Writer {
	return &Writer{
		artifacts: artifacts,
		store:     store,
		clock:     clock,
		logger:    logger,
	}
}

// Finalize persists the job outcome. The artifact path is keyed by job ID,
// so a redelivered finalize overwrites the same object instead of growing a
// second one; the store side is idempotent per job ID for the same reason.
//
// A job that performed browser work is billed one unit per started minute of
// wall clock. A job rejected before any browser work bills nothing.
func (w *Writer) Finalize(
	ctx context.Context,
	job engine.Job,
	cfg engine.JobConfig,
	attempts []engine.ExecutionAttempt,
	status engine.JobStatus,
	errText string,
	startedAt time.Time,
) error {
	completedAt := w.clock.Now()

	resultURI := ""
	if len(attempts) > 0 {
		data, contentType, ext, err := render(job, cfg, attempts, status, completedAt)
		if err != nil {
			return engine.WrapError(engine.KindStorage, err, "render result artifact")
		}
		path := fmt.Sprintf("results/%s.%s", job.ID, ext)
		uri, err := w.artifacts.PutObject(ctx, path, contentType, data)
		if err != nil {
			// Without a stored artifact the job must not read as completed;
			// the caller leaves it running for redelivery.
			return engine.WrapError(engine.KindStorage, err, "store result artifact")
		}
		resultURI = uri
	}

	var debit engine.DebitRecord
	if len(attempts) > 0 {
		debit = engine.DebitRecord{
			OwnerID:   job.OwnerID,
			JobID:     job.ID,
			Units:     engine.ComputeUnits(completedAt.Sub(startedAt)),
			Timestamp: completedAt,
		}
	}

	fin := engine.Finalization{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Status:      status,
		ErrorText:   errText,
		ResultURI:   resultURI,
		Attempts:    attempts,
		Debit:       debit,
		CompletedAt: completedAt,
	}
	if err := w.store.FinalizeJob(ctx, fin); err != nil {
		return engine.WrapError(engine.KindStorage, err, "finalize job record")
	}
	// Counted only once the debit is committed; a failed finalize gets
	// redelivered and must not inflate the total.
	if debit.Units > 0 {
		metrics.AddComputeUnits(debit.Units)
	}

	w.logger.Info("result finalized",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("result_uri", resultURI),
		zap.Int64("compute_units", debit.Units),
	)
	return nil
}
