package cloneagent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdcc/cloneagent/internal/history"
)

// Recorder observes job lifecycle events. Recording failures must never
// fail a clone, so the interface returns nothing; implementations log.
type Recorder interface {
	JobStarted(job CloneJob)
	JobFinished(job CloneJob, out Outcome)
}

type noopRecorder struct{}

func (noopRecorder) JobStarted(CloneJob)           {}
func (noopRecorder) JobFinished(CloneJob, Outcome) {}

// historyRecorder persists job rows to the SQLite history store.
type historyRecorder struct {
	store   *history.Store
	version string
}

// NewHistoryRecorder wraps a history store as a Recorder. version is stamped
// onto every row so old records stay attributable across upgrades.
func NewHistoryRecorder(store *history.Store, version string) Recorder {
	return &historyRecorder{store: store, version: version}
}

const recordTimeout = 5 * time.Second

func (r *historyRecorder) JobStarted(job CloneJob) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	row := historyJob(job)
	row.AgentVersion = r.version
	if err := r.store.JobStarted(ctx, row); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("record job start failed")
	}
}

func (r *historyRecorder) JobFinished(job CloneJob, out Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	row := historyJob(job)
	row.AgentVersion = r.version
	row.FinishedAt = job.StartAt.Add(out.Duration)
	row.Outcome = out.Kind.String()
	row.ErrorKind = string(out.Err)
	row.BytesCopied = out.BytesCopied
	row.Duration = out.Duration
	if err := r.store.JobFinished(ctx, row); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("record job finish failed")
	}
}

func historyJob(job CloneJob) history.Job {
	return history.Job{
		ID:           job.ID,
		Mode:         string(job.Mode),
		SourceModel:  job.Source.Model,
		SourceSerial: job.Source.Serial,
		SourceSize:   job.Source.SizeBytes,
		DestModel:    job.Destination.Model,
		DestSerial:   job.Destination.Serial,
		DestSize:     job.Destination.SizeBytes,
		StartedAt:    job.StartAt,
	}
}
