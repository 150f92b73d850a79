package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/db/models"
	"github.com/quantfold/btq/pkg/runner"
	"github.com/quantfold/btq/pkg/sweep"
)

// Ledger persists dispatch and collection history. It satisfies the ledger
// interfaces of both the dispatcher and the collector. All writes are
// upserts keyed on deterministic identifiers, so replaying a dispatch or
// re-collecting a sweep rewrites the same rows.
type Ledger struct {
	db *bun.DB
}

func NewLedger(db *bun.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordSweep upserts the sweep definition.
func (l *Ledger) RecordSweep(ctx context.Context, sw *sweep.Spec) error {
	spec, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("encoding sweep spec: %w", err)
	}
	row := &models.Sweep{
		ID:    sw.ID,
		Image: sw.Image,
		Spec:  spec,
	}
	_, err = l.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("image = EXCLUDED.image").
		Set("spec = EXCLUDED.spec").
		Exec(ctx)
	return err
}

// RecordDispatch upserts the job row for a submitted attempt.
func (l *Ledger) RecordDispatch(ctx context.Context, job sweep.JobSpec, kubeName string) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encoding job params: %w", err)
	}
	row := &models.Job{
		ID:       job.ID,
		SweepID:  job.SweepID,
		KubeName: kubeName,
		Params:   params,
		Seed:     job.Seed,
		Attempt:  job.Attempt,
		Status:   string(runner.StatusPending),
	}
	_, err = l.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("kube_name = EXCLUDED.kube_name").
		Set("attempt = EXCLUDED.attempt").
		Set("status = EXCLUDED.status").
		Set("updated_at = current_timestamp").
		Exec(ctx)
	return err
}

// RecordResult upserts the collected result of a job attempt and advances
// the job row to the attempt's terminal status. The ledger is the durable
// memory across collections: a new checksum that contradicts any previously
// recorded one for the same job is a determinism violation, even when the
// conflicting attempt was collected by an earlier invocation whose artifacts
// have since been overwritten.
func (l *Ledger) RecordResult(ctx context.Context, res *runner.Result) error {
	if res.Checksum != "" {
		prev, err := l.lastChecksum(ctx, res.JobID)
		if err != nil {
			return err
		}
		if prev != "" && prev != res.Checksum {
			return bterr.New(bterr.CodeDeterminismViolation, fmt.Errorf(
				"job %s: ledger recorded checksum %s, attempt %d reports %s",
				res.JobID, prev, res.Attempt, res.Checksum))
		}
	}

	row := &models.JobResult{
		JobID:      res.JobID,
		Attempt:    res.Attempt,
		SweepID:    res.SweepID,
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		Checksum:   res.Checksum,
		StatsKey:   res.StatsKey,
		Message:    res.Message,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	_, err := l.db.NewInsert().
		Model(row).
		On("CONFLICT (job_id, attempt) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("exit_code = EXCLUDED.exit_code").
		Set("checksum = EXCLUDED.checksum").
		Set("stats_key = EXCLUDED.stats_key").
		Set("message = EXCLUDED.message").
		Set("collected_at = current_timestamp").
		Exec(ctx)
	if err != nil {
		return err
	}

	_, err = l.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", string(res.Status)).
		Set("attempt = ?", res.Attempt).
		Set("updated_at = current_timestamp").
		Where("id = ?", res.JobID).
		Exec(ctx)
	return err
}

// lastChecksum returns the most recently recorded non-empty checksum for the
// job, or "" when no attempt has reported one.
func (l *Ledger) lastChecksum(ctx context.Context, jobID string) (string, error) {
	var prev models.JobResult
	err := l.db.NewSelect().
		Model(&prev).
		Column("checksum").
		Where("job_id = ?", jobID).
		Where("checksum <> ''").
		Order("attempt DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return prev.Checksum, nil
}

// MarkCancelled stamps the sweep's cancellation time.
func (l *Ledger) MarkCancelled(ctx context.Context, sweepID string) error {
	now := time.Now()
	_, err := l.db.NewUpdate().
		Model((*models.Sweep)(nil)).
		Set("cancelled_at = ?", now).
		Where("id = ?", sweepID).
		Exec(ctx)
	return err
}

// GetSweep loads one sweep row.
func (l *Ledger) GetSweep(ctx context.Context, sweepID string) (*models.Sweep, error) {
	var row models.Sweep
	if err := l.db.NewSelect().Model(&row).Where("id = ?", sweepID).Scan(ctx); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListSweeps returns sweeps newest first.
func (l *Ledger) ListSweeps(ctx context.Context, limit int) ([]models.Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Sweep
	err := l.db.NewSelect().
		Model(&rows).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	return rows, err
}

// ListJobs returns the jobs of a sweep in identifier order, matching the
// sweep's expansion order for single-dimension sweeps.
func (l *Ledger) ListJobs(ctx context.Context, sweepID string) ([]models.Job, error) {
	var rows []models.Job
	err := l.db.NewSelect().
		Model(&rows).
		Where("sweep_id = ?", sweepID).
		Order("id ASC").
		Scan(ctx)
	return rows, err
}

// ListResults returns the collected results of a sweep.
func (l *Ledger) ListResults(ctx context.Context, sweepID string) ([]models.JobResult, error) {
	var rows []models.JobResult
	err := l.db.NewSelect().
		Model(&rows).
		Where("sweep_id = ?", sweepID).
		Order("job_id ASC", "attempt ASC").
		Scan(ctx)
	return rows, err
}
