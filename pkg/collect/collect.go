// Package collect reconciles a dispatched sweep against the artifact store.
// The collector polls for each job's result record, resubmits errored jobs a
// bounded number of times, and verifies that repeated attempts of the same
// job produced identical stats. It never blocks forever: a sweep that has
// not fully reported within the wait window comes back incomplete.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/runner"
	"github.com/quantfold/btq/pkg/sweep"
)

// Resubmitter is the dispatch surface the collector needs: fresh attempts
// for errored jobs and the sweep's cancellation flag.
type Resubmitter interface {
	Resubmit(ctx context.Context, job sweep.JobSpec) (sweep.JobSpec, error)
	Cancelled(ctx context.Context, sweepID string) (bool, error)
}

// Ledger records collected results. It also serves as the durable checksum
// memory: RecordResult returns a bterr.CodeDeterminismViolation error when the
// result's checksum contradicts one recorded by an earlier collection, and
// the collector treats that as fatal. A nil Ledger disables recording.
type Ledger interface {
	RecordResult(ctx context.Context, res *runner.Result) error
}

// IncompleteError reports the jobs that had no result record when the wait
// window closed. The partial report is still returned alongside it.
type IncompleteError struct {
	SweepID string
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("sweep %s incomplete: %d job(s) without results", e.SweepID, len(e.Missing))
}

// DeterminismError reports a job whose attempts produced different stats.
// This is fatal for the sweep: neither artifact can be trusted, and keeping
// the latest would silently hide the nondeterminism.
type DeterminismError struct {
	JobID     string
	Checksums []string
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("job %s: attempts produced differing stats checksums %v", e.JobID, e.Checksums)
}

// Report is the outcome of one collection pass over a sweep.
type Report struct {
	SweepID string
	// Results maps job ID to its final result record.
	Results map[string]*runner.Result
	// Resubmitted maps job ID to the number of fresh attempts this
	// collection issued.
	Resubmitted map[string]int
	// Cancelled marks a sweep that was cancelled; its results are recorded
	// but the sweep is not treated as incomplete.
	Cancelled bool
}

// Missing returns the expected job IDs with no result, sorted.
func (r *Report) Missing(sw *sweep.Spec) []string {
	var missing []string
	for job := range sw.Jobs() {
		if _, ok := r.Results[job.ID]; !ok {
			missing = append(missing, job.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

// Collector reconciles sweeps against the artifact store.
type Collector struct {
	store      btart.Store
	dispatcher Resubmitter
	ledger     Ledger
	log        *btlog.Logger

	// PollInterval is the delay between reconciliation passes while waiting.
	PollInterval time.Duration
	// MaxResubmits bounds automatic fresh attempts per errored job.
	MaxResubmits int
}

// NewCollector creates a Collector. dispatcher and ledger may be nil, which
// disables resubmission and recording respectively.
func NewCollector(store btart.Store, dispatcher Resubmitter, ledger Ledger, log *btlog.Logger, maxResubmits int) *Collector {
	if maxResubmits < 0 {
		maxResubmits = 0
	}
	return &Collector{
		store:        store,
		dispatcher:   dispatcher,
		ledger:       ledger,
		log:          log,
		PollInterval: 2 * time.Second,
		MaxResubmits: maxResubmits,
	}
}

// Collect reconciles the sweep, waiting up to wait for stragglers. wait of 0
// does a single pass. Collection is idempotent: re-collecting a finished
// sweep re-reads the same records and reports the same results.
func (c *Collector) Collect(ctx context.Context, sw *sweep.Spec, wait time.Duration) (*Report, error) {
	report := &Report{
		SweepID:     sw.ID,
		Results:     map[string]*runner.Result{},
		Resubmitted: map[string]int{},
	}

	if c.dispatcher != nil {
		cancelled, err := c.dispatcher.Cancelled(ctx, sw.ID)
		if err != nil {
			return report, err
		}
		report.Cancelled = cancelled
	}

	deadline := time.Now().Add(wait)
	st := &collectState{
		checksums:   map[string]string{},
		wantAttempt: map[string]int{},
	}

	for {
		done, err := c.pass(ctx, sw, report, st)
		if err != nil {
			return report, err
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}

	if report.Cancelled {
		// Late results from a cancelled sweep are recorded and ignored:
		// whatever arrived is in the report, and absentees are expected.
		c.log.Info("collected cancelled sweep",
			"sweep", sw.ID, "results", len(report.Results))
		return report, nil
	}

	if missing := report.Missing(sw); len(missing) > 0 {
		return report, bterr.New(bterr.CodeIncomplete, &IncompleteError{
			SweepID: sw.ID,
			Missing: missing,
		})
	}

	c.log.Info("sweep collected", "sweep", sw.ID, "results", len(report.Results))
	return report, nil
}

// collectState carries per-job bookkeeping across reconciliation passes.
type collectState struct {
	checksums map[string]string
	// wantAttempt is the minimum attempt number a job's record must carry
	// after a resubmission; earlier records are the stale attempt's.
	wantAttempt map[string]int
}

// pass runs one reconciliation sweep over the expected jobs. It returns true
// when every job has a final result.
func (c *Collector) pass(ctx context.Context, sw *sweep.Spec, report *Report, st *collectState) (bool, error) {
	done := true
	for job := range sw.Jobs() {
		if _, ok := report.Results[job.ID]; ok {
			continue
		}

		res, err := c.fetchResult(ctx, job)
		if errors.Is(err, btart.ErrNotFound) {
			done = false
			continue
		}
		if err != nil {
			return false, err
		}
		if res.Attempt < st.wantAttempt[job.ID] {
			// Stale record from before the resubmission.
			done = false
			continue
		}

		if err := c.checkDeterminism(ctx, job, res, st.checksums); err != nil {
			return false, err
		}

		if res.Status == runner.StatusErrored && !report.Cancelled &&
			c.dispatcher != nil && report.Resubmitted[job.ID] < c.MaxResubmits {
			attempt := job
			attempt.Attempt = res.Attempt
			if _, err := c.dispatcher.Resubmit(ctx, attempt); err != nil {
				return false, fmt.Errorf("resubmitting %s: %w", job.ID, err)
			}
			report.Resubmitted[job.ID]++
			st.wantAttempt[job.ID] = res.Attempt + 1
			c.log.Info("errored job resubmitted",
				"job", job.ID, "attempt", res.Attempt+1, "resubmits", report.Resubmitted[job.ID])
			done = false
			continue
		}

		// The ledger write runs before the result is accepted: it remembers
		// checksums across invocations and refuses one that contradicts an
		// earlier collection, which the in-memory state cannot see.
		if c.ledger != nil {
			if err := c.ledger.RecordResult(ctx, res); err != nil {
				if bterr.IsCode(err, bterr.CodeDeterminismViolation) {
					return false, err
				}
				c.log.Warn("failed to record result", "job", job.ID, "error", err)
			}
		}
		report.Results[job.ID] = res
	}
	return done, nil
}

func (c *Collector) fetchResult(ctx context.Context, job sweep.JobSpec) (*runner.Result, error) {
	key := btart.JobKey(job.SweepID, job.ID, runner.ResultFile)
	rc, err := c.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading result record %s: %w", key, err)
	}
	var res runner.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result record %s: %w", key, err)
	}
	return &res, nil
}

// checkDeterminism verifies the job's stats checksum is consistent: the
// result record must agree with the stats artifact's metadata, and with any
// checksum a previous attempt reported for the same job.
func (c *Collector) checkDeterminism(ctx context.Context, job sweep.JobSpec, res *runner.Result, checksums map[string]string) error {
	if res.Checksum == "" {
		return nil
	}

	if prev, ok := checksums[job.ID]; ok && prev != res.Checksum {
		return bterr.New(bterr.CodeDeterminismViolation, &DeterminismError{
			JobID:     job.ID,
			Checksums: []string{prev, res.Checksum},
		})
	}
	checksums[job.ID] = res.Checksum

	stats, err := c.store.Stat(ctx, btart.JobKey(job.SweepID, job.ID, runner.StatsFile))
	if err != nil {
		if errors.Is(err, btart.ErrNotFound) {
			return fmt.Errorf("job %s: result references stats artifact that does not exist", job.ID)
		}
		return err
	}
	if got := stats.Checksum(); got != "" && got != res.Checksum {
		return bterr.New(bterr.CodeDeterminismViolation, &DeterminismError{
			JobID:     job.ID,
			Checksums: []string{res.Checksum, got},
		})
	}
	return nil
}
