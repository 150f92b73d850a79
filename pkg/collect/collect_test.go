package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/runner"
	"github.com/quantfold/btq/pkg/sweep"
)

func seedSweep() *sweep.Spec {
	return &sweep.Spec{
		ID:    "sweep-1",
		Image: "registry.example.com/btq/runtime:abc123def456-0123456789ab",
		Dimensions: []sweep.Dimension{
			{Key: "seed", Values: []string{"1", "2", "3"}},
		},
	}
}

type fakeDispatcher struct {
	cancelled   bool
	resubmitted []sweep.JobSpec
	// onResubmit lets a test publish the fresh attempt's result.
	onResubmit func(job sweep.JobSpec)
}

func (d *fakeDispatcher) Resubmit(_ context.Context, job sweep.JobSpec) (sweep.JobSpec, error) {
	next := job
	next.Attempt++
	d.resubmitted = append(d.resubmitted, next)
	if d.onResubmit != nil {
		d.onResubmit(next)
	}
	return next, nil
}

func (d *fakeDispatcher) Cancelled(context.Context, string) (bool, error) {
	return d.cancelled, nil
}

func publishResult(t *testing.T, store btart.Store, res *runner.Result, stats []byte) {
	t.Helper()
	ctx := context.Background()
	if stats != nil {
		res.StatsKey = btart.JobKey(res.SweepID, res.JobID, runner.StatsFile)
		_, err := store.Upload(ctx, res.StatsKey, bytes.NewReader(stats), "application/json",
			map[string]string{btart.ChecksumMetaKey: res.Checksum})
		if err != nil {
			t.Fatalf("uploading stats: %v", err)
		}
	}
	record, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("encoding result: %v", err)
	}
	key := btart.JobKey(res.SweepID, res.JobID, runner.ResultFile)
	if _, err := store.Upload(ctx, key, bytes.NewReader(record), "application/json", nil); err != nil {
		t.Fatalf("uploading result: %v", err)
	}
}

func succeededResult(jobID string, checksum string) *runner.Result {
	return &runner.Result{
		JobID:    jobID,
		SweepID:  "sweep-1",
		Status:   runner.StatusSucceeded,
		Checksum: checksum,
	}
}

func newTestCollector(store btart.Store, d Resubmitter) *Collector {
	c := NewCollector(store, d, nil, btlog.NewQuiet(), 2)
	c.PollInterval = time.Millisecond
	return c
}

func TestCollectComplete(t *testing.T) {
	store := btart.NewMemStore()
	for _, seed := range []string{"1", "2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	c := newTestCollector(store, &fakeDispatcher{})
	report, err := c.Collect(context.Background(), seedSweep(), 0)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("collected %d results, want 3", len(report.Results))
	}
}

func TestCollectIdempotent(t *testing.T) {
	store := btart.NewMemStore()
	for _, seed := range []string{"1", "2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	c := newTestCollector(store, &fakeDispatcher{})
	first, err := c.Collect(context.Background(), seedSweep(), 0)
	if err != nil {
		t.Fatalf("first Collect: %v", err)
	}
	second, err := c.Collect(context.Background(), seedSweep(), 0)
	if err != nil {
		t.Fatalf("second Collect: %v", err)
	}
	if len(first.Results) != len(second.Results) {
		t.Fatalf("re-collection changed result count: %d vs %d", len(first.Results), len(second.Results))
	}
	for id, res := range first.Results {
		if second.Results[id].Checksum != res.Checksum {
			t.Fatalf("re-collection changed checksum for %s", id)
		}
	}
}

func TestCollectIncomplete(t *testing.T) {
	store := btart.NewMemStore()
	publishResult(t, store, succeededResult("sweep-1#seed=1", "aa1"), []byte("stats-1"))

	c := newTestCollector(store, &fakeDispatcher{})
	report, err := c.Collect(context.Background(), seedSweep(), 5*time.Millisecond)
	if !bterr.IsCode(err, bterr.CodeIncomplete) {
		t.Fatalf("err = %v, want incomplete", err)
	}
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("err does not wrap IncompleteError: %v", err)
	}
	if len(inc.Missing) != 2 {
		t.Fatalf("missing = %v, want 2 jobs", inc.Missing)
	}
	if len(report.Results) != 1 {
		t.Fatalf("partial report has %d results, want 1", len(report.Results))
	}
}

func TestCollectDeterminismViolation(t *testing.T) {
	store := btart.NewMemStore()
	ctx := context.Background()

	// The result record claims one checksum, the stats artifact carries
	// another: a later attempt overwrote the stats with different bytes.
	res := succeededResult("sweep-1#seed=1", "checksum-a")
	publishResult(t, store, res, []byte("stats"))
	statsKey := btart.JobKey("sweep-1", "sweep-1#seed=1", runner.StatsFile)
	if _, err := store.Upload(ctx, statsKey, bytes.NewReader([]byte("different")), "application/json",
		map[string]string{btart.ChecksumMetaKey: "checksum-b"}); err != nil {
		t.Fatalf("overwriting stats: %v", err)
	}
	for _, seed := range []string{"2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	c := newTestCollector(store, &fakeDispatcher{})
	_, err := c.Collect(ctx, seedSweep(), 0)
	if !bterr.IsCode(err, bterr.CodeDeterminismViolation) {
		t.Fatalf("err = %v, want determinism violation", err)
	}
	var det *DeterminismError
	if !errors.As(err, &det) {
		t.Fatalf("err does not wrap DeterminismError: %v", err)
	}
	if det.JobID != "sweep-1#seed=1" {
		t.Fatalf("violation reported for %s, want sweep-1#seed=1", det.JobID)
	}
}

func TestCollectDeterminismChecksCanonicalMetadata(t *testing.T) {
	store := btart.NewMemStore()
	ctx := context.Background()

	// S3 backends hand user metadata back with canonical header casing
	// ("Sha256"); the stats cross-check must still see the checksum.
	res := succeededResult("sweep-1#seed=1", "checksum-a")
	publishResult(t, store, res, []byte("stats"))
	statsKey := btart.JobKey("sweep-1", "sweep-1#seed=1", runner.StatsFile)
	if _, err := store.Upload(ctx, statsKey, bytes.NewReader([]byte("different")), "application/json",
		map[string]string{"Sha256": "checksum-b"}); err != nil {
		t.Fatalf("overwriting stats: %v", err)
	}
	for _, seed := range []string{"2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	c := newTestCollector(store, &fakeDispatcher{})
	_, err := c.Collect(ctx, seedSweep(), 0)
	if !bterr.IsCode(err, bterr.CodeDeterminismViolation) {
		t.Fatalf("err = %v, want determinism violation", err)
	}
}

// fakeLedger remembers checksums across Collect invocations the way the
// database-backed ledger does.
type fakeLedger struct {
	recorded  []*runner.Result
	checksums map[string]string
}

func (l *fakeLedger) RecordResult(_ context.Context, res *runner.Result) error {
	if l.checksums == nil {
		l.checksums = map[string]string{}
	}
	if res.Checksum != "" {
		if prev, ok := l.checksums[res.JobID]; ok && prev != res.Checksum {
			return bterr.Newf(bterr.CodeDeterminismViolation,
				"job %s: ledger recorded checksum %s, got %s", res.JobID, prev, res.Checksum)
		}
		l.checksums[res.JobID] = res.Checksum
	}
	l.recorded = append(l.recorded, res)
	return nil
}

func TestCollectRecordsToLedger(t *testing.T) {
	store := btart.NewMemStore()
	for _, seed := range []string{"1", "2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	ledger := &fakeLedger{}
	c := NewCollector(store, &fakeDispatcher{}, ledger, btlog.NewQuiet(), 2)
	c.PollInterval = time.Millisecond
	if _, err := c.Collect(context.Background(), seedSweep(), 0); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(ledger.recorded) != 3 {
		t.Fatalf("ledger recorded %d results, want 3", len(ledger.recorded))
	}
}

func TestCollectLedgerConflictAcrossInvocations(t *testing.T) {
	store := btart.NewMemStore()
	ctx := context.Background()
	ledger := &fakeLedger{}

	newCollector := func() *Collector {
		c := NewCollector(store, &fakeDispatcher{}, ledger, btlog.NewQuiet(), 2)
		c.PollInterval = time.Millisecond
		return c
	}

	for _, seed := range []string{"1", "2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}
	if _, err := newCollector().Collect(ctx, seedSweep(), 0); err != nil {
		t.Fatalf("first Collect: %v", err)
	}

	// A rogue rerun overwrites one job's record and stats consistently. A
	// fresh collection has no in-memory state to compare against; only the
	// ledger can notice the checksum changed.
	res := succeededResult("sweep-1#seed=1", "bb1")
	publishResult(t, store, res, []byte("stats-1-rerun"))

	report, err := newCollector().Collect(ctx, seedSweep(), 0)
	if !bterr.IsCode(err, bterr.CodeDeterminismViolation) {
		t.Fatalf("err = %v, want determinism violation", err)
	}
	if report.Results["sweep-1#seed=1"] != nil {
		t.Fatal("conflicting result accepted into the report")
	}
}

func TestCollectResubmitsErrored(t *testing.T) {
	store := btart.NewMemStore()
	ctx := context.Background()

	for _, seed := range []string{"2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}
	publishResult(t, store, &runner.Result{
		JobID:   "sweep-1#seed=1",
		SweepID: "sweep-1",
		Status:  runner.StatusErrored,
		Message: "oomkilled",
	}, nil)

	d := &fakeDispatcher{}
	d.onResubmit = func(job sweep.JobSpec) {
		// The fresh attempt succeeds and overwrites the record.
		res := succeededResult(job.ID, "aa1")
		res.Attempt = job.Attempt
		publishResult(t, store, res, []byte("stats-1"))
	}

	c := newTestCollector(store, d)
	report, err := c.Collect(ctx, seedSweep(), time.Second)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(d.resubmitted) != 1 {
		t.Fatalf("resubmitted %d times, want 1", len(d.resubmitted))
	}
	if d.resubmitted[0].Attempt != 1 {
		t.Fatalf("resubmission attempt = %d, want 1", d.resubmitted[0].Attempt)
	}
	res := report.Results["sweep-1#seed=1"]
	if res == nil || res.Status != runner.StatusSucceeded || res.Attempt != 1 {
		t.Fatalf("final result = %+v, want succeeded attempt 1", res)
	}
}

func TestCollectBoundsResubmissions(t *testing.T) {
	store := btart.NewMemStore()
	ctx := context.Background()

	erroredAt := func(attempt int) *runner.Result {
		return &runner.Result{
			JobID:   "sweep-1#seed=1",
			SweepID: "sweep-1",
			Status:  runner.StatusErrored,
			Attempt: attempt,
			Message: "node lost",
		}
	}
	publishResult(t, store, erroredAt(0), nil)
	for _, seed := range []string{"2", "3"} {
		jobID := "sweep-1#seed=" + seed
		publishResult(t, store, succeededResult(jobID, "aa"+seed), []byte("stats-"+seed))
	}

	d := &fakeDispatcher{}
	d.onResubmit = func(job sweep.JobSpec) {
		// Every attempt errors again.
		publishResult(t, store, erroredAt(job.Attempt), nil)
	}

	c := newTestCollector(store, d)
	report, err := c.Collect(ctx, seedSweep(), time.Second)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(d.resubmitted) != 2 {
		t.Fatalf("resubmitted %d times, want exactly MaxResubmits=2", len(d.resubmitted))
	}
	res := report.Results["sweep-1#seed=1"]
	if res == nil || res.Status != runner.StatusErrored {
		t.Fatalf("final result = %+v, want errored after exhausting resubmissions", res)
	}
}

func TestCollectCancelledSweep(t *testing.T) {
	store := btart.NewMemStore()
	// One late result arrived after cancellation.
	publishResult(t, store, succeededResult("sweep-1#seed=1", "aa1"), []byte("stats-1"))

	c := newTestCollector(store, &fakeDispatcher{cancelled: true})
	report, err := c.Collect(context.Background(), seedSweep(), 0)
	if err != nil {
		t.Fatalf("Collect on cancelled sweep: %v", err)
	}
	if !report.Cancelled {
		t.Fatal("report does not mark sweep cancelled")
	}
	if len(report.Results) != 1 {
		t.Fatalf("late result not recorded: %d results", len(report.Results))
	}
}
