package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/sweep"
)

// Run is the on-disk record of one local execution. The scheduler-safe name
// of the job attempt doubles as the run ID, so a re-run of the same attempt
// lands in the same directory.
type Run struct {
	ID         string        `json:"id"`
	Spec       sweep.JobSpec `json:"spec"`
	Status     Status        `json:"status"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Result     *Result       `json:"result,omitempty"`
	RunDir     string        `json:"run_dir"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// LocalRunner executes JobSpecs as local processes for development, without
// a cluster in the loop. Each run gets a directory under <base>/.btq/runs
// holding its config, logs, and result record.
type LocalRunner struct {
	baseDir  string
	exec     *Executor
	log      *btlog.Logger
	mu       sync.RWMutex
	inFlight map[string]context.CancelFunc
}

// LocalRunnerOption configures a LocalRunner.
type LocalRunnerOption func(*LocalRunner)

// WithBaseDir sets the directory runs are created under.
func WithBaseDir(dir string) LocalRunnerOption {
	return func(r *LocalRunner) { r.baseDir = dir }
}

// NewLocalRunner creates a LocalRunner publishing artifacts to store and
// running the given computation command against the given base config.
func NewLocalRunner(store btart.Store, command []string, baseConfig string, log *btlog.Logger, opts ...LocalRunnerOption) *LocalRunner {
	cwd, _ := os.Getwd()
	r := &LocalRunner{
		baseDir:  cwd,
		log:      log,
		inFlight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.exec = &Executor{
		Store:      store,
		Log:        log,
		Command:    command,
		BaseConfig: baseConfig,
		WorkDir:    r.runsDir(),
	}
	return r
}

func (r *LocalRunner) runsDir() string {
	return filepath.Join(r.baseDir, ".btq", "runs")
}

// Submit starts the job in the background and returns the pending run.
func (r *LocalRunner) Submit(ctx context.Context, spec sweep.JobSpec) (*Run, error) {
	runID := sweep.KubeName(spec.ID, spec.Attempt)
	runDir := r.exec.RunDir(spec)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	run := &Run{
		ID:        runID,
		Spec:      spec,
		Status:    StatusPending,
		RunDir:    runDir,
		CreatedAt: time.Now(),
	}
	if err := r.saveRun(run); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.inFlight[runID] = cancel
	r.mu.Unlock()

	go r.executeRun(execCtx, run)
	return run, nil
}

func (r *LocalRunner) executeRun(ctx context.Context, run *Run) {
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, run.ID)
		r.mu.Unlock()
	}()

	now := time.Now()
	run.StartedAt = &now
	run.Status = StatusRunning
	if err := r.saveRun(run); err != nil {
		r.log.Warn("failed to save run state", "run", run.ID, "error", err)
	}

	res, err := r.exec.Execute(ctx, run.Spec)
	finished := time.Now()
	run.FinishedAt = &finished

	switch {
	case err != nil:
		run.Status = StatusErrored
		run.Error = err.Error()
	case ctx.Err() == context.Canceled:
		run.Status = StatusCancelled
	default:
		run.Status = res.Status
		run.ExitCode = &res.ExitCode
		run.Result = res
		if err := r.exec.Publish(ctx, run.Spec, res); err != nil {
			r.log.Warn("failed to publish result", "run", run.ID, "error", err)
			run.Error = err.Error()
		}
	}

	if err := r.saveRun(run); err != nil {
		r.log.Warn("failed to save run state", "run", run.ID, "error", err)
	}
}

// Wait blocks until the run reaches a terminal status.
func (r *LocalRunner) Wait(ctx context.Context, runID string) (*Run, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := r.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetRun loads the persisted state of a run.
func (r *LocalRunner) GetRun(_ context.Context, runID string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(r.runsDir(), runID, "run.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run state: %w", err)
	}
	return &run, nil
}

// Cancel kills a running job's process.
func (r *LocalRunner) Cancel(ctx context.Context, runID string) error {
	r.mu.RLock()
	cancel, exists := r.inFlight[runID]
	r.mu.RUnlock()

	if !exists {
		run, err := r.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("run %s already finished with status %s", runID, run.Status)
		}
		return fmt.Errorf("run %s is not currently running", runID)
	}
	cancel()
	return nil
}

// ListRuns returns all recorded runs, optionally filtered by status.
func (r *LocalRunner) ListRuns(ctx context.Context, status *Status) ([]*Run, error) {
	entries, err := os.ReadDir(r.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Run{}, nil
		}
		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := r.GetRun(ctx, entry.Name())
		if err != nil {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Logs returns a reader over the run's stdout log.
func (r *LocalRunner) Logs(ctx context.Context, runID string) (io.ReadCloser, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(run.RunDir, StdoutFile))
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	return f, nil
}

func (r *LocalRunner) saveRun(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(run.RunDir, "run.json"), data); err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	return nil
}
