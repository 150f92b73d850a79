package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/sweep"
)

// requiredSections are the config sections a backtest config must carry. A
// config missing one is a domain rejection, not an infrastructure fault.
var requiredSections = []string{"engine", "strategy", "risk"}

// Executor runs one JobSpec to completion: it materializes the job's config,
// invokes the computation, classifies the outcome, and publishes the
// artifacts. Runs with identical JobSpec and image are expected to publish
// byte-identical stats.
type Executor struct {
	Store btart.Store
	Log   *btlog.Logger

	// Command is the computation entrypoint; the merged config path is
	// appended as the final argument.
	Command []string
	// BaseConfig is the image's baked-in backtest config the job's params
	// are overlaid onto.
	BaseConfig string
	// WorkDir is the scratch root run directories are created under.
	WorkDir string
}

// RunDir returns the scratch directory for one job attempt.
func (e *Executor) RunDir(spec sweep.JobSpec) string {
	return filepath.Join(e.WorkDir, sweep.KubeName(spec.ID, spec.Attempt))
}

// Execute runs the computation and returns the execution record. A non-nil
// error means setup failed before anything ran and there is nothing to
// publish; every other outcome, including computation failure, is expressed
// in the Result.
func (e *Executor) Execute(ctx context.Context, spec sweep.JobSpec) (*Result, error) {
	runDir := e.RunDir(spec)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	res := &Result{
		JobID:       spec.ID,
		SweepID:     spec.SweepID,
		Attempt:     spec.Attempt,
		Image:       spec.Image,
		ImageDigest: spec.ImageDigest,
		Node:        nodeName(),
		StartedAt:   time.Now().UTC(),
	}

	cfg, err := e.buildConfig(spec)
	if err != nil {
		// The config could not be assembled. A structurally broken base
		// config is an image fault (errored, retryable on a rebuilt image);
		// a missing section is the computation's domain saying no (failed).
		res.FinishedAt = time.Now().UTC()
		if isRejection(err) {
			res.Status = StatusFailed
		} else {
			res.Status = StatusErrored
		}
		res.ExitCode = -1
		res.Message = err.Error()
		return res, nil
	}

	configPath := filepath.Join(runDir, ConfigFile)
	if err := writeFileAtomic(configPath, cfg); err != nil {
		return nil, fmt.Errorf("writing job config: %w", err)
	}

	exitCode, runErr := e.runComputation(ctx, spec, runDir, configPath)
	res.FinishedAt = time.Now().UTC()
	res.ExitCode = exitCode

	if runErr != nil {
		res.Status = StatusErrored
		res.Message = runErr.Error()
		return res, nil
	}

	res.Status = Classify(exitCode)
	if res.Status == StatusFailed {
		res.Message = fmt.Sprintf("computation rejected job (exit %d)", exitCode)
	}
	if res.Status == StatusErrored {
		res.Message = fmt.Sprintf("computation faulted (exit %d)", exitCode)
	}

	if res.Status == StatusSucceeded {
		checksum, err := fileChecksum(filepath.Join(runDir, StatsFile))
		if err != nil {
			// Exit 0 without a stats artifact is a broken image, not a
			// successful run.
			res.Status = StatusErrored
			res.Message = fmt.Sprintf("no stats artifact after successful exit: %v", err)
			return res, nil
		}
		res.Checksum = checksum
	}
	return res, nil
}

// Publish uploads the run's artifacts and commits the result record. The
// record goes up last so a reader that sees it can trust everything it
// references. Publishing is idempotent: re-uploading the same run overwrites
// identical content.
func (e *Executor) Publish(ctx context.Context, spec sweep.JobSpec, res *Result) error {
	runDir := e.RunDir(spec)

	for _, name := range []string{StdoutFile, StderrFile, ConfigFile} {
		if err := e.uploadFile(ctx, spec, runDir, name, "text/plain"); err != nil {
			e.Log.Warn("failed to upload log artifact", "job", spec.ID, "file", name, "error", err)
		}
	}

	if res.Checksum != "" {
		res.StatsKey = path.Join(spec.OutputKey, StatsFile)
		f, err := os.Open(filepath.Join(runDir, StatsFile))
		if err != nil {
			return fmt.Errorf("opening stats artifact: %w", err)
		}
		_, err = e.Store.Upload(ctx, res.StatsKey, f, "application/json", map[string]string{
			btart.ChecksumMetaKey: res.Checksum,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("uploading stats artifact: %w", err)
		}
	}

	record, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(runDir, ResultFile), record); err != nil {
		return fmt.Errorf("writing result record: %w", err)
	}

	key := path.Join(spec.OutputKey, ResultFile)
	if _, err := e.Store.Upload(ctx, key, bytes.NewReader(record), "application/json", nil); err != nil {
		return fmt.Errorf("committing result record: %w", err)
	}

	e.Log.Info("result published",
		"job", spec.ID, "attempt", spec.Attempt, "status", res.Status, "key", key)
	return nil
}

func (e *Executor) uploadFile(ctx context.Context, spec sweep.JobSpec, runDir, name, contentType string) error {
	f, err := os.Open(filepath.Join(runDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = e.Store.Upload(ctx, path.Join(spec.OutputKey, name), f, contentType, nil)
	return err
}

// nodeName identifies where the job ran. In-cluster the dispatcher injects
// the scheduler's node name via the downward API; locally the hostname is the
// best available answer.
func nodeName() string {
	if node := os.Getenv("BTQ_NODE_NAME"); node != "" {
		return node
	}
	host, _ := os.Hostname()
	return host
}

// rejectionError marks config problems the computation's domain owns.
type rejectionError struct{ msg string }

func (e *rejectionError) Error() string { return e.msg }

func isRejection(err error) bool {
	_, ok := err.(*rejectionError)
	return ok
}

// buildConfig loads the base config, validates the required sections, and
// overlays the job's parameters and seed.
func (e *Executor) buildConfig(spec sweep.JobSpec) ([]byte, error) {
	raw, err := os.ReadFile(e.BaseConfig)
	if err != nil {
		return nil, fmt.Errorf("reading base config %s: %w", e.BaseConfig, err)
	}

	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing base config %s: %w", e.BaseConfig, err)
	}
	for _, section := range requiredSections {
		if _, ok := cfg[section]; !ok {
			return nil, &rejectionError{msg: fmt.Sprintf("config missing required section %q", section)}
		}
	}

	var engine map[string]any
	if err := json.Unmarshal(cfg["engine"], &engine); err != nil {
		return nil, fmt.Errorf("parsing engine section: %w", err)
	}
	engine["seed"] = spec.Seed

	var strategy map[string]any
	if err := json.Unmarshal(cfg["strategy"], &strategy); err != nil {
		return nil, fmt.Errorf("parsing strategy section: %w", err)
	}
	params, _ := strategy["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	for _, p := range spec.Params {
		params[p.Key] = p.Value
	}
	strategy["params"] = params

	merged := map[string]any{}
	for section, raw := range cfg {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("parsing section %q: %w", section, err)
		}
		merged[section] = v
	}
	merged["engine"] = engine
	merged["strategy"] = strategy

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding job config: %w", err)
	}
	return out, nil
}

func (e *Executor) runComputation(ctx context.Context, spec sweep.JobSpec, runDir, configPath string) (int, error) {
	if len(e.Command) == 0 {
		return -1, fmt.Errorf("no computation command configured")
	}

	args := append(append([]string(nil), e.Command[1:]...), configPath)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = runDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("BTQ_JOB_ID=%s", spec.ID),
		fmt.Sprintf("BTQ_SEED=%d", spec.Seed),
		fmt.Sprintf("BTQ_OUTPUT_DIR=%s", runDir),
	)

	stdout, err := os.Create(filepath.Join(runDir, StdoutFile))
	if err != nil {
		return -1, fmt.Errorf("creating stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(runDir, StderrFile))
	if err != nil {
		return -1, fmt.Errorf("creating stderr log: %w", err)
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("starting computation: %w", err)
}

// writeFileAtomic writes via a temp file and rename so readers of the run
// directory never observe a partial file.
func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
