// btq-runner is the entrypoint baked into every runtime image. The
// dispatcher hands it one JobSpec through the environment; it runs the
// computation, classifies the outcome, and publishes the artifacts. Its own
// exit code reports only whether the result record made it out: the
// computation's verdict lives in that record, not in the process status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/runner"
	"github.com/quantfold/btq/pkg/sweep"
)

type runnerConfig struct {
	StoreEndpoint  string `envconfig:"STORE_ENDPOINT" required:"true"`
	StoreAccessKey string `envconfig:"STORE_ACCESS_KEY" required:"true"`
	StoreSecretKey string `envconfig:"STORE_SECRET_KEY" required:"true"`
	StoreBucket    string `envconfig:"STORE_BUCKET" default:"btq-artifacts"`
	StoreRegion    string `envconfig:"STORE_REGION"`
	StoreUseSSL    bool   `envconfig:"STORE_USE_SSL"`

	Command    []string `envconfig:"COMMAND" default:"/app/backtest"`
	BaseConfig string   `envconfig:"BASE_CONFIG" default:"/app/config.json"`
	WorkDir    string   `envconfig:"WORK_DIR" default:"/var/run/btq"`
}

func main() {
	os.Exit(run())
}

func run() int {
	specFile := flag.String("spec", "", "path to a JobSpec JSON file (overrides BTQ_JOB_SPEC)")
	flag.Parse()

	// .env is a development convenience; images carry real env.
	_ = godotenv.Load()

	log := btlog.NewDefault()

	var cfg runnerConfig
	if err := envconfig.Process("BTQ", &cfg); err != nil {
		log.Error("invalid runner environment", "error", err)
		return runner.ExitSetupError
	}

	spec, err := loadSpec(*specFile)
	if err != nil {
		log.Error("invalid job spec", "error", err)
		return runner.ExitSetupError
	}

	store, err := btart.NewS3Store(btart.S3Config{
		Endpoint:  cfg.StoreEndpoint,
		AccessKey: cfg.StoreAccessKey,
		SecretKey: cfg.StoreSecretKey,
		Bucket:    cfg.StoreBucket,
		Region:    cfg.StoreRegion,
		UseSSL:    cfg.StoreUseSSL,
	})
	if err != nil {
		log.Error("connecting to artifact store", "error", err)
		return runner.ExitSetupError
	}

	exec := &runner.Executor{
		Store:      store,
		Log:        log,
		Command:    cfg.Command,
		BaseConfig: cfg.BaseConfig,
		WorkDir:    cfg.WorkDir,
	}

	ctx := context.Background()
	log.Info("job starting", "job", spec.ID, "attempt", spec.Attempt, "image", spec.Image)

	res, err := exec.Execute(ctx, spec)
	if err != nil {
		log.Error("job setup failed", "job", spec.ID, "error", err)
		return runner.ExitSetupError
	}

	if err := exec.Publish(ctx, spec, res); err != nil {
		log.Error("publishing result failed", "job", spec.ID, "error", err)
		return runner.ExitPublishError
	}

	log.Info("job finished", "job", spec.ID, "status", res.Status, "exit_code", res.ExitCode)
	return runner.ExitOK
}

func loadSpec(specFile string) (sweep.JobSpec, error) {
	var raw []byte
	switch {
	case specFile != "":
		data, err := os.ReadFile(specFile)
		if err != nil {
			return sweep.JobSpec{}, fmt.Errorf("reading spec file: %w", err)
		}
		raw = data
	default:
		env := os.Getenv("BTQ_JOB_SPEC")
		if env == "" {
			return sweep.JobSpec{}, fmt.Errorf("no job spec: BTQ_JOB_SPEC is empty and --spec not given")
		}
		raw = []byte(env)
	}

	var spec sweep.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return sweep.JobSpec{}, fmt.Errorf("parsing job spec: %w", err)
	}
	if spec.ID == "" || spec.SweepID == "" || spec.OutputKey == "" {
		return sweep.JobSpec{}, fmt.Errorf("job spec missing id, sweep_id or output_key")
	}
	return spec, nil
}
