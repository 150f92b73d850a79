package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/btcfg"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/db"
	"github.com/quantfold/btq/pkg/dispatch"
	"github.com/quantfold/btq/pkg/k8s"
	"github.com/quantfold/btq/pkg/kv"
	"github.com/quantfold/btq/pkg/registry"
	"github.com/quantfold/btq/pkg/sweep"
)

// loadSweepFile reads and validates a sweep definition (YAML or JSON).
func loadSweepFile(path string) (*sweep.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sweep file: %w", err)
	}

	var sw sweep.Spec
	if err := yaml.Unmarshal(data, &sw); err != nil {
		return nil, fmt.Errorf("parsing sweep file %s: %w", filepath.Base(path), err)
	}
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	return &sw, nil
}

// registryCredentials resolves the push credential: explicit config value
// first (CI), then the OS keyring (btqctl login).
func registryCredentials(cfg *btcfg.Config) (registry.Credentials, error) {
	if cfg.RegistryUser == "" {
		return registry.Credentials{}, fmt.Errorf("registryUser is not configured")
	}
	password := cfg.RegistryPassword
	if password == "" {
		var err error
		password, err = btcfg.LoadRegistryPassword(cfg.RegistryHost, cfg.RegistryUser)
		if err != nil {
			return registry.Credentials{}, fmt.Errorf(
				"no registry credential for %s (run btqctl login): %w", cfg.RegistryHost, err)
		}
	}
	return registry.Credentials{Username: cfg.RegistryUser, Password: password}, nil
}

func newArtifactStore(cfg *btcfg.Config) (btart.Store, error) {
	if cfg.Store.Endpoint == "" {
		return nil, fmt.Errorf("store.endpoint is not configured")
	}
	return btart.NewS3Store(btart.S3Config{
		Endpoint:  cfg.Store.Endpoint,
		AccessKey: cfg.Store.AccessKey,
		SecretKey: cfg.Store.SecretKey,
		Bucket:    cfg.Store.Bucket,
		Region:    cfg.Store.Region,
		UseSSL:    cfg.Store.UseSSL,
	})
}

func newKVStore(cfg *btcfg.Config) (kv.Store, error) {
	if cfg.Valkey.Addr == "" {
		return nil, fmt.Errorf("valkey.addr is not configured")
	}
	return kv.NewValkeyStore(kv.ValkeyConfig{
		Addr:     cfg.Valkey.Addr,
		Password: cfg.Valkey.Password,
		DB:       cfg.Valkey.DB,
	})
}

// newLedger connects the run ledger when one is configured. No db.host means
// recording is disabled and the pipeline runs from the artifact store alone.
func newLedger(ctx context.Context, cfg *btcfg.Config) (*db.Ledger, error) {
	if cfg.DB.Host == "" {
		return nil, nil
	}
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Database: cfg.DB.Database,
		SSLMode:  cfg.DB.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to run ledger: %w", err)
	}
	return db.NewLedger(database), nil
}

func newDispatcher(cfg *btcfg.Config, ledger *db.Ledger, log *btlog.Logger) (*dispatch.Dispatcher, error) {
	client, err := k8s.NewClient("")
	if err != nil {
		return nil, fmt.Errorf("creating k8s client: %w", err)
	}
	store, err := newKVStore(cfg)
	if err != nil {
		return nil, err
	}
	// A typed nil inside the interface would defeat the dispatcher's nil
	// checks, so the interface is only populated with a live ledger.
	var rec dispatch.Ledger
	if ledger != nil {
		rec = ledger
	}
	return dispatch.NewDispatcher(client, store, rec, log,
		cfg.Namespace, cfg.QueueName, cfg.PullSecretName, cfg.SubmitConcurrency), nil
}

// shortCommit trims a full commit sha for display.
func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// confirmSweepID guards cancel against typos: the ID must be non-empty and
// not contain the job separator.
func confirmSweepID(id string) error {
	if id == "" || strings.Contains(id, "#") {
		return fmt.Errorf("invalid sweep id %q", id)
	}
	return nil
}
