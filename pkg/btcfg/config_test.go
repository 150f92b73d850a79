package btcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_ProjectConfig(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	projectConfig := `
sourceRepo: git@github.com:quantfold/strategies.git
sourceRef: release-2026-08
registryHost: registry.quantfold.dev/
registryRepo: backtests
`
	os.WriteFile("btq.yaml", []byte(projectConfig), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.SourceRepo != "git@github.com:quantfold/strategies.git" {
		t.Errorf("unexpected sourceRepo: %s", cfg.SourceRepo)
	}
	if cfg.SourceRef != "release-2026-08" {
		t.Errorf("unexpected sourceRef: %s", cfg.SourceRef)
	}
	if cfg.ImageRepo() != "registry.quantfold.dev/backtests" {
		t.Errorf("trailing slash should be trimmed, got %s", cfg.ImageRepo())
	}
}

func TestLoadConfig_LocalOverride(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	projectConfig := `
namespace: backtests
queueName: cpu-queue
`
	os.WriteFile("btq.yaml", []byte(projectConfig), 0644)

	os.MkdirAll(ConfigRoot, 0755)
	localConfig := `
namespace: backtests-dev
`
	os.WriteFile(filepath.Join(ConfigRoot, "config.yaml"), []byte(localConfig), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Local override should win
	if cfg.Namespace != "backtests-dev" {
		t.Errorf("expected namespace backtests-dev (from local override), got %s", cfg.Namespace)
	}
	if cfg.QueueName != "cpu-queue" {
		t.Errorf("expected queueName cpu-queue (from project config), got %s", cfg.QueueName)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.SourceRef != "main" {
		t.Errorf("expected default sourceRef main, got %s", cfg.SourceRef)
	}
	if cfg.SubmitConcurrency != 8 {
		t.Errorf("expected default submitConcurrency 8, got %d", cfg.SubmitConcurrency)
	}
	if cfg.MaxResubmits != 2 {
		t.Errorf("expected default maxResubmits 2, got %d", cfg.MaxResubmits)
	}
	if cfg.PullSecretName != "btq-registry-pull" {
		t.Errorf("expected default pull secret name, got %s", cfg.PullSecretName)
	}
	// The ledger stays disabled unless a host is configured, but the
	// connection defaults are filled in.
	if cfg.DB.Host != "" {
		t.Errorf("expected no default db host, got %s", cfg.DB.Host)
	}
	if cfg.DB.Port != 5432 || cfg.DB.SSLMode != "disable" {
		t.Errorf("unexpected db defaults: port=%d sslmode=%s", cfg.DB.Port, cfg.DB.SSLMode)
	}
}

func TestLoadConfig_LedgerBlock(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	projectConfig := `
db:
  host: pg.internal
  user: btq-ro
  database: btq_prod
`
	os.WriteFile("btq.yaml", []byte(projectConfig), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DB.Host != "pg.internal" || cfg.DB.User != "btq-ro" || cfg.DB.Database != "btq_prod" {
		t.Errorf("unexpected db config: %+v", cfg.DB)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("expected default port to fill in, got %d", cfg.DB.Port)
	}
}
