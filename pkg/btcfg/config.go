// Package btcfg loads pipeline configuration for the btqctl CLI.
package btcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config describes one pipeline target: where the pinned source lives, how
// the image is built and published, and where jobs run.
type Config struct {
	// Source pin
	SourceRepo string `mapstructure:"sourceRepo"`
	SourceRef  string `mapstructure:"sourceRef"`

	// Image build
	BuildContext string `mapstructure:"buildContext"`
	Dockerfile   string `mapstructure:"dockerfile"`

	// Registry
	RegistryHost string `mapstructure:"registryHost"`
	RegistryRepo string `mapstructure:"registryRepo"`
	RegistryUser string `mapstructure:"registryUser"`
	// RegistryPassword is normally left empty and fetched from the OS
	// keyring (btqctl login); setting it here is for CI only.
	RegistryPassword string `mapstructure:"registryPassword"`

	// Cluster
	Namespace         string `mapstructure:"namespace"`
	QueueName         string `mapstructure:"queueName"`
	PullSecretName    string `mapstructure:"pullSecretName"`
	SubmitConcurrency int    `mapstructure:"submitConcurrency"`
	MaxResubmits      int    `mapstructure:"maxResubmits"`

	// Artifact store
	Store StoreConfig `mapstructure:"store"`

	// Accepted-job index
	Valkey ValkeyConfig `mapstructure:"valkey"`

	// Run ledger. Optional: an empty host disables recording.
	DB DBConfig `mapstructure:"db"`

	// Local runs
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`

	v *viper.Viper // instance-specific viper
}

// StoreConfig configures the S3-compatible artifact store.
type StoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

// ValkeyConfig configures the accepted-job index.
type ValkeyConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig configures the Postgres run ledger.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

const (
	EnvPrefix  = "BTQ"
	ConfigName = "btq"
	ConfigRoot = ".btq"
)

// LoadConfig creates a new Config instance with its own viper.
// This is the only way to load config (no global state).
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		// Project config (TRACKED) - btq.yaml in current directory
		for _, name := range []string{"btq.yaml", "btq.yml", ".btq.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		// Merge local overrides (UNTRACKED) - .btq/config.yaml
		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.v = v
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	if v.IsSet("registryHost") {
		v.Set("registryHost", strings.TrimRight(v.GetString("registryHost"), "/"))
	}
	v.SetDefault("sourceRef", "main")
	v.SetDefault("dockerfile", "Dockerfile")
	v.SetDefault("buildContext", ".")
	v.SetDefault("namespace", "btq")
	v.SetDefault("queueName", "btq-queue")
	v.SetDefault("pullSecretName", "btq-registry-pull")
	v.SetDefault("submitConcurrency", 8)
	v.SetDefault("maxResubmits", 2)
	v.SetDefault("store.bucket", "btq-artifacts")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "btq")
	v.SetDefault("db.database", "btq")
	v.SetDefault("db.sslmode", "disable")
}

// ImageRepo returns "<registry-host>/<repo>", the reference prefix every
// published tag hangs off.
func (c *Config) ImageRepo() string {
	return c.RegistryHost + "/" + c.RegistryRepo
}

// Get returns a value from the underlying viper instance.
// Useful for CLI flag binding and dynamic config access.
func (c *Config) Get(key string) interface{} {
	if c.v == nil {
		return nil
	}
	return c.v.Get(key)
}

// GetString returns a string value from the underlying viper instance
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// Viper returns the underlying viper instance
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// ConfigFileUsed returns the config file that was used (if any)
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}
