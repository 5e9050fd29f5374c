// Package config loads the deployment configuration shared by every
// NLDS process. One YAML file describes the broker, both databases, the
// object store and tape endpoints, and a section per worker queue; each
// process reads the same file and picks out what it needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cedadev/nlds/internal/bytesize"
	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/api"
	"github.com/cedadev/nlds/pkg/archive"
	"github.com/cedadev/nlds/pkg/catalog"
	"github.com/cedadev/nlds/pkg/indexer"
	"github.com/cedadev/nlds/pkg/metrics"
	"github.com/cedadev/nlds/pkg/monitor"
	"github.com/cedadev/nlds/pkg/objectstore"
	"github.com/cedadev/nlds/pkg/rabbit"
	"github.com/cedadev/nlds/pkg/router"
	"github.com/cedadev/nlds/pkg/transfer"
)

// Config is the full NLDS deployment configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NLDS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Every worker process loads the same file; the per-queue sections
// (catalog_q, index_q, ...) configure the consumer that binds that
// queue, while the shared sections (rabbit, object_store, the two
// database sections) are read by whichever workers need them.
type Config struct {
	// Logging controls log output behaviour for the process.
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// Rabbit is the broker connection plus the message policy knobs
	// (filelist compression bounds, retry ladder).
	Rabbit rabbit.Config `mapstructure:"rabbit" yaml:"rabbit"`

	// CatalogDB is the database holding holdings, transactions, files
	// and locations. Only the catalog worker opens it.
	CatalogDB catalog.Config `mapstructure:"catalog_db" yaml:"catalog_db"`

	// MonitorDB is the database holding transaction progress records.
	// Only the monitor worker opens it.
	MonitorDB monitor.Config `mapstructure:"monitor_db" yaml:"monitor_db"`

	// ObjectStore is the S3 tenancy the transfer and archive workers
	// authenticate against.
	ObjectStore objectstore.Config `mapstructure:"object_store" yaml:"object_store"`

	// API configures the HTTP ingress process.
	API api.Config `mapstructure:"api" yaml:"api"`

	// Metrics configures the optional Prometheus endpoint each worker
	// can expose.
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics"`

	// Per-queue worker sections.
	Router      router.Config        `mapstructure:"route_q" yaml:"route_q"`
	Catalog     catalog.WorkerConfig `mapstructure:"catalog_q" yaml:"catalog_q"`
	Monitor     monitor.WorkerConfig `mapstructure:"monitor_q" yaml:"monitor_q"`
	Index       indexer.WorkerConfig `mapstructure:"index_q" yaml:"index_q"`
	TransferPut transfer.PutConfig   `mapstructure:"transfer_put_q" yaml:"transfer_put_q"`
	TransferGet transfer.GetConfig   `mapstructure:"transfer_get_q" yaml:"transfer_get_q"`
	ArchivePut  archive.PutConfig    `mapstructure:"archive_put_q" yaml:"archive_put_q"`
	ArchiveGet  archive.GetConfig    `mapstructure:"archive_get_q" yaml:"archive_get_q"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath uses the default location
// ($XDG_CONFIG_HOME/nlds/config.yaml). A missing file is not an error;
// the defaults describe a single-node development deployment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  nlds init\n\n"+
				"Or specify a custom config file:\n"+
				"  nlds <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  nlds init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML. Restricted
// permissions because the file carries the object store credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable and config file handling.
func setupViper(v *viper.Viper, configPath string) {
	// NLDS_RABBIT_URL=... overrides rabbit.url, and so on.
	v.SetEnvPrefix("NLDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file, reporting whether one was
// found. A missing file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the decode hooks for the custom config
// value types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.Size so
// config files can say "500MB" or "5GiB" for size-valued options.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.Size(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.Size(v), nil
		case int64:
			return bytesize.Size(v), nil
		case uint64:
			return bytesize.Size(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.Size(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" or "24h" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/nlds, falling back to
// ~/.config/nlds.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nlds")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nlds")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
