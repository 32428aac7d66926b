package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/schoolsync/internal/api"
	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/executor"
	"github.com/livinlefevreloca/schoolsync/internal/logging"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/nodes"
	"github.com/livinlefevreloca/schoolsync/internal/scheduler"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SCHOOLSYNC_"

// Config represents the application configuration
type Config struct {
	Database   db.Config        `toml:"database"`
	Scheduler  scheduler.Config `toml:"scheduler"`
	Executor   executor.Config  `toml:"executor"`
	HTTP       api.Config       `toml:"http"`
	Metrics    metrics.Config   `toml:"metrics"`
	Logging    logging.Config   `toml:"logging"`
	Nodes      nodes.Config     `toml:"nodes"`
	Connectors connector.Config `toml:"connectors"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	database := db.DefaultConfig()
	database.MaxOpenConns = 25
	database.MaxIdleConns = 5

	return &Config{
		Database:   database,
		Scheduler:  scheduler.DefaultConfig(),
		Executor:   executor.DefaultConfig(),
		HTTP:       api.DefaultConfig(),
		Metrics:    metrics.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
		Nodes:      nodes.Config{DirectoryFile: "nodes.toml"},
		Connectors: connector.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file layered over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Newf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Newf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. SCHOOLSYNC_* environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides deployment-specific settings from the environment.
// Secrets are expected to arrive this way rather than in the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"DATABASE_DRIVER": &c.Database.Driver,
		"DATABASE_DSN":    &c.Database.DSN,
		"HTTP_ADDRESS":    &c.HTTP.Address,
		"METRICS_ADDRESS": &c.Metrics.Address,
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FORMAT":      &c.Logging.Format,
		"SCHEDULER_TZ":    &c.Scheduler.Timezone,
		"NODES_BASE_URL":  &c.Nodes.BaseURL,
		"NODES_TOKEN":     &c.Nodes.Token,
		"MB_BASE_URL":     &c.Connectors.MB.BaseURL,
		"MB_TOKEN":        &c.Connectors.MB.Token,
		"NEX_BASE_URL":    &c.Connectors.Nex.BaseURL,
		"NEX_TOKEN":       &c.Connectors.Nex.Token,
	}
	for name, field := range overrides {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	switch c.Database.Driver {
	case "":
		return errors.New("database driver must be specified")
	case db.DriverSQLite, db.DriverPostgres, db.DriverMySQL:
	default:
		return errors.Newf("unsupported database driver: %s (must be sqlite3, postgres, or mysql)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN must be specified")
	}
	if c.Database.Driver == db.DriverMySQL {
		if !strings.Contains(c.Database.DSN, "parseTime=true") || !strings.Contains(c.Database.DSN, "multiStatements=true") {
			return errors.New("mysql DSN must set parseTime=true and multiStatements=true")
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Executor.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address must be specified when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.Newf("metrics path must start with /, got %q", c.Metrics.Path)
		}
		if c.Metrics.Address == c.HTTP.Address {
			return errors.Newf("metrics and http cannot share address %s", c.HTTP.Address)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.Newf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Nodes.BaseURL == "" && c.Nodes.DirectoryFile == "" {
		return errors.New("nodes: either base_url or directory_file must be set")
	}

	for _, src := range connector.Sources {
		sc := c.Connectors.For(src)
		if sc.RatePerSecond <= 0 || sc.Burst < 1 {
			return errors.Newf("connectors.%s: rate_per_second and burst must be positive", src)
		}
	}

	return nil
}
