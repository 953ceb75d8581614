package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads, parses, defaults and validates a run configuration file.
func LoadConfig(filename string) (*Config, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}
	return ParseConfig(fileBytes, filename)
}

// ParseConfig is LoadConfig for content already in memory, e.g. after
// variable rendering. name is only used in error messages. Overrides run
// before defaults and validation, so command-line values can fill required settings.
func ParseConfig(content []byte, name string, overrides ...func(*Config)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", name, err)
	}
	for _, override := range overrides {
		override(&cfg)
	}

	applyDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset optional settings.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Remote.Backend == "" {
		cfg.Remote.Backend = RemoteBackendPostgres
	}
	if cfg.Run.Concurrency <= 0 {
		cfg.Run.Concurrency = DefaultConcurrency
	}
	if cfg.Run.Features.TypeSupport == "" {
		cfg.Run.Features.TypeSupport = TypeSupportNone
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = DefaultMetricsJobName
	}
	if ws := cfg.Storage.SQLWorkspace; ws != nil && ws.Schema == "" && ws.Driver != WorkspaceDriverDuckDB {
		ws.Schema = DefaultWorkspaceSchema
	}
	if ows := cfg.Storage.ObjectWorkspace; ows != nil && ows.Region == "" {
		ows.Region = DefaultObjectRegion
	}
}
