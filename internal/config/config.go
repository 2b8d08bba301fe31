package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "icdgraph.toml"

// EnvPrefix prefixes environment overrides, e.g. ICDGRAPH_CRAWL_CONCURRENCY.
const EnvPrefix = "ICDGRAPH"

// Config represents the complete icdgraph configuration
type Config struct {
	API      APIConfig         `toml:"api" mapstructure:"api"`
	Servers  map[string]string `toml:"servers" mapstructure:"servers"`
	Crawl    CrawlConfig       `toml:"crawl" mapstructure:"crawl"`
	Snapshot SnapshotConfig    `toml:"snapshot" mapstructure:"snapshot"`
	Analysis AnalysisConfig    `toml:"analysis" mapstructure:"analysis"`
	Logging  LoggingConfig     `toml:"logging" mapstructure:"logging"`
}

// APIConfig selects the entity API server and request settings
type APIConfig struct {
	// Server names an entry of Servers.
	Server    string `toml:"server" mapstructure:"server"`
	Version   string `toml:"version" mapstructure:"version"`
	Language  string `toml:"language" mapstructure:"language"`
	URIPrefix string `toml:"uriPrefix" mapstructure:"uriPrefix"`
}

// CrawlConfig contains frontier crawler settings
type CrawlConfig struct {
	RootID         string `toml:"rootId" mapstructure:"rootId"`
	Concurrency    int    `toml:"concurrency" mapstructure:"concurrency"`
	FetchTimeoutMs int    `toml:"fetchTimeoutMs" mapstructure:"fetchTimeoutMs"`
	ProgressEvery  int    `toml:"progressEvery" mapstructure:"progressEvery"`
}

// SnapshotConfig contains output locations
type SnapshotConfig struct {
	Path       string `toml:"path" mapstructure:"path"`
	SQLitePath string `toml:"sqlitePath" mapstructure:"sqlitePath"`
}

// AnalysisConfig contains report settings
type AnalysisConfig struct {
	Percentiles []float64 `toml:"percentiles" mapstructure:"percentiles"`
	Thresholds  []int64   `toml:"thresholds" mapstructure:"thresholds"`
	TopN        int       `toml:"topN" mapstructure:"topN"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `toml:"format" mapstructure:"format"`
	Level  string `toml:"level" mapstructure:"level"`
	File   string `toml:"file" mapstructure:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Server:    "local",
			Version:   "v2",
			Language:  "en",
			URIPrefix: "http://id.who.int/icd/entity",
		},
		Servers: map[string]string{
			"local":    "http://localhost:80",
			"official": "https://id.who.int",
		},
		Crawl: CrawlConfig{
			RootID:         "root",
			Concurrency:    50,
			FetchTimeoutMs: 30000,
			ProgressEvery:  1000,
		},
		Snapshot: SnapshotConfig{
			Path: "foundation_graph.json",
		},
		Analysis: AnalysisConfig{
			Percentiles: []float64{50, 75, 90, 95, 99, 99.5, 99.9, 100},
			Thresholds:  []int64{1, 2, 5, 10, 50, 100, 500, 1000, 10000},
			TopN:        20,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// LoadConfig reads path, or icdgraph.toml in the working directory when path is
// empty. A missing default file yields the defaults; a missing explicit file is
// an error. ICDGRAPH_* environment variables override both.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api.server", d.API.Server)
	v.SetDefault("api.version", d.API.Version)
	v.SetDefault("api.language", d.API.Language)
	v.SetDefault("api.uriPrefix", d.API.URIPrefix)

	servers := make(map[string]interface{}, len(d.Servers))
	for name, url := range d.Servers {
		servers[name] = url
	}
	v.SetDefault("servers", servers)

	v.SetDefault("crawl.rootId", d.Crawl.RootID)
	v.SetDefault("crawl.concurrency", d.Crawl.Concurrency)
	v.SetDefault("crawl.fetchTimeoutMs", d.Crawl.FetchTimeoutMs)
	v.SetDefault("crawl.progressEvery", d.Crawl.ProgressEvery)

	v.SetDefault("snapshot.path", d.Snapshot.Path)
	v.SetDefault("snapshot.sqlitePath", d.Snapshot.SQLitePath)

	v.SetDefault("analysis.percentiles", d.Analysis.Percentiles)
	v.SetDefault("analysis.thresholds", d.Analysis.Thresholds)
	v.SetDefault("analysis.topN", d.Analysis.TopN)

	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ServerURL resolves the active server. Server names are case-insensitive.
func (c *Config) ServerURL() (string, error) {
	name := strings.ToLower(c.API.Server)
	for key, url := range c.Servers {
		if strings.ToLower(key) == name {
			return url, nil
		}
	}
	return "", &ConfigError{Field: "api.server", Message: fmt.Sprintf("server %q is not listed under [servers]", c.API.Server)}
}

// IsOfficialServer reports whether the WHO-hosted API is selected.
func (c *Config) IsOfficialServer() bool {
	return strings.EqualFold(c.API.Server, "official")
}

// FetchTimeout returns the per-fetch deadline.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutMs) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.ServerURL(); err != nil {
		return err
	}
	if c.IsOfficialServer() {
		return &ConfigError{Field: "api.server", Message: "the official server requires OAuth credentials, which are not supported; run a local API container"}
	}
	if c.Crawl.RootID == "" {
		return &ConfigError{Field: "crawl.rootId", Message: "must not be empty"}
	}
	if c.Crawl.Concurrency <= 0 {
		return &ConfigError{Field: "crawl.concurrency", Message: "must be positive"}
	}
	if c.Crawl.FetchTimeoutMs < 0 {
		return &ConfigError{Field: "crawl.fetchTimeoutMs", Message: "must not be negative"}
	}
	if c.Crawl.ProgressEvery < 0 {
		return &ConfigError{Field: "crawl.progressEvery", Message: "must not be negative"}
	}
	for _, p := range c.Analysis.Percentiles {
		if p < 0 || p > 100 {
			return &ConfigError{Field: "analysis.percentiles", Message: fmt.Sprintf("%v is outside [0, 100]", p)}
		}
	}
	for i, t := range c.Analysis.Thresholds {
		if t < 1 || (i > 0 && t <= c.Analysis.Thresholds[i-1]) {
			return &ConfigError{Field: "analysis.thresholds", Message: "must be positive and strictly ascending"}
		}
	}
	if c.Analysis.TopN < 0 {
		return &ConfigError{Field: "analysis.topN", Message: "must not be negative"}
	}
	switch c.Logging.Format {
	case "human", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q (want human or json)", c.Logging.Format)}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
