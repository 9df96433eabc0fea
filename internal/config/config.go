package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Timeline TimelineConfig `yaml:"timeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// AnalysisConfig drives the narrative analysis adapter. The endpoint is
// any OpenAI-compatible chat completion API.
type AnalysisConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	DefaultLookahead    int           `yaml:"default_lookahead"`
	ReportCacheTTL      time.Duration `yaml:"report_cache_ttl"`
}

type TimelineConfig struct {
	OverlapTolerance   float64 `yaml:"overlap_tolerance"`
	PacingGapChapters  int     `yaml:"pacing_gap_chapters"`
	MajorBeatMagnitude float64 `yaml:"major_beat_magnitude"`
	PolarityThreshold  float64 `yaml:"polarity_threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("ANALYSIS_API_KEY"); apiKey != "" {
		cfg.Analysis.APIKey = apiKey
	}
	if pw := os.Getenv("MYSQL_PASSWORD"); pw != "" {
		cfg.Database.MySQL.Password = pw
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Database.Redis.Password = pw
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.ConfidenceThreshold <= 0 {
		c.Ledger.ConfidenceThreshold = 0.6
	}
	if c.Ledger.DefaultLookahead <= 0 {
		c.Ledger.DefaultLookahead = 3
	}
	if c.Timeline.OverlapTolerance <= 0 {
		c.Timeline.OverlapTolerance = 0.05
	}
	if c.Timeline.PacingGapChapters <= 0 {
		c.Timeline.PacingGapChapters = 3
	}
	if c.Timeline.MajorBeatMagnitude <= 0 {
		c.Timeline.MajorBeatMagnitude = 0.6
	}
	if c.Timeline.PolarityThreshold <= 0 {
		c.Timeline.PolarityThreshold = 0.7
	}
	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = 60 * time.Second
	}
}
