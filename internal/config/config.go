package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Logging   LoggingConfig  `yaml:"logging"`
	Store     StoreConfig    `yaml:"store"`
	Chunks    ChunksConfig   `yaml:"chunks"`
	ASR       ASRConfig      `yaml:"asr"`
	Primary   LLMConfig      `yaml:"primary"`
	Secondary LLMConfig      `yaml:"secondary"`
	Summary   SummaryConfig  `yaml:"summary"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Auth      AuthConfig     `yaml:"auth"`
	Quota     QuotaConfig    `yaml:"quota"`
	Sweeper   SweeperConfig  `yaml:"sweeper"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ChunksConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

type ASRConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Concurrency int           `yaml:"concurrency"`
}

type LLMConfig struct {
	// Kind is "openai" (any OpenAI-compatible endpoint) or "gemini".
	Kind    string        `yaml:"kind"`
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type SummaryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxSections int           `yaml:"max_sections"`
}

type PipelineConfig struct {
	BatchSize   int `yaml:"batch_size"`
	SliceWindow int `yaml:"slice_window"`
	// SliceOverlap is a pointer so an explicit 0 survives defaulting.
	SliceOverlap  *int `yaml:"slice_overlap"`
	ASRWeight     int  `yaml:"asr_weight"`
	SummaryWeight int  `yaml:"summary_weight"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type QuotaConfig struct {
	ASRChunksPerDay   int `yaml:"asr_chunks_per_day"`
	SummaryJobsPerDay int `yaml:"summary_jobs_per_day"`
}

type SweeperConfig struct {
	Schedule string        `yaml:"schedule"`
	TTL      time.Duration `yaml:"ttl"`
}

// Load reads a YAML file, applies environment overrides and validates.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and endpoints come from the environment (.env in dev).
func (c *Config) applyEnv() {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&c.Server.Port, "PORT")
	str(&c.Logging.Level, "LOG_LEVEL")
	str(&c.Store.Driver, "STORE_DRIVER")
	str(&c.Store.DSN, "DATABASE_URL")
	str(&c.ASR.BaseURL, "ASR_BASE_URL")
	str(&c.ASR.APIKey, "ASR_API_KEY")
	str(&c.ASR.Model, "ASR_MODEL")
	str(&c.Primary.BaseURL, "LLM_GATEWAY_URL")
	str(&c.Primary.APIKey, "LLM_API_KEY")
	str(&c.Primary.Model, "LLM_MODEL")
	str(&c.Secondary.Kind, "SECONDARY_LLM_KIND")
	str(&c.Secondary.BaseURL, "SECONDARY_LLM_URL")
	str(&c.Secondary.APIKey, "SECONDARY_LLM_API_KEY")
	str(&c.Secondary.Model, "SECONDARY_LLM_MODEL")
	str(&c.Auth.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("MAX_CHUNK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chunks.MaxBytes = n
		}
	}
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Chunks.MaxBytes == 0 {
		c.Chunks.MaxBytes = 8 << 20
	}
	if c.ASR.Model == "" {
		c.ASR.Model = "whisper-1"
	}
	if c.ASR.Timeout == 0 {
		c.ASR.Timeout = 45 * time.Second
	}
	if c.ASR.MaxAttempts == 0 {
		c.ASR.MaxAttempts = 3
	}
	if c.ASR.Concurrency == 0 {
		c.ASR.Concurrency = 3
	}
	c.Primary.defaults("primary", "openai")
	c.Secondary.defaults("secondary", "gemini")
	if c.Summary.MaxAttempts == 0 {
		c.Summary.MaxAttempts = 3
	}
	if c.Summary.BaseDelay == 0 {
		c.Summary.BaseDelay = 500 * time.Millisecond
	}
	if c.Summary.MaxDelay == 0 {
		c.Summary.MaxDelay = 8 * time.Second
	}
	if c.Summary.MaxSections == 0 {
		c.Summary.MaxSections = 8
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 1
	}
	if c.Pipeline.SliceWindow == 0 {
		c.Pipeline.SliceWindow = 12000
	}
	if c.Pipeline.SliceOverlap == nil {
		overlap := 800
		c.Pipeline.SliceOverlap = &overlap
	}
	if o := *c.Pipeline.SliceOverlap; o < 0 || o >= c.Pipeline.SliceWindow {
		return fmt.Errorf("pipeline.slice_overlap must be in [0, slice_window)")
	}
	if c.Pipeline.ASRWeight == 0 {
		c.Pipeline.ASRWeight = 70
	}
	if c.Pipeline.SummaryWeight == 0 {
		c.Pipeline.SummaryWeight = 25
	}
	if c.Pipeline.ASRWeight+c.Pipeline.SummaryWeight >= 100 {
		return fmt.Errorf("pipeline weights must leave room for the merge step")
	}
	if c.Quota.ASRChunksPerDay == 0 {
		c.Quota.ASRChunksPerDay = 2000
	}
	if c.Quota.SummaryJobsPerDay == 0 {
		c.Quota.SummaryJobsPerDay = 50
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 10m"
	}
	if c.Sweeper.TTL == 0 {
		c.Sweeper.TTL = 48 * time.Hour
	}
	return nil
}

func (l *LLMConfig) defaults(name, kind string) {
	if l.Name == "" {
		l.Name = name
	}
	if l.Kind == "" {
		l.Kind = kind
	}
	if l.Timeout == 0 {
		l.Timeout = 60 * time.Second
	}
	if l.Model == "" {
		switch l.Kind {
		case "gemini":
			l.Model = "gemini-2.5-flash"
		default:
			l.Model = "gpt-4o-mini"
		}
	}
	if l.BaseURL == "" && l.Kind == "openai" {
		l.BaseURL = "https://api.openai.com/v1"
	}
}
