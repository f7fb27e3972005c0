package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
)

type Config struct {
	Port       int              `json:"port"`
	Database   DatabaseConfig   `json:"database"`
	LogConfig  logger.LogConfig `json:"log_config"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Summarizer SummarizerConfig `json:"summarizer"`
	Search     SearchConfig     `json:"search"`
	Population PopulationConfig `json:"population"`
	Fetcher    FetcherConfig    `json:"fetcher"`
	Schedule   ScheduleConfig   `json:"schedule"`
	QueryCache QueryCacheConfig `json:"query_cache"`
	Snapshot   SnapshotConfig   `json:"snapshot"`
	MCP        MCPConfig        `json:"mcp"`
	HTTP       HTTPConfig       `json:"http"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	MaxOpen  int    `json:"max_open"`
	MaxIdle  int    `json:"max_idle"`
}

type EmbeddingConfig struct {
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Dimension      int         `json:"dimension"`
	MaxBatchItems  int         `json:"max_batch_items"`
	MaxBatchTokens int         `json:"max_batch_tokens"`
	Timeout        int         `json:"timeout"`
	DBCache        bool        `json:"db_cache"`
	Data           interface{} `json:"data"`
}

type GeneratorProviderConfig struct {
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type SummarizerConfig struct {
	Enabled       bool                      `json:"enabled"`
	Providers     []GeneratorProviderConfig `json:"providers"`
	Timeout       int                       `json:"timeout"`
	MaxInputChars int                       `json:"max_input_chars"`
}

type SearchConfig struct {
	TopK   int    `json:"top_k"`
	Metric string `json:"metric"`
}

type PopulationConfig struct {
	Workers         int `json:"workers"`
	RetryBudget     int `json:"retry_budget"`
	BackoffBaseMs   int `json:"backoff_base_ms"`
	BackoffMaxMs    int `json:"backoff_max_ms"`
	MaxChunkTokens  int `json:"max_chunk_tokens"`
	StaleJobMinutes int `json:"stale_job_minutes"`
	RefreshHours    int `json:"refresh_hours"`
}

type FetcherConfig struct {
	BaseURL           string  `json:"base_url"`
	MaxPages          int     `json:"max_pages"`
	Timeout           int     `json:"timeout"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	MaxRetries        int     `json:"max_retries"`
}

type ScheduleConfig struct {
	RefreshSpec      string `json:"refresh_spec"`
	CacheCleanupSpec string `json:"cache_cleanup_spec"`
	RecoverySpec     string `json:"recovery_spec"`
	CacheMaxAgeDays  int    `json:"cache_max_age_days"`
}

type QueryCacheConfig struct {
	Size       int `json:"size"`
	TTLSeconds int `json:"ttl_seconds"`
}

type SnapshotConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// HTTPConfig guards the HTTP surface. An empty JWTSecret leaves the
// mutating routes open.
type HTTPConfig struct {
	CORSOrigins       []string `json:"cors_origins"`
	JWTSecret         string   `json:"jwt_secret"`
	TokenTTLHours     int      `json:"token_ttl_hours"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
}

type MCPConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}

	cfg.Embedding.Provider = strings.ToLower(strings.TrimSpace(cfg.Embedding.Provider))
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbeddingModel(cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = DefaultDimension(cfg.Embedding.Model)
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension is required for model %s", cfg.Embedding.Model)
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = 60
	}

	if cfg.Summarizer.Timeout <= 0 {
		cfg.Summarizer.Timeout = 60
	}
	if cfg.Summarizer.MaxInputChars <= 0 {
		cfg.Summarizer.MaxInputChars = 24000
	}

	if cfg.Search.TopK <= 0 {
		cfg.Search.TopK = 10
	}
	cfg.Search.Metric = strings.ToLower(strings.TrimSpace(cfg.Search.Metric))
	switch cfg.Search.Metric {
	case "":
		cfg.Search.Metric = MetricCosine
	case MetricCosine, MetricL2:
	default:
		return fmt.Errorf("search.metric must be cosine or l2")
	}

	p := &cfg.Population
	if p.Workers <= 0 {
		p.Workers = 3
	}
	if p.RetryBudget <= 0 {
		p.RetryBudget = 3
	}
	if p.BackoffBaseMs <= 0 {
		p.BackoffBaseMs = 1000
	}
	if p.BackoffMaxMs <= 0 {
		p.BackoffMaxMs = 30000
	}
	if p.MaxChunkTokens <= 0 {
		p.MaxChunkTokens = 400
	}
	if p.StaleJobMinutes <= 0 {
		p.StaleJobMinutes = 120
	}
	if p.RefreshHours <= 0 {
		p.RefreshHours = 24
	}

	f := &cfg.Fetcher
	if f.BaseURL == "" {
		f.BaseURL = "https://docs.rs"
	}
	if f.MaxPages <= 0 {
		f.MaxPages = 10000
	}
	if f.Timeout <= 0 {
		f.Timeout = 30
	}
	if f.RequestsPerSecond <= 0 {
		f.RequestsPerSecond = 2
	}
	if f.MaxRetries < 0 {
		f.MaxRetries = 0
	}
	if f.MaxRetries == 0 {
		f.MaxRetries = 3
	}

	s := &cfg.Schedule
	if s.RefreshSpec == "" {
		s.RefreshSpec = "17 * * * *"
	}
	if s.CacheCleanupSpec == "" {
		s.CacheCleanupSpec = "30 3 * * *"
	}
	if s.RecoverySpec == "" {
		s.RecoverySpec = "*/10 * * * *"
	}
	if s.CacheMaxAgeDays <= 0 {
		s.CacheMaxAgeDays = 30
	}

	if cfg.QueryCache.Size <= 0 {
		cfg.QueryCache.Size = 10000
	}
	if cfg.QueryCache.TTLSeconds <= 0 {
		cfg.QueryCache.TTLSeconds = 7200
	}

	if cfg.Snapshot.Type == "" {
		cfg.Snapshot.Type = "none"
	}
	if cfg.HTTP.TokenTTLHours <= 0 {
		cfg.HTTP.TokenTTLHours = 24 * 30
	}
	if cfg.HTTP.RequestsPerSecond > 0 && cfg.HTTP.Burst <= 0 {
		cfg.HTTP.Burst = int(cfg.HTTP.RequestsPerSecond) + 1
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = "/mcp"
	}
	return nil
}

func DefaultEmbeddingModel(provider string) string {
	switch provider {
	case "voyage":
		return "voyage-3.5"
	case "gemini":
		return "gemini-embedding-001"
	default:
		return "text-embedding-3-large"
	}
}

// DefaultDimension returns the output width of well known embedding models,
// or 0 when the model is unknown.
func DefaultDimension(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "voyage-3.5", "voyage-3", "voyage-3-large", "voyage-code-3":
		return 1024
	case "voyage-3.5-lite", "voyage-3-lite":
		return 512
	case "gemini-embedding-001":
		return 3072
	case "text-embedding-004":
		return 768
	}
	return 0
}
