// Package config holds the platform configuration: defaults, an optional
// dossier.yaml, a .env file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all dossier configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Maker     MakerConfig     `yaml:"maker"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Workers   WorkersConfig   `yaml:"workers"`
	Research  ResearchConfig  `yaml:"research"`
	Verify    VerifyConfig    `yaml:"verify"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Retention RetentionConfig `yaml:"retention"`
	Watch     WatchConfig     `yaml:"watch"`
	Storage   StorageConfig   `yaml:"storage"`
	Policy    PolicyConfig    `yaml:"policy"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the sampler used by consensus calls.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, ollama, grok, claude, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // genai, ollama
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	BatchSize      int    `yaml:"batch_size"`
}

// MakerConfig configures first-to-ahead-by-k voting.
type MakerConfig struct {
	K         int `yaml:"k"`
	MaxRounds int `yaml:"max_rounds"`
	// MaxTokens of 0 selects the ceiling from the model hint.
	MaxTokens int `yaml:"max_tokens"`
}

// JobsConfig configures the orchestrator.
type JobsConfig struct {
	DispatchInterval string `yaml:"dispatch_interval"`
	MaxPerTick       int    `yaml:"max_per_tick"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
}

// WorkersConfig holds the HTTP endpoints of the registered workers and the
// per-call ceiling the orchestrator enforces.
type WorkersConfig struct {
	ResearcherURL    string `yaml:"researcher_url"`
	VerifierURL      string `yaml:"verifier_url"`
	DataRetrieverURL string `yaml:"data_retriever_url"`
	TransformerURL   string `yaml:"transformer_url"`
	ExporterURL      string `yaml:"exporter_url"`
	MemoryURL        string `yaml:"memory_url"`
	MonitorURL       string `yaml:"monitor_url"`
	CallTimeout      string `yaml:"call_timeout"`
}

// ResearchConfig configures the research worker's search backends. A
// backend without its key is skipped and reported unconfigured on /health.
type ResearchConfig struct {
	GoogleAPIKey          string `yaml:"google_api_key"`
	GoogleCSEID           string `yaml:"google_cse_id"`
	SemanticScholarAPIKey string `yaml:"semantic_scholar_api_key"`
	NewsAPIKey            string `yaml:"news_api_key"`
	// RenderPages swaps the thin-snippet page fetcher from plain HTTP to a
	// headless browser, for sources that only render under JavaScript.
	RenderPages  bool   `yaml:"render_pages"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

// VerifyConfig configures the verification worker.
type VerifyConfig struct {
	// PanelSize above 1 runs that many independent verifier calls in
	// parallel and reduces them by majority verdict.
	PanelSize int `yaml:"panel_size"`
}

// RetrieveConfig configures the data retriever worker.
type RetrieveConfig struct {
	MaxFetchBytes int64  `yaml:"max_fetch_bytes"`
	FetchTimeout  string `yaml:"fetch_timeout"`
}

// IngestConfig configures the document pipeline.
type IngestConfig struct {
	QuotaLimitPerMinute int    `yaml:"quota_limit_per_minute"`
	MaxAttempts         int    `yaml:"max_attempts"`
	ChunkMaxTokens      int    `yaml:"chunk_max_tokens"`
	ChunkOverlapTokens  int    `yaml:"chunk_overlap_tokens"`
	FolderShardWarning  int    `yaml:"folder_shard_warning"`
	DownloadTimeout     string `yaml:"download_timeout"`
}

// SearchConfig configures retrieval.
type SearchConfig struct {
	EnableHybrid bool `yaml:"enable_hybrid"`
	DefaultTopK  int  `yaml:"default_top_k"`
}

// RetentionConfig configures the soft-delete sweep.
type RetentionConfig struct {
	SoftDeleteRetentionDays int    `yaml:"soft_delete_retention_days"`
	SweepInterval           string `yaml:"sweep_interval"`
}

// WatchConfig configures the change watchers.
type WatchConfig struct {
	DriveChannelTTL   string `yaml:"drive_channel_ttl"`
	DriveCallbackURL  string `yaml:"drive_callback_url"`
	RenewalInterval   string `yaml:"renewal_interval"`
	FilesharePollSecs int    `yaml:"fileshare_poll_secs"`
	GmailLabel        string `yaml:"gmail_label"`
	GmailMaxResults   int64  `yaml:"gmail_max_results"`
}

// StorageConfig configures persistence paths.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	ExportDir    string `yaml:"export_dir"`
	WorkDir      string `yaml:"work_dir"`
	GCSBucket    string `yaml:"gcs_bucket"`
}

// PolicyConfig configures the ingestion admission gate.
type PolicyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RulesPath string `yaml:"rules_path"`
}

// MonitorConfig configures metrics and QA checks.
type MonitorConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	QAInterval     string `yaml:"qa_interval"`
}

// LoggingConfig configures process-level logging for the binaries.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "dossier",
		Version: "0.3.0",

		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "330s",
			ShutdownTimeout: "15s",
		},

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "genai",
			GenAIModel:     "text-embedding-004",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			BatchSize:      5,
		},

		Maker: MakerConfig{
			K:         3,
			MaxRounds: 40,
			MaxTokens: 0,
		},

		Jobs: JobsConfig{
			DispatchInterval: "5s",
			MaxPerTick:       10,
			MaxConcurrent:    10,
		},

		Workers: WorkersConfig{
			ResearcherURL:    "http://localhost:8001",
			VerifierURL:      "http://localhost:8002",
			DataRetrieverURL: "http://localhost:8003",
			TransformerURL:   "http://localhost:8004",
			ExporterURL:      "http://localhost:8005",
			MemoryURL:        "http://localhost:7000",
			MonitorURL:       "http://localhost:8006",
			CallTimeout:      "300s",
		},

		Research: ResearchConfig{
			FetchTimeout: "30s",
		},

		Verify: VerifyConfig{
			PanelSize: 1,
		},

		Retrieve: RetrieveConfig{
			MaxFetchBytes: 10 << 30,
			FetchTimeout:  "60s",
		},

		Ingest: IngestConfig{
			QuotaLimitPerMinute: 1000,
			MaxAttempts:         3,
			ChunkMaxTokens:      700,
			ChunkOverlapTokens:  140,
			FolderShardWarning:  10000,
			DownloadTimeout:     "120s",
		},

		Search: SearchConfig{
			EnableHybrid: true,
			DefaultTopK:  10,
		},

		Retention: RetentionConfig{
			SoftDeleteRetentionDays: 30,
			SweepInterval:           "24h",
		},

		Watch: WatchConfig{
			DriveChannelTTL:   "24h",
			RenewalInterval:   "1h",
			FilesharePollSecs: 300,
			GmailLabel:        "INBOX",
			GmailMaxResults:   100,
		},

		Storage: StorageConfig{
			DatabasePath: ".dossier/dossier.db",
			ExportDir:    ".dossier/exports",
			WorkDir:      ".dossier",
		},

		Policy: PolicyConfig{
			Enabled:   true,
			RulesPath: ".dossier/policy.gl",
		},

		Monitor: MonitorConfig{
			MetricsEnabled: true,
			QAInterval:     "10m",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration: defaults, then the YAML file if present, then a
// .env file in the working directory, then environment overrides. A missing
// YAML file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// .env entries become environment variables for the override pass.
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Sampler provider keys, lowest to highest precedence.
	if key := os.Getenv("OLLAMA_HOST"); key != "" {
		c.LLM.BaseURL = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "ollama"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "claude"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "grok"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}

	// Explicit selections beat key-derived defaults.
	if p := os.Getenv("LLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("LLM_MODEL"); m != "" {
		c.LLM.Model = m
	}

	// Embedding engine.
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if p := os.Getenv("EMBEDDING_PROVIDER"); p != "" {
		c.Embedding.Provider = p
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}

	// Consensus voting.
	if v, ok := envInt("MAKER_K"); ok {
		c.Maker.K = v
	}
	if v, ok := envInt("MAKER_MAX_ROUNDS"); ok {
		c.Maker.MaxRounds = v
	}
	if v, ok := envInt("MAKER_MAX_TOKENS"); ok {
		c.Maker.MaxTokens = v
	}

	// Ingestion and retention.
	if v, ok := envInt("QUOTA_LIMIT_PER_MINUTE"); ok {
		c.Ingest.QuotaLimitPerMinute = v
	}
	if v, ok := envInt("SOFT_DELETE_RETENTION_DAYS"); ok {
		c.Retention.SoftDeleteRetentionDays = v
	}

	// Retrieval.
	if v, ok := envBool("ENABLE_HYBRID_SEARCH"); ok {
		c.Search.EnableHybrid = v
	}

	// Research backends and worker tuning.
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Research.GoogleAPIKey = key
	}
	if id := os.Getenv("GOOGLE_CSE_ID"); id != "" {
		c.Research.GoogleCSEID = id
	}
	if key := os.Getenv("SEMANTIC_SCHOLAR_API_KEY"); key != "" {
		c.Research.SemanticScholarAPIKey = key
	}
	if key := os.Getenv("NEWS_API_KEY"); key != "" {
		c.Research.NewsAPIKey = key
	}
	if v, ok := envBool("RESEARCH_RENDER_PAGES"); ok {
		c.Research.RenderPages = v
	}
	if v, ok := envInt("VERIFIER_PANEL_SIZE"); ok {
		c.Verify.PanelSize = v
	}

	// Worker endpoints.
	if url := os.Getenv("RESEARCHER_URL"); url != "" {
		c.Workers.ResearcherURL = url
	}
	if url := os.Getenv("VERIFIER_URL"); url != "" {
		c.Workers.VerifierURL = url
	}
	if url := os.Getenv("DATA_RETRIEVER_URL"); url != "" {
		c.Workers.DataRetrieverURL = url
	}
	if url := os.Getenv("TRANSFORMER_URL"); url != "" {
		c.Workers.TransformerURL = url
	}
	if url := os.Getenv("EXPORTER_URL"); url != "" {
		c.Workers.ExporterURL = url
	}
	if url := os.Getenv("MEMORY_URL"); url != "" {
		c.Workers.MemoryURL = url
	}
	if url := os.Getenv("MONITOR_URL"); url != "" {
		c.Workers.MonitorURL = url
	}

	// Paths and listen address.
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("EXPORT_DIR"); dir != "" {
		c.Storage.ExportDir = dir
	}
	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		c.Storage.GCSBucket = bucket
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if url := os.Getenv("DRIVE_CALLBACK_URL"); url != "" {
		c.Watch.DriveCallbackURL = url
	}
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	s := os.Getenv(name)
	if s == "" {
		return false, false
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// duration parses a duration string, falling back when empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the sampler timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

// GetWorkerCallTimeout returns the per-stage worker call ceiling.
func (c *Config) GetWorkerCallTimeout() time.Duration {
	return duration(c.Workers.CallTimeout, 300*time.Second)
}

// GetDispatchInterval returns the dispatcher tick.
func (c *Config) GetDispatchInterval() time.Duration {
	return duration(c.Jobs.DispatchInterval, 5*time.Second)
}

// GetSweepInterval returns the retention sweep interval.
func (c *Config) GetSweepInterval() time.Duration {
	return duration(c.Retention.SweepInterval, 24*time.Hour)
}

// GetDriveChannelTTL returns the push channel lifetime.
func (c *Config) GetDriveChannelTTL() time.Duration {
	return duration(c.Watch.DriveChannelTTL, 24*time.Hour)
}

// GetRenewalInterval returns the watch renewal loop tick.
func (c *Config) GetRenewalInterval() time.Duration {
	return duration(c.Watch.RenewalInterval, time.Hour)
}

// GetDownloadTimeout returns the per-file download ceiling.
func (c *Config) GetDownloadTimeout() time.Duration {
	return duration(c.Ingest.DownloadTimeout, 120*time.Second)
}

// GetQAInterval returns the monitor QA check interval.
func (c *Config) GetQAInterval() time.Duration {
	return duration(c.Monitor.QAInterval, 10*time.Minute)
}

// GetResearchFetchTimeout returns the per-request ceiling for research backends.
func (c *Config) GetResearchFetchTimeout() time.Duration {
	return duration(c.Research.FetchTimeout, 30*time.Second)
}

// GetRetrieveFetchTimeout returns the per-request ceiling for data retrieval.
func (c *Config) GetRetrieveFetchTimeout() time.Duration {
	return duration(c.Retrieve.FetchTimeout, 60*time.Second)
}

// ValidProviders lists the supported sampler providers.
var ValidProviders = []string{"openai", "ollama", "grok", "claude", "gemini"}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured for provider %s (set OPENAI_API_KEY, XAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)", c.LLM.Provider)
	}
	if c.Maker.K < 1 {
		return fmt.Errorf("maker k must be at least 1, got %d", c.Maker.K)
	}
	if c.Maker.MaxRounds < c.Maker.K {
		return fmt.Errorf("maker max_rounds (%d) cannot be below k (%d)", c.Maker.MaxRounds, c.Maker.K)
	}
	if c.Ingest.ChunkOverlapTokens >= c.Ingest.ChunkMaxTokens {
		return fmt.Errorf("chunk overlap (%d) must be below chunk size (%d)", c.Ingest.ChunkOverlapTokens, c.Ingest.ChunkMaxTokens)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	return nil
}
