package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AgentEndpoint locates a remote collaborator.
type AgentEndpoint struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Auth for the HTTP API
	APIKey string `yaml:"-"`

	// SQLite database
	DatabasePath string `yaml:"database_path"`

	// Object storage: an HTTP blob service when ObjectStoreURL is set,
	// otherwise the filesystem under ObjectStoreDir.
	ObjectStoreURL    string `yaml:"object_store_url"`
	ObjectStoreAPIKey string `yaml:"-"`
	ObjectStoreDir    string `yaml:"object_store_dir"`

	// Embeddings (OpenAI-compatible)
	EmbeddingAPIKey    string  `yaml:"-"`
	EmbeddingBaseURL   string  `yaml:"embedding_base_url"`
	EmbeddingModel     string  `yaml:"embedding_model"`
	EmbeddingMaxChars  int     `yaml:"embedding_max_chars"`
	EmbeddingBatchSize int     `yaml:"embedding_batch_size"`
	EmbeddingRPS       float64 `yaml:"embedding_rps"`

	// Claude field extraction; disabled without a key
	AnthropicAPIKey         string        `yaml:"-"`
	AnthropicModel          string        `yaml:"anthropic_model"`
	AnthropicBaseURL        string        `yaml:"anthropic_base_url"`
	FieldExtractTimeout     time.Duration `yaml:"field_extract_timeout"`
	FieldExtractConcurrency int           `yaml:"field_extract_concurrency"`

	// Assembly cache; in-memory when RedisAddr is empty
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"-"`
	RedisDB          int           `yaml:"redis_db"`
	AssemblyCacheTTL time.Duration `yaml:"assembly_cache_ttl"`

	// Remote agents keyed by stage name: drafting, citation, critique, assembly.
	Agents             map[string]AgentEndpoint `yaml:"agents"`
	MaxRedraftAttempts int                      `yaml:"max_redraft_attempts"`

	// Worker pool
	WorkerCount    int `yaml:"worker_count"`
	MaxQueueSize   int `yaml:"max_queue_size"`
	PageBatchLimit int `yaml:"page_batch_limit"`
	ExtractWorkers int `yaml:"extract_workers"`

	// Upload limits
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Chunking defaults
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	MinChunkSize int `yaml:"min_chunk_size"`

	// Job state
	JobTTL time.Duration `yaml:"job_ttl"`

	// PDF
	PDFFallbackPdftotext bool `yaml:"pdf_fallback_pdftotext"`
}

// Agent stage names used in Config.Agents.
const (
	AgentDrafting = "drafting"
	AgentCitation = "citation"
	AgentCritique = "critique"
	AgentAssembly = "assembly"
)

func defaults() Config {
	return Config{
		Port:     "8090",
		LogLevel: "info",

		DatabasePath:   "docdraft.db",
		ObjectStoreDir: "data/objects",

		EmbeddingBaseURL:   "https://api.openai.com/v1",
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingMaxChars:  8000,
		EmbeddingBatchSize: 64,
		EmbeddingRPS:       5,

		AnthropicModel:          "claude-sonnet-4-5-20250929",
		FieldExtractTimeout:     2 * time.Minute,
		FieldExtractConcurrency: 2,

		AssemblyCacheTTL: 24 * time.Hour,

		Agents:             map[string]AgentEndpoint{},
		MaxRedraftAttempts: 2,

		WorkerCount:    4,
		MaxQueueSize:   100,
		PageBatchLimit: 15,
		ExtractWorkers: 6,

		MaxUploadBytes: 52428800, // 50MB

		ChunkSize:    1500,
		ChunkOverlap: 200,
		MinChunkSize: 200,

		JobTTL: 1 * time.Hour,

		PDFFallbackPdftotext: true,
	}
}

// Load reads .env (if present), then the YAML file named by DOCDRAFT_CONFIG
// (if set), then the environment. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("DOCDRAFT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	clampPositive(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentEndpoint{}
	}
	return nil
}

func applyEnv(c *Config) {
	c.Port = envOr("PORT", c.Port)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.APIKey = envOr("DOCDRAFT_API_KEY", c.APIKey)
	c.DatabasePath = envOr("DATABASE_PATH", c.DatabasePath)

	c.ObjectStoreURL = envOr("OBJECT_STORE_URL", c.ObjectStoreURL)
	c.ObjectStoreAPIKey = envOr("OBJECT_STORE_API_KEY", c.ObjectStoreAPIKey)
	c.ObjectStoreDir = envOr("OBJECT_STORE_DIR", c.ObjectStoreDir)

	c.EmbeddingAPIKey = envOr("EMBEDDING_API_KEY", envOr("OPENAI_API_KEY", c.EmbeddingAPIKey))
	c.EmbeddingBaseURL = envOr("EMBEDDING_BASE_URL", c.EmbeddingBaseURL)
	c.EmbeddingModel = envOr("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingMaxChars = envInt("EMBEDDING_MAX_CHARS", c.EmbeddingMaxChars)
	c.EmbeddingBatchSize = envInt("EMBEDDING_BATCH_SIZE", c.EmbeddingBatchSize)
	c.EmbeddingRPS = envFloat("EMBEDDING_RPS", c.EmbeddingRPS)

	c.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicModel = envOr("ANTHROPIC_MODEL", c.AnthropicModel)
	c.AnthropicBaseURL = envOr("ANTHROPIC_BASE_URL", c.AnthropicBaseURL)
	c.FieldExtractTimeout = envDuration("FIELD_EXTRACT_TIMEOUT", c.FieldExtractTimeout)
	c.FieldExtractConcurrency = envInt("FIELD_EXTRACT_CONCURRENCY", c.FieldExtractConcurrency)

	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOr("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envInt("REDIS_DB", c.RedisDB)
	c.AssemblyCacheTTL = envDuration("ASSEMBLY_CACHE_TTL", c.AssemblyCacheTTL)

	token := os.Getenv("AGENT_TOKEN")
	for name, key := range map[string]string{
		AgentDrafting: "DRAFTER_URL",
		AgentCitation: "CITATION_URL",
		AgentCritique: "CRITIC_URL",
		AgentAssembly: "ASSEMBLER_URL",
	} {
		ep := c.Agents[name]
		ep.URL = envOr(key, ep.URL)
		if token != "" {
			ep.Token = token
		}
		if ep.URL != "" {
			c.Agents[name] = ep
		}
	}
	c.MaxRedraftAttempts = envInt("MAX_REDRAFT_ATTEMPTS", c.MaxRedraftAttempts)

	c.WorkerCount = envInt("WORKER_COUNT", c.WorkerCount)
	c.MaxQueueSize = envInt("MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.PageBatchLimit = envInt("PAGE_BATCH_LIMIT", c.PageBatchLimit)
	c.ExtractWorkers = envInt("EXTRACT_WORKERS", c.ExtractWorkers)

	c.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)

	c.ChunkSize = envInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = envInt("CHUNK_OVERLAP", c.ChunkOverlap)
	c.MinChunkSize = envInt("MIN_CHUNK_SIZE", c.MinChunkSize)

	c.JobTTL = envDuration("JOB_TTL", c.JobTTL)

	c.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", c.PDFFallbackPdftotext)
}

func clampPositive(c *Config) {
	def := defaults()
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.PageBatchLimit <= 0 {
		c.PageBatchLimit = def.PageBatchLimit
	}
	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = def.ExtractWorkers
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = def.ChunkOverlap
	}
	if c.MaxRedraftAttempts <= 0 {
		c.MaxRedraftAttempts = def.MaxRedraftAttempts
	}
	if c.JobTTL <= 0 {
		c.JobTTL = def.JobTTL
	}
}

// Validate checks what every command needs.
func (c Config) Validate() error {
	if c.EmbeddingAPIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY (or OPENAI_API_KEY) is required")
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.ObjectStoreURL != "" && c.ObjectStoreAPIKey == "" {
		return fmt.Errorf("OBJECT_STORE_API_KEY is required with OBJECT_STORE_URL")
	}
	return nil
}

// ValidateServer adds the requirements of the HTTP server.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("DOCDRAFT_API_KEY is required")
	}
	return nil
}

// ValidateAgents checks that every remote stage needed for a full run is
// configured. Citation is optional.
func (c Config) ValidateAgents() error {
	var errs []error
	for _, name := range []string{AgentDrafting, AgentCritique, AgentAssembly} {
		if c.Agents[name].URL == "" {
			errs = append(errs, fmt.Errorf("agent %q has no url", name))
		}
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
