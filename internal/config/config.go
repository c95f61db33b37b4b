package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultListenAddress        = "127.0.0.1:8765"
	DefaultRuntimeBackend       = "simulated"
	DefaultRuntimeBaseURL       = "http://localhost:11434/v1"
	DefaultStepDelayMs          = 25
	DefaultEmbeddingBackend     = "hash"
	DefaultEmbeddingModel       = "nomic-embed-text"
	DefaultEmbeddingDimensions  = 384
	DefaultEmbeddingCacheTTL    = 3600 // seconds
	DefaultUsableMemoryFraction = 0.35
	DefaultBenchmarkPrompt      = "Summarize the benefits of running language models on device."
	DefaultThroughputTokens     = 64
	DefaultMemoryMegabytes      = 32
	DefaultComputeIterations    = 200000
	DefaultSampleRetention      = 1000
)

// Config holds the application configuration
type Config struct {
	LogLevel   string
	LogFile    string
	DBPath     string
	ConfigPath string
	DataDir    string
	ProjectRoot string

	// Execution runtime
	RuntimeBackend string
	RuntimeBaseURL string
	RuntimeAPIKey  string
	StepDelayMs    int
	ModelSourceDir string

	// Embeddings
	EmbeddingBackend    string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingCacheTTL   int

	// Selection
	ModelOverride        string
	UsableMemoryFraction float64

	// Benchmark
	BenchmarkPrompt   string
	ThroughputTokens  int
	MemoryMegabytes   int
	ComputeIterations int

	// Telemetry
	TelemetryPersist bool
	SampleRetention  int

	ListenAddress string
}

type fileConfig struct {
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Storage struct {
		DBPath string `toml:"db_path"`
	} `toml:"storage"`
	Runtime struct {
		Backend        string `toml:"backend"`
		BaseURL        string `toml:"base_url"`
		APIKey         string `toml:"api_key"`
		StepDelayMs    int    `toml:"step_delay_ms"`
		ModelSourceDir string `toml:"model_source_dir"`
	} `toml:"runtime"`
	Embedding struct {
		Backend         string `toml:"backend"`
		BaseURL         string `toml:"base_url"`
		Model           string `toml:"model"`
		Dimensions      int    `toml:"dimensions"`
		CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	} `toml:"embedding"`
	Selection struct {
		ModelID              string  `toml:"model_id"`
		UsableMemoryFraction float64 `toml:"usable_memory_fraction"`
	} `toml:"selection"`
	Benchmark struct {
		Prompt            string `toml:"prompt"`
		ThroughputTokens  int    `toml:"throughput_tokens"`
		MemoryMegabytes   int    `toml:"memory_megabytes"`
		ComputeIterations int    `toml:"compute_iterations"`
	} `toml:"benchmark"`
	Telemetry struct {
		Persist         *bool `toml:"persist"`
		SampleRetention int   `toml:"sample_retention"`
	} `toml:"telemetry"`
	Server struct {
		ListenAddress string `toml:"listen_address"`
	} `toml:"server"`
}

// Default returns a configuration rooted at dataDir with every default applied.
func Default(projectRoot, dataDir string) *Config {
	return &Config{
		LogLevel:             "info",
		LogFile:              filepath.Join(dataDir, "logs", "tinyinfer.log"),
		DBPath:               filepath.Join(dataDir, "store.sqlite3"),
		ConfigPath:           filepath.Join(dataDir, "config.toml"),
		DataDir:              dataDir,
		ProjectRoot:          projectRoot,
		RuntimeBackend:       DefaultRuntimeBackend,
		RuntimeBaseURL:       DefaultRuntimeBaseURL,
		StepDelayMs:          DefaultStepDelayMs,
		ModelSourceDir:       filepath.Join(dataDir, "models"),
		EmbeddingBackend:     DefaultEmbeddingBackend,
		EmbeddingModel:       DefaultEmbeddingModel,
		EmbeddingDimensions:  DefaultEmbeddingDimensions,
		EmbeddingCacheTTL:    DefaultEmbeddingCacheTTL,
		UsableMemoryFraction: DefaultUsableMemoryFraction,
		BenchmarkPrompt:      DefaultBenchmarkPrompt,
		ThroughputTokens:     DefaultThroughputTokens,
		MemoryMegabytes:      DefaultMemoryMegabytes,
		ComputeIterations:    DefaultComputeIterations,
		TelemetryPersist:     true,
		SampleRetention:      DefaultSampleRetention,
		ListenAddress:        DefaultListenAddress,
	}
}

// LoadConfig loads configuration from file, environment variables, and defaults
func LoadConfig() (*Config, error) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		return nil, err
	}

	dataDir := GetDataDir(projectRoot)
	if err := EnsureDataDirs(dataDir); err != nil {
		return nil, err
	}

	cfg := Default(projectRoot, dataDir)

	embeddingBaseURLSet := false
	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		fileData, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		set, err := cfg.applyFile(fileData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.ConfigPath, err)
		}
		embeddingBaseURLSet = set
	}

	if cfg.applyEnv() {
		embeddingBaseURLSet = true
	}

	cfg.RuntimeBaseURL = normalizeBaseURL(cfg.RuntimeBaseURL)
	if !embeddingBaseURLSet {
		cfg.EmbeddingBaseURL = cfg.RuntimeBaseURL
	}
	cfg.EmbeddingBaseURL = normalizeBaseURL(cfg.EmbeddingBaseURL)

	if !filepath.IsAbs(cfg.LogFile) {
		cfg.LogFile = filepath.Join(dataDir, cfg.LogFile)
	}

	return cfg, nil
}

// applyFile overlays a TOML document onto cfg. It reports whether the
// embedding base URL was set explicitly.
func (c *Config) applyFile(data []byte) (bool, error) {
	var parsed fileConfig
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return false, err
	}

	if parsed.Logging.Level != "" {
		c.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		c.LogFile = parsed.Logging.File
	}
	if parsed.Storage.DBPath != "" {
		c.DBPath = parsed.Storage.DBPath
	}
	if parsed.Runtime.Backend != "" {
		c.RuntimeBackend = parsed.Runtime.Backend
	}
	if parsed.Runtime.BaseURL != "" {
		c.RuntimeBaseURL = parsed.Runtime.BaseURL
	}
	if parsed.Runtime.APIKey != "" {
		c.RuntimeAPIKey = parsed.Runtime.APIKey
	}
	if parsed.Runtime.StepDelayMs > 0 {
		c.StepDelayMs = parsed.Runtime.StepDelayMs
	}
	if parsed.Runtime.ModelSourceDir != "" {
		c.ModelSourceDir = parsed.Runtime.ModelSourceDir
	}

	embeddingBaseURLSet := false
	if parsed.Embedding.Backend != "" {
		c.EmbeddingBackend = parsed.Embedding.Backend
	}
	if parsed.Embedding.BaseURL != "" {
		c.EmbeddingBaseURL = parsed.Embedding.BaseURL
		embeddingBaseURLSet = true
	}
	if parsed.Embedding.Model != "" {
		c.EmbeddingModel = parsed.Embedding.Model
	}
	if parsed.Embedding.Dimensions > 0 {
		c.EmbeddingDimensions = parsed.Embedding.Dimensions
	}
	if parsed.Embedding.CacheTTLSeconds > 0 {
		c.EmbeddingCacheTTL = parsed.Embedding.CacheTTLSeconds
	}

	if parsed.Selection.ModelID != "" {
		c.ModelOverride = parsed.Selection.ModelID
	}
	if parsed.Selection.UsableMemoryFraction != 0 {
		c.UsableMemoryFraction = parsed.Selection.UsableMemoryFraction
	}

	if parsed.Benchmark.Prompt != "" {
		c.BenchmarkPrompt = parsed.Benchmark.Prompt
	}
	if parsed.Benchmark.ThroughputTokens > 0 {
		c.ThroughputTokens = parsed.Benchmark.ThroughputTokens
	}
	if parsed.Benchmark.MemoryMegabytes > 0 {
		c.MemoryMegabytes = parsed.Benchmark.MemoryMegabytes
	}
	if parsed.Benchmark.ComputeIterations > 0 {
		c.ComputeIterations = parsed.Benchmark.ComputeIterations
	}

	if parsed.Telemetry.Persist != nil {
		c.TelemetryPersist = *parsed.Telemetry.Persist
	}
	if parsed.Telemetry.SampleRetention > 0 {
		c.SampleRetention = parsed.Telemetry.SampleRetention
	}

	if parsed.Server.ListenAddress != "" {
		c.ListenAddress = parsed.Server.ListenAddress
	}

	return embeddingBaseURLSet, nil
}

// applyEnv applies TINYINFER_* overrides. It reports whether the embedding
// base URL was set explicitly.
func (c *Config) applyEnv() bool {
	if level := os.Getenv("TINYINFER_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if logFile := os.Getenv("TINYINFER_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
	if dbPath := os.Getenv("TINYINFER_DB_PATH"); dbPath != "" {
		c.DBPath = dbPath
	}
	if backend := os.Getenv("TINYINFER_RUNTIME_BACKEND"); backend != "" {
		c.RuntimeBackend = backend
	}
	if baseURL := os.Getenv("TINYINFER_RUNTIME_BASE_URL"); baseURL != "" {
		c.RuntimeBaseURL = baseURL
	}
	if apiKey := os.Getenv("TINYINFER_RUNTIME_API_KEY"); apiKey != "" {
		c.RuntimeAPIKey = apiKey
	}
	if delay := os.Getenv("TINYINFER_STEP_DELAY_MS"); delay != "" {
		if ms, err := strconv.Atoi(delay); err == nil {
			c.StepDelayMs = ms
		}
	}

	embeddingBaseURLSet := false
	if backend := os.Getenv("TINYINFER_EMBEDDING_BACKEND"); backend != "" {
		c.EmbeddingBackend = backend
	}
	if embedBaseURL := os.Getenv("TINYINFER_EMBEDDING_BASE_URL"); embedBaseURL != "" {
		c.EmbeddingBaseURL = embedBaseURL
		embeddingBaseURLSet = true
	}
	if embedModel := os.Getenv("TINYINFER_EMBEDDING_MODEL"); embedModel != "" {
		c.EmbeddingModel = embedModel
	}

	if modelID := os.Getenv("TINYINFER_MODEL_ID"); modelID != "" {
		c.ModelOverride = modelID
	}
	if fraction := os.Getenv("TINYINFER_USABLE_MEMORY_FRACTION"); fraction != "" {
		if f, err := strconv.ParseFloat(fraction, 64); err == nil {
			c.UsableMemoryFraction = f
		}
	}
	if persist := os.Getenv("TINYINFER_TELEMETRY_PERSIST"); persist != "" {
		c.TelemetryPersist = persist == "true" || persist == "1"
	}
	if addr := os.Getenv("TINYINFER_LISTEN_ADDRESS"); addr != "" {
		c.ListenAddress = addr
	}

	return embeddingBaseURLSet
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// Context key for storing config in context
type configContextKey struct{}

// WithConfig adds the config to the context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey{}, cfg)
}

// FromContext retrieves the config from the context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configContextKey{}).(*Config); ok {
		return cfg
	}
	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	switch c.RuntimeBackend {
	case "simulated":
	case "http":
		if strings.TrimSpace(c.RuntimeBaseURL) == "" {
			return fmt.Errorf("runtime base URL is empty")
		}
	default:
		return fmt.Errorf("unknown runtime backend: %q", c.RuntimeBackend)
	}
	switch c.EmbeddingBackend {
	case "hash":
	case "http":
		if strings.TrimSpace(c.EmbeddingBaseURL) == "" {
			return fmt.Errorf("embedding base URL is empty")
		}
	default:
		return fmt.Errorf("unknown embedding backend: %q", c.EmbeddingBackend)
	}
	if c.StepDelayMs < 0 {
		return fmt.Errorf("step delay cannot be negative")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.UsableMemoryFraction <= 0 || c.UsableMemoryFraction > 1 {
		return fmt.Errorf("usable memory fraction must be in (0, 1]")
	}
	if c.ThroughputTokens <= 0 {
		return fmt.Errorf("benchmark throughput tokens must be positive")
	}
	if c.MemoryMegabytes <= 0 {
		return fmt.Errorf("benchmark memory megabytes must be positive")
	}
	if c.ComputeIterations <= 0 {
		return fmt.Errorf("benchmark compute iterations must be positive")
	}
	if c.SampleRetention <= 0 {
		return fmt.Errorf("sample retention must be positive")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address is empty")
	}
	return nil
}
