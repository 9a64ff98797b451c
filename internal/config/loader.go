package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "EXAMBUDDY_"
)

// LoadWithFile loads configuration from YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (EXAMBUDDY_SERVER_HTTP_PORT, EXAMBUDDY_CHAT_TOP_K, etc.)
//  2. YAML config file (~/.config/exambuddy/config.yaml)
//  3. Hardcoded defaults
//
// A .env file in the working directory is loaded into the process
// environment first; variables already set are not overwritten.
// OPENAI_API_KEY is honored for both the embeddings and llm sections when
// their api_key is unset.
//
// # Security Considerations
//
// The configuration file MUST have 0600 or 0400 permissions, MUST live in
// ~/.config/exambuddy/ or /etc/exambuddy/, and MUST be smaller than 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the remainder is split on the first underscore:
//
//	EXAMBUDDY_SERVER_HTTP_PORT   -> server.http_port
//	EXAMBUDDY_QUEUE_MAX_DELIVER  -> queue.max_deliver
//	EXAMBUDDY_VECTORSTORE_PROVIDER -> vectorstore.provider
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Missing .env is the common case.
	_ = godotenv.Load()

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "exambuddy", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	// Zero is a valid overlap, so only an absent key gets the default.
	if !k.Exists("splitter.chunk_overlap") {
		cfg.Splitter.ChunkOverlap = defaultChunkOverlap
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps EXAMBUDDY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "exambuddy"),
		"/etc/exambuddy",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/exambuddy/ or /etc/exambuddy/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

const defaultChunkOverlap = 200

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Splitter.ChunkOverlap = defaultChunkOverlap
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "64M"
	}
	if len(cfg.Server.AllowOrigins) == 0 {
		cfg.Server.AllowOrigins = []string{"*"}
	}

	// NATS defaults
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Port == 0 {
		cfg.NATS.Port = 4222
	}

	// Queue defaults
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "INGEST"
	}
	if cfg.Queue.SubjectPrefix == "" {
		cfg.Queue.SubjectPrefix = "ingest"
	}
	if cfg.Queue.DeadLetterStream == "" {
		cfg.Queue.DeadLetterStream = "INGEST_DLQ"
	}
	if cfg.Queue.StatusBucket == "" {
		cfg.Queue.StatusBucket = "ingest_jobs"
	}
	if cfg.Queue.StatusTTL == 0 {
		cfg.Queue.StatusTTL = 7 * 24 * time.Hour
	}
	if cfg.Queue.MaxDeliver == 0 {
		cfg.Queue.MaxDeliver = 5
	}
	if cfg.Queue.AckWait == 0 {
		cfg.Queue.AckWait = 5 * time.Minute
	}
	if cfg.Queue.RetryBackoff == 0 {
		cfg.Queue.RetryBackoff = 2 * time.Second
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 100
	}

	// Qdrant defaults (gRPC port, not REST)
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}

	// VectorStore defaults
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "qdrant"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "college_syllabus"
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-large"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 512
	}
	if !cfg.Embeddings.APIKey.IsSet() {
		cfg.Embeddings.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}

	// LLM defaults
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4.1"
	}
	if !cfg.LLM.APIKey.IsSet() {
		cfg.LLM.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}

	// Chat defaults
	if cfg.Chat.TopK == 0 {
		cfg.Chat.TopK = 3
	}
	if cfg.Chat.Persona == "" {
		cfg.Chat.Persona = "Exam Buddy"
	}

	// Uploads defaults
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = "uploads"
	}

	// Loader defaults
	if cfg.Loaders.TranscriptLanguage == "" {
		cfg.Loaders.TranscriptLanguage = "en"
	}
	if !cfg.Loaders.GitHubToken.IsSet() {
		cfg.Loaders.GitHubToken = Secret(os.Getenv("GITHUB_TOKEN"))
	}
	if cfg.Loaders.GitHubHost == "" {
		cfg.Loaders.GitHubHost = "github.com"
	}
	if cfg.Loaders.GitHubRateLimit == 0 {
		cfg.Loaders.GitHubRateLimit = 10
	}
	if cfg.Loaders.RepoBranch == "" {
		cfg.Loaders.RepoBranch = "main"
	}
	if cfg.Loaders.RepoConcurrency == 0 {
		cfg.Loaders.RepoConcurrency = 5
	}
	if cfg.Loaders.RepoMaxFileSize == 0 {
		cfg.Loaders.RepoMaxFileSize = 1024 * 1024
	}

	// Splitter defaults
	if cfg.Splitter.ChunkSize == 0 {
		cfg.Splitter.ChunkSize = 1000
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "exambuddy"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
