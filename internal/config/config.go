// Package config provides configuration loading for exambuddy.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and environment variables (see LoadWithFile). Every process (HTTP server
// and ingestion workers) must load the same embeddings section: vectors
// written by a worker are only comparable with query vectors produced by the
// same model.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// collectionNamePattern mirrors the vector store naming rules.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// Config holds the complete exambuddy configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	NATS          NATSConfig          `koanf:"nats"`
	Queue         QueueConfig         `koanf:"queue"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	LLM           LLMConfig           `koanf:"llm"`
	Chat          ChatConfig          `koanf:"chat"`
	Uploads       UploadsConfig       `koanf:"uploads"`
	Loaders       LoadersConfig       `koanf:"loaders"`
	Splitter      SplitterConfig      `koanf:"splitter"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	BodyLimit       string        `koanf:"body_limit"`
	AllowOrigins    []string      `koanf:"allow_origins"`
}

// NATSConfig holds the job queue connection settings.
type NATSConfig struct {
	URL string `koanf:"url"`
	// Embedded starts an in-process nats-server with JetStream instead of
	// dialing URL. Intended for single-host development.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
	Port     int    `koanf:"port"`
}

// QueueConfig holds ingestion lane settings.
type QueueConfig struct {
	Stream           string        `koanf:"stream"`
	SubjectPrefix    string        `koanf:"subject_prefix"`
	DeadLetterStream string        `koanf:"dead_letter_stream"`
	StatusBucket     string        `koanf:"status_bucket"`
	StatusTTL        time.Duration `koanf:"status_ttl"`
	MaxDeliver       int           `koanf:"max_deliver"`
	AckWait          time.Duration `koanf:"ack_wait"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"`
	// Concurrency bounds in-flight jobs per lane.
	Concurrency int  `koanf:"concurrency"`
	MemoryStore bool `koanf:"memory_store"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	// Provider is "qdrant" (default) or "chromem".
	Provider string `koanf:"provider"`
	// Collection is the reserved name of the shared collection.
	Collection string `koanf:"collection"`
	// ChromemPath persists chromem collections; empty keeps them in memory.
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
}

// EmbeddingsConfig holds the embedding provider settings.
type EmbeddingsConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "fastembed".
	Provider   string `koanf:"provider"`
	BaseURL    string `koanf:"base_url"`
	Model      string `koanf:"model"`
	APIKey     Secret `koanf:"api_key"`
	Dimensions int    `koanf:"dimensions"`
	BatchSize  int    `koanf:"batch_size"`
	CacheDir   string `koanf:"cache_dir"`
}

// LLMConfig holds the text-generation settings.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// ChatConfig holds retrieval and prompt settings.
type ChatConfig struct {
	TopK    int    `koanf:"top_k"`
	Persona string `koanf:"persona"`
	// About is appended to the system instruction when non-empty; it answers
	// questions about who built the assistant.
	About string `koanf:"about"`
}

// UploadsConfig holds the durable upload store settings.
type UploadsConfig struct {
	Dir string `koanf:"dir"`
}

// LoadersConfig holds settings for the transcript and repository loaders.
type LoadersConfig struct {
	TranscriptLanguage string `koanf:"transcript_language"`
	GitHubToken        Secret `koanf:"github_token"`
	// GitHubAPIURL overrides the API endpoint for GitHub Enterprise.
	GitHubAPIURL string `koanf:"github_api_url"`
	// GitHubHost is the web host routed to the contents API; other hosts
	// are cloned with git.
	GitHubHost      string   `koanf:"github_host"`
	GitHubRateLimit float64  `koanf:"github_rate_limit"`
	RepoBranch      string   `koanf:"repo_branch"`
	RepoRecursive   bool     `koanf:"repo_recursive"`
	RepoConcurrency int      `koanf:"repo_concurrency"`
	RepoMaxFileSize int64    `koanf:"repo_max_file_size"`
	RepoInclude     []string `koanf:"repo_include"`
	RepoExclude     []string `koanf:"repo_exclude"`
	RedactSecrets   bool     `koanf:"redact_secrets"`
}

// SplitterConfig holds the chunk splitting stage settings.
type SplitterConfig struct {
	Disabled     bool `koanf:"disabled"`
	ChunkSize    int  `koanf:"chunk_size"`
	ChunkOverlap int  `koanf:"chunk_overlap"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// OTEL also ships records to the global OpenTelemetry logger provider.
	OTEL bool `koanf:"otel"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - The vector store provider or embeddings provider is unknown
//   - The collection name does not match ^[a-z0-9_]{1,48}$
//   - Queue limits are not positive
//   - Splitter overlap is non-negative and smaller than the chunk size
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.VectorStore.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("unknown vector store provider %q (want qdrant or chromem)", c.VectorStore.Provider)
	}
	if !collectionNamePattern.MatchString(c.VectorStore.Collection) {
		return fmt.Errorf("invalid collection name %q (must match %s)", c.VectorStore.Collection, collectionNamePattern)
	}

	switch c.Embeddings.Provider {
	case "openai", "fastembed":
	default:
		return fmt.Errorf("unknown embeddings provider %q (want openai or fastembed)", c.Embeddings.Provider)
	}
	if c.Embeddings.Model == "" {
		return errors.New("embeddings model is required")
	}

	if c.Queue.MaxDeliver < 1 {
		return fmt.Errorf("queue max_deliver must be >= 1, got %d", c.Queue.MaxDeliver)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be >= 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.AckWait <= 0 {
		return errors.New("queue ack_wait must be positive")
	}

	if c.Chat.TopK < 1 {
		return fmt.Errorf("chat top_k must be >= 1, got %d", c.Chat.TopK)
	}

	if c.Splitter.ChunkOverlap < 0 {
		return fmt.Errorf("splitter chunk_overlap must be >= 0, got %d", c.Splitter.ChunkOverlap)
	}
	if !c.Splitter.Disabled && c.Splitter.ChunkOverlap >= c.Splitter.ChunkSize {
		return fmt.Errorf("splitter chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Splitter.ChunkOverlap, c.Splitter.ChunkSize)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
