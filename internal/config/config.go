// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/heimdall/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Worker    WorkerConfig    `yaml:"worker"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // streaming responses need a long ceiling
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // plaintext; only its hash is persisted
}

// UpstreamConfig tunes the outbound attempt loop.
type UpstreamConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`    // per request, across credentials
	RequestTimeout time.Duration `yaml:"request_timeout"` // non-streaming upstream calls
}

// WorkerConfig tunes background workers.
type WorkerConfig struct {
	TrafficFlushInterval time.Duration `yaml:"traffic_flush_interval"`
	TrafficBatchSize     int           `yaml:"traffic_batch_size"`
	DisallowPruneEvery   time.Duration `yaml:"disallow_prune_every"`
}

// CacheConfig holds the model-catalog cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is an upstream provider definition in the config file.
type ProviderEntry struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"`     // claudecode, codex, geminicli, vertex, compat
	Protocol      string            `yaml:"protocol"` // compat only: claude, gemini, openai_chat, openai_responses
	BaseURL       string            `yaml:"base_url"`
	Headers       map[string]string `yaml:"headers"`
	OutboundProxy string            `yaml:"outbound_proxy"`
	Enabled       *bool             `yaml:"enabled"`
	Credentials   []CredentialEntry `yaml:"credentials"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// CredentialEntry seeds one pool credential. API keys and service accounts
// can be declared inline; OAuth-backed kinds are normally added through the
// login flows instead.
type CredentialEntry struct {
	Name    string       `yaml:"name"`
	Enabled *bool        `yaml:"enabled"`
	Weight  uint32       `yaml:"weight"`
	APIKey  string       `yaml:"api_key"`
	Vertex  *VertexEntry `yaml:"vertex"`
}

// IsEnabled reports whether the credential is enabled (defaults to true when nil).
func (c CredentialEntry) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// VertexEntry is an inline GCP service-account credential.
type VertexEntry struct {
	ProjectID   string `yaml:"project_id"`
	ClientEmail string `yaml:"client_email"`
	PrivateKey  string `yaml:"private_key"`
	TokenURI    string `yaml:"token_uri"`
	Location    string `yaml:"location"`
}

// Credential converts the seed entry into its pool form.
func (c CredentialEntry) Credential() (gateway.Credential, error) {
	switch {
	case c.APIKey != "" && c.Vertex != nil:
		return gateway.Credential{}, fmt.Errorf("credential %q: api_key and vertex are mutually exclusive", c.Name)
	case c.Vertex != nil:
		return gateway.Credential{
			Kind: gateway.CredVertex,
			Vertex: &gateway.VertexCredential{
				ProjectID:   c.Vertex.ProjectID,
				ClientEmail: c.Vertex.ClientEmail,
				PrivateKey:  c.Vertex.PrivateKey,
				TokenURI:    c.Vertex.TokenURI,
				Location:    c.Vertex.Location,
			},
		}, nil
	case c.APIKey != "":
		return gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: c.APIKey},
		}, nil
	}
	return gateway.Credential{}, fmt.Errorf("credential %q: api_key or vertex required", c.Name)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "heimdall.db",
		},
		Upstream: UpstreamConfig{
			MaxAttempts:    3,
			RequestTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			TrafficFlushInterval: 5 * time.Second,
			TrafficBatchSize:     256,
			DisallowPruneEvery:   time.Minute,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    1_000,
			DefaultTTL: 5 * time.Minute,
		},
	}
}
