package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// Server
	Port string `validate:"required"`

	// Database
	PostgresDSN string `validate:"required"`

	// Cache / rate-limit store
	RedisAddr string `validate:"required"`

	// Provider descriptor table. Loaded from ProvidersFile when set,
	// otherwise synthesized from the single-key env vars below.
	ProvidersFile string
	Providers     []Provider `validate:"min=1,dive"`

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Routing & streaming
	RequestBudget      time.Duration `validate:"gt=0"`
	ProviderTimeout    time.Duration
	IdleStreamTimeout  time.Duration `validate:"gt=0"`
	StreamMaxDuration  time.Duration `validate:"gt=0"`
	CredentialCooldown time.Duration `validate:"gt=0"`

	// Gate
	CacheTTL         time.Duration
	CacheEnabled     bool
	CoalesceRequests bool
	RateLimitRPM     int64
	RateLimitTPM     int64 `validate:"gt=0"`

	// Observability
	OTELExporterType     string `validate:"oneof=stdout otlp"`
	OTELExporterEndpoint string
}

// Provider is one descriptor table entry.
type Provider struct {
	Name        string        `koanf:"name" validate:"required"`
	BaseURL     string        `koanf:"base_url"`
	Models      []string      `koanf:"models" validate:"min=1"`
	Timeout     time.Duration `koanf:"timeout"`
	Credentials []Credential  `koanf:"credentials" validate:"min=1,dive"`
}

type Credential struct {
	ID       string `koanf:"id" validate:"required"`
	Key      string `koanf:"key" validate:"required"`
	Priority int    `koanf:"priority"`
	RPMHint  int    `koanf:"rpm_hint"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		CacheEnabled:         getEnvBool("CACHE_ENABLED", true),
		CoalesceRequests:     getEnvBool("COALESCE_REQUESTS", false),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RequestBudget, err = getEnvDuration("REQUEST_BUDGET", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleStreamTimeout, err = getEnvDuration("IDLE_STREAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StreamMaxDuration, err = getEnvDuration("STREAM_MAX_DURATION", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CredentialCooldown, err = getEnvDuration("CREDENTIAL_COOLDOWN", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPM, err = getEnvInt64("RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if cfg.RateLimitTPM, err = getEnvInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}

	if cfg.ProvidersFile != "" {
		providers, err := loadProviders(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	} else {
		cfg.Providers = envProviders(cfg)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadProviders reads the YAML descriptor table, letting
// MODELGATE_PROVIDERS_* env vars override individual fields.
func loadProviders(path string) ([]Provider, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load providers file %s: %w", path, err)
	}
	if err := k.Load(env.Provider("MODELGATE_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load provider env overrides: %w", err)
	}

	var providers []Provider
	if err := k.Unmarshal("providers", &providers); err != nil {
		return nil, fmt.Errorf("failed to parse providers: %w", err)
	}
	return providers, nil
}

func envKeyTransform(s string) string {
	s = s[len("MODELGATE_"):]
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			c = '.'
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// envProviders builds single-credential descriptors from the classic
// per-provider API key env vars.
func envProviders(cfg *Config) []Provider {
	var providers []Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, Provider{
			Name:        "openai",
			Models:      []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"},
			Timeout:     cfg.ProviderTimeout,
			Credentials: []Credential{{ID: "openai-default", Key: cfg.OpenAIAPIKey}},
		})
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, Provider{
			Name:        "claude",
			Models:      []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229"},
			Timeout:     cfg.ProviderTimeout,
			Credentials: []Credential{{ID: "claude-default", Key: cfg.AnthropicAPIKey}},
		})
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, Provider{
			Name:        "gemini",
			Models:      []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"},
			Timeout:     cfg.ProviderTimeout,
			Credentials: []Credential{{ID: "gemini-default", Key: cfg.GeminiAPIKey}},
		})
	}
	return providers
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
