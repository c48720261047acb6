package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Merge    MergeConfig    `yaml:"merge"`
	Worker   WorkerConfig   `yaml:"worker"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConns       int    `yaml:"max_conns"`
	MinConns       int    `yaml:"min_conns"`
	MigrationsPath string `yaml:"migrations_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls bearer token checks on the API. The signing secret
// itself comes from the secret provider; auth is off when it is empty.
type AuthConfig struct {
	Issuer string `yaml:"issuer"`
}

type LLMConfig struct {
	DefaultProvider  string  `yaml:"default_provider"`
	DefaultModel     string  `yaml:"default_model"`
	FallbackProvider string  `yaml:"fallback_provider"`
	AnthropicModel   string  `yaml:"anthropic_model"`
	OpenAIBaseURL    string  `yaml:"openai_base_url"`
	OllamaURL        string  `yaml:"ollama_url"`
	OllamaModel      string  `yaml:"ollama_model"`
	Temperature      float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Backend            string   `yaml:"backend"` // "openai", "google" or "local"
	OpenAIBaseURL      string   `yaml:"openai_base_url"`
	OpenAIModel        string   `yaml:"openai_model"`
	GoogleLanguageCode string   `yaml:"google_language_code"`
	LocalBinPath       string   `yaml:"local_bin_path"`
	LocalModel         string   `yaml:"local_model"`
	Voices             []string `yaml:"voices"`
	DefaultVoice       string   `yaml:"default_voice"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // "supabase" or "local"
	SupabaseURL string `yaml:"supabase_url"`
	Bucket      string `yaml:"bucket"`
	LocalRoot   string `yaml:"local_root"`
}

type SessionConfig struct {
	Backend        string        `yaml:"backend"` // "redis", "postgres" or "sqlite"
	SQLitePath     string        `yaml:"sqlite_path"`
	KeyPrefix      string        `yaml:"key_prefix"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
}

type PipelineConfig struct {
	ParagraphsBefore  int `yaml:"paragraphs_before"`
	ParagraphsAfter   int `yaml:"paragraphs_after"`
	RosterChunkTokens int `yaml:"roster_chunk_tokens"` // 0 sends the whole text in one call
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type MergeConfig struct {
	Backend    string `yaml:"backend"` // "concat" or "ffmpeg"
	FFmpegPath string `yaml:"ffmpeg_path"`
	ScratchDir string `yaml:"scratch_dir"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type SecretsConfig struct {
	Backend string `yaml:"backend"` // "env" or "file"
	Path    string `yaml:"path"`
}

type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			MaxUploadBytes: 10 << 20,
		},
		Database: DatabaseConfig{
			MaxConns:       20,
			MinConns:       2,
			MigrationsPath: "migrations",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			DefaultModel:    "gpt-4o-mini",
			AnthropicModel:  "claude-3-haiku-20240307",
			OllamaURL:       "http://localhost:11434",
			OllamaModel:     "llama3",
		},
		TTS: TTSConfig{
			Backend:            "openai",
			OpenAIModel:        "tts-1-hd",
			GoogleLanguageCode: "en-US",
			LocalBinPath:       "piper",
			Voices:             []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
			DefaultVoice:       "alloy",
		},
		Storage: StorageConfig{
			Backend:   "supabase",
			Bucket:    "narrations",
			LocalRoot: "data/objects",
		},
		Session: SessionConfig{
			Backend:        "redis",
			SQLitePath:     "data/sessions.db",
			KeyPrefix:      "converse",
			SweepInterval:  5 * time.Minute,
			StatusCacheTTL: time.Hour,
		},
		Pipeline: PipelineConfig{
			ParagraphsBefore:  10,
			ParagraphsAfter:   10,
			RosterChunkTokens: 6000,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Jitter:      0.2,
		},
		Merge: MergeConfig{
			Backend:    "concat",
			FFmpegPath: "ffmpeg",
		},
		Worker: WorkerConfig{
			Concurrency: 10,
		},
		Secrets: SecretsConfig{
			Backend: "env",
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	if c.Server.Port, err = getEnvInt("SERVER_PORT", c.Server.Port); err != nil {
		return fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	c.Server.CORSOrigins = getEnvList("CORS_ORIGINS", c.Server.CORSOrigins)
	if c.Server.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", c.Server.RateLimitRPS); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if c.Server.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", c.Server.RateLimitBurst); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	if c.Database.MaxConns, err = getEnvInt("DB_MAX_CONNS", c.Database.MaxConns); err != nil {
		return fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}
	if c.Database.MinConns, err = getEnvInt("DB_MIN_CONNS", c.Database.MinConns); err != nil {
		return fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}
	c.Database.MigrationsPath = getEnv("MIGRATIONS_PATH", c.Database.MigrationsPath)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	c.Auth.Issuer = getEnv("JWT_ISSUER", c.Auth.Issuer)

	c.LLM.DefaultProvider = getEnv("LLM_DEFAULT_PROVIDER", c.LLM.DefaultProvider)
	c.LLM.DefaultModel = getEnv("LLM_DEFAULT_MODEL", c.LLM.DefaultModel)
	c.LLM.FallbackProvider = getEnv("LLM_FALLBACK_PROVIDER", c.LLM.FallbackProvider)
	c.LLM.AnthropicModel = getEnv("ANTHROPIC_MODEL", c.LLM.AnthropicModel)
	c.LLM.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.OllamaURL = getEnv("OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OllamaModel = getEnv("OLLAMA_MODEL", c.LLM.OllamaModel)
	if c.LLM.Temperature, err = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature); err != nil {
		return fmt.Errorf("invalid LLM_TEMPERATURE: %w", err)
	}

	c.TTS.Backend = getEnv("TTS_BACKEND", c.TTS.Backend)
	c.TTS.OpenAIBaseURL = getEnv("TTS_OPENAI_BASE_URL", c.TTS.OpenAIBaseURL)
	c.TTS.OpenAIModel = getEnv("TTS_OPENAI_MODEL", c.TTS.OpenAIModel)
	c.TTS.GoogleLanguageCode = getEnv("TTS_GOOGLE_LANGUAGE_CODE", c.TTS.GoogleLanguageCode)
	c.TTS.LocalBinPath = getEnv("TTS_LOCAL_PIPER_BIN", c.TTS.LocalBinPath)
	c.TTS.LocalModel = getEnv("TTS_LOCAL_PIPER_MODEL", c.TTS.LocalModel)
	c.TTS.Voices = getEnvList("TTS_VOICES", c.TTS.Voices)
	c.TTS.DefaultVoice = getEnv("TTS_DEFAULT_VOICE", c.TTS.DefaultVoice)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SupabaseURL = getEnv("SUPABASE_URL", c.Storage.SupabaseURL)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.LocalRoot = getEnv("STORAGE_LOCAL_ROOT", c.Storage.LocalRoot)

	c.Session.Backend = getEnv("SESSION_BACKEND", c.Session.Backend)
	c.Session.SQLitePath = getEnv("SESSION_SQLITE_PATH", c.Session.SQLitePath)
	c.Session.KeyPrefix = getEnv("SESSION_KEY_PREFIX", c.Session.KeyPrefix)
	if c.Session.StaleAfter, err = getEnvDuration("SESSION_STALE_AFTER", c.Session.StaleAfter); err != nil {
		return fmt.Errorf("invalid SESSION_STALE_AFTER: %w", err)
	}
	if c.Session.SweepInterval, err = getEnvDuration("SESSION_SWEEP_INTERVAL", c.Session.SweepInterval); err != nil {
		return fmt.Errorf("invalid SESSION_SWEEP_INTERVAL: %w", err)
	}
	if c.Session.StatusCacheTTL, err = getEnvDuration("STATUS_CACHE_TTL", c.Session.StatusCacheTTL); err != nil {
		return fmt.Errorf("invalid STATUS_CACHE_TTL: %w", err)
	}

	if c.Pipeline.ParagraphsBefore, err = getEnvInt("PIPELINE_PARAGRAPHS_BEFORE", c.Pipeline.ParagraphsBefore); err != nil {
		return fmt.Errorf("invalid PIPELINE_PARAGRAPHS_BEFORE: %w", err)
	}
	if c.Pipeline.ParagraphsAfter, err = getEnvInt("PIPELINE_PARAGRAPHS_AFTER", c.Pipeline.ParagraphsAfter); err != nil {
		return fmt.Errorf("invalid PIPELINE_PARAGRAPHS_AFTER: %w", err)
	}
	if c.Pipeline.RosterChunkTokens, err = getEnvInt("PIPELINE_ROSTER_CHUNK_TOKENS", c.Pipeline.RosterChunkTokens); err != nil {
		return fmt.Errorf("invalid PIPELINE_ROSTER_CHUNK_TOKENS: %w", err)
	}

	if c.Retry.MaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts); err != nil {
		return fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
	}
	if c.Retry.BaseDelay, err = getEnvDuration("RETRY_BASE_DELAY", c.Retry.BaseDelay); err != nil {
		return fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
	}
	if c.Retry.MaxDelay, err = getEnvDuration("RETRY_MAX_DELAY", c.Retry.MaxDelay); err != nil {
		return fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
	}
	if c.Retry.Jitter, err = getEnvFloat("RETRY_JITTER", c.Retry.Jitter); err != nil {
		return fmt.Errorf("invalid RETRY_JITTER: %w", err)
	}

	c.Merge.Backend = getEnv("MERGE_BACKEND", c.Merge.Backend)
	c.Merge.FFmpegPath = getEnv("FFMPEG_PATH", c.Merge.FFmpegPath)
	c.Merge.ScratchDir = getEnv("MERGE_SCRATCH_DIR", c.Merge.ScratchDir)

	if c.Worker.Concurrency, err = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency); err != nil {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
	}

	c.Secrets.Backend = getEnv("SECRETS_BACKEND", c.Secrets.Backend)
	c.Secrets.Path = getEnv("SECRETS_FILE", c.Secrets.Path)

	if c.Webhook.Timeout, err = getEnvDuration("WEBHOOK_TIMEOUT", c.Webhook.Timeout); err != nil {
		return fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate reports settings required by the selected backends.
func (c *Config) Validate() error {
	var missing []string
	switch c.Session.Backend {
	case "redis", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	if c.Session.Backend == "sqlite" && c.Session.SQLitePath == "" {
		missing = append(missing, "SESSION_SQLITE_PATH")
	}

	switch c.Storage.Backend {
	case "supabase":
		if c.Storage.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
	case "local":
		if c.Storage.LocalRoot == "" {
			missing = append(missing, "STORAGE_LOCAL_ROOT")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	switch c.TTS.Backend {
	case "openai", "google":
	case "local":
		if c.TTS.LocalModel == "" {
			missing = append(missing, "TTS_LOCAL_PIPER_MODEL")
		}
	default:
		return fmt.Errorf("unknown TTS_BACKEND %q", c.TTS.Backend)
	}

	switch c.Merge.Backend {
	case "concat", "ffmpeg":
	default:
		return fmt.Errorf("unknown MERGE_BACKEND %q", c.Merge.Backend)
	}
	if c.TTS.Backend == "local" && c.Merge.Backend == "concat" {
		return fmt.Errorf("TTS_BACKEND=local writes wav clips and needs MERGE_BACKEND=ffmpeg")
	}

	if c.Redis.Addr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if c.Session.StaleAfter > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive when SESSION_STALE_AFTER is set")
	}
	if c.Pipeline.ParagraphsBefore < 0 || c.Pipeline.ParagraphsAfter < 0 {
		return fmt.Errorf("pipeline context window must not be negative")
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
