// Package config provides configuration management for the relay.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBodySizeLimit is the maximum inbound request body size (1MB).
const DefaultBodySizeLimit int64 = 1 << 20

// DefaultSystemPrompt is the fixed instruction sent with every generation.
// It is passed to the backend verbatim.
const DefaultSystemPrompt = `You are an expert QA Automation Engineer.
Your task is to generate professional, detailed software test cases based on the User's Feature Description.

### 📝 OUTPUT TEMPLATE
For every test case, you MUST use this exact Markdown format:

---
### 🧪 Test Case ID: TC_[Unique_Number]
**Title**: [Action] + [Feature] + [Expected Outcome]
**Type**: [Functional | UI | Security | Performance | Edge Case]
**Priority**: [P0 - Critical | P1 - High | P2 - Medium]

**Preconditions**:
1. [Prerequisite state]
2. [Required configuration]

**Step-by-Step Instructions**:
1. [Action 1]
2. [Action 2]
3. [Action 3]

**Expected Result**:
- [Specific outcome 1]
- [Specific outcome 2]

**Post-conditions**:
- [System state after test]
---

### 🚨 RULES:
1. **Determinism**: Be precise. No vague steps like "Check if it works."
2. **Coverage**: Generate at least 3 scenarios covering Happy Path, Negative Path, and Edge Cases.
3. **Markdown**: Use bold text for keys and professional language.
4. **Format**: Do not output introductory text. Only output the Test Cases.
`

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	RequestLog RequestLogConfig `yaml:"request_log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	BodySizeLimit  int64    `yaml:"body_size_limit"`
	StaticDir      string   `yaml:"static_dir"`
	CORSOrigins    []string `yaml:"cors_origins"`
	SwaggerEnabled bool     `yaml:"swagger_enabled"` // serves /swagger/index.html
}

// Address returns the listen address for the server.
func (s ServerConfig) Address() string {
	return s.Host + ":" + s.Port
}

// UpstreamConfig describes the inference backend the relay forwards to.
type UpstreamConfig struct {
	URL              string `yaml:"url"`
	Model            string `yaml:"model"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`

	// InlineDiagnostics appends one readable line to the stream when
	// generation fails after the response was committed.
	InlineDiagnostics bool `yaml:"inline_diagnostics"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // auto, text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CacheConfig selects the backend for the upstream status cache.
type CacheConfig struct {
	Type             string `yaml:"type"` // memory or redis
	RedisURL         string `yaml:"redis_url"`
	RedisKeyPrefix   string `yaml:"redis_key_prefix"`
	StatusTTLSeconds int    `yaml:"status_ttl_seconds"`
}

// StorageConfig holds database settings for the request log.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RequestLogConfig controls the metadata-only request log.
// Prompt and generated text are never recorded.
type RequestLogConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"` // seconds
	RetentionDays int  `yaml:"retention_days"`
}

// LoadResult is returned by Load.
type LoadResult struct {
	Config *Config
	// Source is the config file that was read, empty when only defaults and
	// environment were used.
	Source string
}

// configPaths are searched in order; the first existing file wins.
var configPaths = []string{"config.yaml", "config/config.yaml"}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file, and environment variables, in increasing precedence.
func Load() (*LoadResult, error) {
	// .env is optional and never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	source := ""
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
		source = path
	} else {
		for _, path := range configPaths {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := loadYAML(path, cfg); err != nil {
				return nil, err
			}
			source = path
			break
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := resolveSystemPrompt(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &LoadResult{Config: cfg, Source: source}, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          "3000",
			BodySizeLimit: DefaultBodySizeLimit,
			StaticDir:     "frontend",
			CORSOrigins:   []string{"*"},
		},
		Upstream: UpstreamConfig{
			URL:          "http://127.0.0.1:11434/api/generate",
			Model:        "llama3.2",
			TimeoutMs:    300000,
			SystemPrompt: DefaultSystemPrompt,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Cache: CacheConfig{
			Type:             "memory",
			RedisKeyPrefix:   "testgen:status:",
			StatusTTLSeconds: 10,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: ".cache/testgen.db",
			},
			PostgreSQL: PostgreSQLConfig{
				MaxConns: 10,
			},
			MongoDB: MongoDBConfig{
				Database: "testgen",
			},
		},
		RequestLog: RequestLogConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	expandNode(doc.Content[0], "")
	if err := doc.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// verbatimKeys are dotted YAML paths whose values are never expanded.
// The system prompt is forwarded to the backend exactly as written.
var verbatimKeys = map[string]bool{
	"upstream.system_prompt": true,
}

// expandNode resolves placeholders in every scalar value under n.
func expandNode(n *yaml.Node, path string) {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if path != "" {
				key = path + "." + key
			}
			if verbatimKeys[key] {
				continue
			}
			expandNode(n.Content[i+1], key)
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			expandNode(item, path)
		}
	case yaml.ScalarNode:
		expanded := expandString(n.Value)
		if expanded != n.Value {
			n.Value = expanded
			if n.Style == 0 {
				// let "${PORT:-3000}" resolve to the field's type again
				n.Tag = ""
			}
		}
	}
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default} placeholders.
// Unset variables without a default are left untouched.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides applies environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	setString("HOST", &cfg.Server.Host)
	setString("PORT", &cfg.Server.Port)
	setString("STATIC_DIR", &cfg.Server.StaticDir)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	setString("OLLAMA_URL", &cfg.Upstream.URL)
	setString("OLLAMA_MODEL", &cfg.Upstream.Model)
	setString("SYSTEM_PROMPT", &cfg.Upstream.SystemPrompt)
	setString("SYSTEM_PROMPT_FILE", &cfg.Upstream.SystemPromptFile)

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("LOG_FILE", &cfg.Log.File)

	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("REDIS_URL", &cfg.Cache.RedisURL)
	setString("REDIS_KEY_PREFIX", &cfg.Cache.RedisKeyPrefix)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	ints := []struct {
		key string
		dst *int
	}{
		{"OLLAMA_TIMEOUT_MS", &cfg.Upstream.TimeoutMs},
		{"LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB},
		{"LOG_MAX_BACKUPS", &cfg.Log.MaxBackups},
		{"LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays},
		{"STATUS_CACHE_TTL", &cfg.Cache.StatusTTLSeconds},
		{"POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns},
		{"REQUEST_LOG_BUFFER_SIZE", &cfg.RequestLog.BufferSize},
		{"REQUEST_LOG_FLUSH_INTERVAL", &cfg.RequestLog.FlushInterval},
		{"REQUEST_LOG_RETENTION_DAYS", &cfg.RequestLog.RetentionDays},
	}
	for _, i := range ints {
		if err := setInt(i.key, i.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("BODY_SIZE_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid BODY_SIZE_LIMIT %q: %w", v, err)
		}
		cfg.Server.BodySizeLimit = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"INLINE_DIAGNOSTICS", &cfg.Upstream.InlineDiagnostics},
		{"METRICS_ENABLED", &cfg.Metrics.Enabled},
		{"SWAGGER_ENABLED", &cfg.Server.SwaggerEnabled},
		{"REQUEST_LOG_ENABLED", &cfg.RequestLog.Enabled},
	}
	for _, b := range bools {
		if err := setBool(b.key, b.dst); err != nil {
			return err
		}
	}

	return nil
}

// resolveSystemPrompt reads the prompt file when one is configured.
// The file content replaces the inline prompt unmodified.
func resolveSystemPrompt(cfg *Config) error {
	path := cfg.Upstream.SystemPromptFile
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read system prompt file: %w", err)
	}
	cfg.Upstream.SystemPrompt = string(data)
	return nil
}

// Validate checks the values the relay cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream url is required"))
	} else if u, err := url.Parse(c.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream url %q is not an absolute URL", c.Upstream.URL))
	}
	if strings.TrimSpace(c.Upstream.Model) == "" {
		errs = append(errs, errors.New("upstream model is required"))
	}
	if c.Upstream.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("upstream timeout must be positive, got %d", c.Upstream.TimeoutMs))
	}
	if strings.TrimSpace(c.Upstream.SystemPrompt) == "" {
		errs = append(errs, errors.New("system prompt is required"))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q (valid: memory, redis)", c.Cache.Type))
	}
	if c.Cache.Type == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("redis url is required when cache type is redis"))
	}
	return errors.Join(errs...)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
