package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Tasks     TasksConfig     `json:"tasks" yaml:"tasks"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Promote   PromoteConfig   `json:"promote" yaml:"promote"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	// WriteMode is "sync" or "async".
	WriteMode   string `json:"write_mode" yaml:"write_mode"`
	HistorySize int    `json:"history_size" yaml:"history_size"`
}

type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	RequestsPerMin  int      `json:"requests_per_min" yaml:"requests_per_min"`
	Burst           int      `json:"burst" yaml:"burst"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig selects one backend; only its section is read.
type StoreConfig struct {
	Backend  string         `json:"backend" yaml:"backend"` // postgres, sqlite, qdrant or chromem
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Qdrant   QdrantConfig   `json:"qdrant" yaml:"qdrant"`
	Chromem  ChromemConfig  `json:"chromem" yaml:"chromem"`
}

type PostgresConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MinConns int32  `json:"min_conns" yaml:"min_conns"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

type ChromemConfig struct {
	Collection string `json:"collection" yaml:"collection"`
}

type EmbeddingConfig struct {
	Provider        string   `json:"provider" yaml:"provider"`
	Endpoint        string   `json:"endpoint" yaml:"endpoint"`
	Model           string   `json:"model" yaml:"model"`
	APIKey          string   `json:"api_key" yaml:"api_key"`
	Dimension       int      `json:"dimension" yaml:"dimension"`
	BatchSize       int      `json:"batch_size" yaml:"batch_size"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	BreakerFailures uint32   `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
	CacheSize       int64    `json:"cache_size" yaml:"cache_size"`
	CacheTTL        Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// IngestConfig seeds the values /config can change at runtime.
type IngestConfig struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	MinScore float64 `json:"min_score" yaml:"min_score"`
	TopK     int     `json:"top_k" yaml:"top_k"`
}

type PolicyConfig struct {
	MinLength        int `json:"min_length" yaml:"min_length"`
	DurableThreshold int `json:"durable_threshold" yaml:"durable_threshold"`
}

type TasksConfig struct {
	Workers         int      `json:"workers" yaml:"workers"`
	QueueSize       int      `json:"queue_size" yaml:"queue_size"`
	Backpressure    string   `json:"backpressure" yaml:"backpressure"`
	TaskTimeout     Duration `json:"task_timeout" yaml:"task_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DedupConfig struct {
	Backend        string   `json:"backend" yaml:"backend"` // store, memory or redis
	RedisURL       string   `json:"redis_url" yaml:"redis_url"`
	TTL            Duration `json:"ttl" yaml:"ttl"`
	SkipDuplicates bool     `json:"skip_duplicates" yaml:"skip_duplicates"`
}

// PromoteConfig enables the Neo4j promotion graph when URI is set.
type PromoteConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Default returns a configuration that runs without any external service:
// SQLite in memory and the hash embedder.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend:  "sqlite",
			Postgres: PostgresConfig{MinConns: 1, MaxConns: 10},
			SQLite:   SQLiteConfig{Path: ":memory:"},
			Qdrant:   QdrantConfig{Host: "localhost", Port: 6334, Collection: "memories"},
			Chromem:  ChromemConfig{Collection: "memories"},
		},
		Embedding: EmbeddingConfig{
			Provider:        "hash",
			BatchSize:       32,
			Timeout:         Duration(30 * time.Second),
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
			CacheSize:       1024,
			CacheTTL:        Duration(10 * time.Minute),
		},
		Ingest:  IngestConfig{Enabled: true, MinScore: 0, TopK: 5},
		Policy:  PolicyConfig{MinLength: 12, DurableThreshold: 80},
		Tasks:   TasksConfig{Workers: 4, QueueSize: 256, Backpressure: "reject", ShutdownTimeout: Duration(5 * time.Second)},
		Dedup:   DedupConfig{Backend: "store", TTL: Duration(30 * 24 * time.Hour)},
		Promote: PromoteConfig{User: "neo4j"},

		WriteMode:   "sync",
		HistorySize: 10,
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML (by extension) config file over the defaults,
// substitutes environment variable references, then applies the NUKA_*
// overrides. An empty path loads defaults and overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		// Substitute ${VAR} and ${VAR:default} with environment values.
		resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
			parts := envVarRe.FindStringSubmatch(match)
			name := parts[1]
			defaultVal := parts[2]
			if v := os.Getenv(name); v != "" {
				return v
			}
			return defaultVal
		})

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal([]byte(resolved), cfg)
		default:
			err = json.Unmarshal([]byte(resolved), cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment-level settings.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, set func(int)) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		set(n)
	}

	if v := os.Getenv("NUKA_MEMORY_DSN"); v != "" {
		c.Store.Postgres.DSN = v
		c.Store.Backend = "postgres"
	}
	if v := os.Getenv("NUKA_EMBED_URL"); v != "" {
		c.Embedding.Endpoint = v
		c.Embedding.Provider = "service"
	}
	str("NUKA_LOG_LEVEL", &c.Server.LogLevel)
	num("NUKA_POOL_MIN", func(n int) { c.Store.Postgres.MinConns = int32(n) })
	num("NUKA_POOL_MAX", func(n int) { c.Store.Postgres.MaxConns = int32(n) })
	num("NUKA_TOP_K", func(n int) { c.Ingest.TopK = n })
	num("NUKA_MIN_LENGTH", func(n int) { c.Policy.MinLength = n })
	num("NUKA_DURABLE_THRESHOLD", func(n int) { c.Policy.DurableThreshold = n })
	num("NUKA_PORT", func(n int) { c.Server.Port = n })
	if v := os.Getenv("NUKA_AUTOSAVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NUKA_AUTOSAVE: %w", err))
		} else {
			c.Ingest.Enabled = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	switch c.Store.Backend {
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			bad("store.postgres.dsn is required")
		}
		if c.Store.Postgres.MaxConns > 0 && c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
			bad("store.postgres.min_conns %d exceeds max_conns %d", c.Store.Postgres.MinConns, c.Store.Postgres.MaxConns)
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			bad("store.sqlite.path is required")
		}
	case "qdrant":
		if c.Store.Qdrant.Host == "" || c.Store.Qdrant.Collection == "" {
			bad("store.qdrant needs host and collection")
		}
	case "chromem":
	default:
		bad("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Embedding.Provider {
	case "service", "api", "local":
		if c.Embedding.Endpoint == "" {
			bad("embedding.endpoint is required for provider %q", c.Embedding.Provider)
		}
	case "hash":
	default:
		bad("unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Ingest.TopK <= 0 {
		bad("ingest.top_k must be positive, got %d", c.Ingest.TopK)
	}
	if c.Ingest.MinScore < 0 || c.Ingest.MinScore > 1 {
		bad("ingest.min_score must be within [0, 1], got %v", c.Ingest.MinScore)
	}
	if c.Policy.MinLength < 0 || c.Policy.DurableThreshold < 0 {
		bad("policy thresholds must not be negative")
	}
	if c.Tasks.Backpressure != "reject" && c.Tasks.Backpressure != "block" {
		bad("tasks.backpressure must be reject or block, got %q", c.Tasks.Backpressure)
	}
	switch c.Dedup.Backend {
	case "store", "memory":
	case "redis":
		if c.Dedup.RedisURL == "" {
			bad("dedup.redis_url is required for the redis backend")
		}
	default:
		bad("unknown dedup.backend %q", c.Dedup.Backend)
	}
	if c.WriteMode != "sync" && c.WriteMode != "async" {
		bad("write_mode must be sync or async, got %q", c.WriteMode)
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
