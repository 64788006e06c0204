// Package config loads the service configuration from a JSON or YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-memory/internal/accessibility"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/retention"
	"github.com/nidhogg/nuka-memory/internal/signals"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Database  DatabaseConfig   `json:"database" yaml:"database"`
	Embedding embedding.Config `json:"embedding" yaml:"embedding"`
	Engine    EngineConfig     `json:"engine" yaml:"engine"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// DatabaseConfig selects the backing services. Every section is optional:
// without Neo4j nodes live in memory, without Postgres history goes to
// SQLite (or memory when no path is set), without Redis the cycle guard is
// process-local, and without Qdrant vectors are only cached.
type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig             `json:"sqlite" yaml:"sqlite"`
	Neo4j    Neo4jConfig              `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig              `json:"redis" yaml:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn" yaml:"dsn"`
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL        string `json:"url" yaml:"url"`
	LockKey    string `json:"lock_key" yaml:"lock_key"`
	LockTTLSec int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

// LockTTL returns the cycle lock TTL.
func (r RedisConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSec) * time.Second
}

// EngineConfig carries the tuning of every engine component.
type EngineConfig struct {
	Strength      memory.StrengthConfig     `json:"strength" yaml:"strength"`
	Retention     retention.Config          `json:"retention" yaml:"retention"`
	Accessibility accessibility.Config      `json:"accessibility" yaml:"accessibility"`
	Importance    signals.ImportanceWeights `json:"importance" yaml:"importance"`
	Tagging       signals.TaggingConfig     `json:"tagging" yaml:"tagging"`
	Emotion       signals.EmotionConfig     `json:"emotion" yaml:"emotion"`
	Dream         consolidation.DreamConfig `json:"dream" yaml:"dream"`
	Sleep         consolidation.SleepConfig `json:"sleep" yaml:"sleep"`

	// HeartbeatMinutes runs a dream cycle this often while serving; 0 disables it.
	HeartbeatMinutes int `json:"heartbeat_minutes" yaml:"heartbeat_minutes"`
	VectorCacheSize  int `json:"vector_cache_size" yaml:"vector_cache_size"`
}

// Default returns a configuration with every engine default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{MigrationsDir: "migrations"},
			Redis:    RedisConfig{LockKey: "nuka:memory:cycle", LockTTLSec: 600},
			Qdrant:   vectorstore.QdrantConfig{Port: 6334, Collection: "knowledge_nodes"},
		},
		Engine: EngineConfig{
			Strength:         memory.DefaultStrengthConfig(),
			Retention:        retention.DefaultConfig(),
			Accessibility:    accessibility.DefaultConfig(),
			Importance:       signals.DefaultImportanceWeights(),
			Tagging:          signals.DefaultTaggingConfig(),
			Emotion:          signals.DefaultEmotionConfig(),
			Dream:            consolidation.DefaultDreamConfig(),
			Sleep:            consolidation.DefaultSleepConfig(),
			HeartbeatMinutes: 360,
			VectorCacheSize:  10000,
		},
	}
}

// Validate checks every engine section.
func (c *Config) Validate() error {
	e := c.Engine
	for _, v := range []interface{ Validate() error }{
		e.Strength, e.Retention, e.Accessibility, e.Importance,
		e.Tagging, e.Emotion, e.Dream, e.Sleep,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if e.HeartbeatMinutes < 0 {
		return fmt.Errorf("%w: heartbeat_minutes must be >= 0", memory.ErrConfig)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file (chosen by extension), substitutes
// environment variable references and overlays the result on Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := expandEnv(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), cfg)
	default:
		err = json.Unmarshal([]byte(resolved), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}
