package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONWithEnv(t *testing.T) {
	t.Setenv("NUKA_NEO4J_PASSWORD", "s3cret")
	path := writeFile(t, "config.json", `{
		"server": {"port": 9090},
		"database": {"neo4j": {"uri": "${NUKA_NEO4J_URI:bolt://localhost:7687}", "password": "${NUKA_NEO4J_PASSWORD}"}},
		"engine": {"dream": {"consolidate_threshold": 0.8}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.LogLevel != "info" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Neo4j.URI != "bolt://localhost:7687" || cfg.Database.Neo4j.Password != "s3cret" {
		t.Errorf("neo4j = %+v", cfg.Database.Neo4j)
	}
	if cfg.Engine.Dream.ConsolidateThreshold != 0.8 {
		t.Errorf("consolidate threshold = %.2f", cfg.Engine.Dream.ConsolidateThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Engine.Dream.PruneThreshold != 0.15 || cfg.Engine.Strength.HalfLifeHours != 120 {
		t.Errorf("defaults lost: %+v", cfg.Engine)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  log_level: debug
engine:
  sleep:
    prune: true
    replay_top_n: 5
  heartbeat_minutes: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.LogLevel != "debug" || !cfg.Engine.Sleep.Prune || cfg.Engine.Sleep.ReplayTopN != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Engine.HeartbeatMinutes != 0 {
		t.Errorf("heartbeat = %d", cfg.Engine.HeartbeatMinutes)
	}
}

func TestLoadRejectsInvalidEngine(t *testing.T) {
	path := writeFile(t, "config.json", `{"engine": {"dream": {"prune_threshold": 0.9, "consolidate_threshold": 0.5}}}`)
	if _, err := Load(path); !errors.Is(err, memory.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}
