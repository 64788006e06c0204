package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/recall"
	"github.com/nidhogg/nuka-memory/internal/store"
)

func useConfig(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	useConfig(t, "")
	t.Chdir(t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	useConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestNewAppWithSQLiteHistory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "server:\n  log_level: error\ndatabase:\n  sqlite:\n    path: " + dbPath + "\nengine:\n  dream:\n    seed: 11\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	useConfig(t, cfgPath)

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, ok := a.engine.History().(*store.SQLiteStore); !ok {
		t.Fatalf("history is %T, want *store.SQLiteStore", a.engine.History())
	}

	if _, err := a.recall.Remember(ctx, "tides follow the moon", memory.KindFact, recall.RememberOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.engine.RunDreamCycle(ctx, a.engine.DreamConfig()); err != nil {
		t.Fatalf("dream: %v", err)
	}
	a.Close()

	// The record survives the process.
	s, err := store.OpenSQLite(dbPath, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	records, err := s.ListHistory(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != consolidation.KindDream {
		t.Fatalf("records = %+v", records)
	}
}

func TestWriteHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	err := writeHistoryTable(&buf, []consolidation.HistoryRecord{{
		CycleID:   "01JCYCLE",
		Kind:      consolidation.KindSleep,
		StartedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Durations: map[string]time.Duration{"decay": time.Second, "replay": 500 * time.Millisecond},
		Counts:    map[string]int{"replayed": 2, "decayed": 5},
		Partial:   true,
	}})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"01JCYCLE", "sleep", "2025-03-01T09:00:00Z", "1.5s", "partial", "decayed=5 replayed=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "nuka-memory dev") {
		t.Errorf("version output = %q", buf.String())
	}
}
