package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_InvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	if _, err := New(cfg); err == nil {
		t.Fatal("invalid level accepted")
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig()
	cfg.FilePath = path

	log, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("pipeline started", zap.String("machine_id", "m1"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pipeline started") {
		t.Fatalf("log file missing entry: %s", data)
	}
	if !strings.Contains(string(data), `"machine_id":"m1"`) {
		t.Fatalf("structured field missing: %s", data)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig()
	cfg.FilePath = path
	cfg.Level = "warn"

	log, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("below threshold")
	log.Warn("at threshold")
	_ = log.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "below threshold") {
		t.Fatal("info entry leaked through warn level")
	}
	if !strings.Contains(string(data), "at threshold") {
		t.Fatal("warn entry missing")
	}
}
