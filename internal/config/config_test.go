package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidYAML(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090

database:
  path: "/data/clowder.db"
  seed_path: "/data/seed.sql"

scheduler:
  poll_interval: 5
  max_workers: 4

executor:
  harness_command: "python3 harness.py {{job_id}}"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Database.Path != "/data/clowder.db" {
		t.Errorf("Database.Path = %q, want /data/clowder.db", cfg.Database.Path)
	}
	if cfg.Database.SeedPath != "/data/seed.sql" {
		t.Errorf("Database.SeedPath = %q, want /data/seed.sql", cfg.Database.SeedPath)
	}
	if cfg.Scheduler.PollIntervalSeconds != 5 {
		t.Errorf("Scheduler.PollIntervalSeconds = %d, want 5", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Scheduler.MaxWorkers != 4 {
		t.Errorf("Scheduler.MaxWorkers = %d, want 4", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Executor.HarnessCommand != "python3 harness.py {{job_id}}" {
		t.Errorf("Executor.HarnessCommand = %q", cfg.Executor.HarnessCommand)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should return error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	badYAML := "server:\n\t- not valid\n  port: oops"
	if err := os.WriteFile(path, []byte(badYAML), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should return error for invalid YAML")
	}
}

func TestLoad_PartialConfig(t *testing.T) {
	// Only server section; other fields should get defaults.
	content := `
server:
  port: 3000
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	// Host should retain the default since we unmarshal onto defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q (default)", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Database.Path != "clowder.db" {
		t.Errorf("Database.Path = %q, want clowder.db (default)", cfg.Database.Path)
	}
	if cfg.Scheduler.PollIntervalSeconds != 3 {
		t.Errorf("Scheduler.PollIntervalSeconds = %d, want 3 (default)", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Scheduler.MaxWorkers != 1 {
		t.Errorf("Scheduler.MaxWorkers = %d, want 1 (default)", cfg.Scheduler.MaxWorkers)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"zero poll interval", "scheduler:\n  poll_interval: 0\n"},
		{"zero workers", "scheduler:\n  max_workers: 0\n"},
		{"empty db path", "database:\n  path: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("Load() should reject invalid config")
			}
		})
	}
}

func TestLoadDefault_NoFile(t *testing.T) {
	// Run from a temp directory where config.yaml does not exist.
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(origDir)

	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() returned error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoadDefault_WithFile(t *testing.T) {
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(origDir)

	dir := t.TempDir()
	content := `
server:
  host: "10.0.0.1"
  port: 4000
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() returned error: %v", err)
	}

	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "10.0.0.1")
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}
