package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds settings for the embedded SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"` // database file (default: clowder.db)
	// SeedPath optionally points at a SQL file replayed when no templates
	// exist. Empty means the embedded seed templates.
	SeedPath string `yaml:"seed_path"`
}

// SchedulerConfig holds settings for the orchestration loop.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval"` // seconds between ticks (default: 3)
	MaxWorkers          int `yaml:"max_workers"`   // concurrent executors (default: 1)
}

// ExecutorConfig holds settings for job subprocess execution.
type ExecutorConfig struct {
	// HarnessCommand is the default command line for jobs without a custom
	// command. {{job_id}} is replaced with the job's ID.
	HarnessCommand string `yaml:"harness_command"`
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Path: "clowder.db",
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 3,
			MaxWorkers:          1,
		},
		Executor: ExecutorConfig{
			HarnessCommand: "python agents/harness.py {{job_id}}",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns sensible defaults.
// Any other error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.PollIntervalSeconds < 1 {
		return fmt.Errorf("scheduler.poll_interval must be at least 1 second, got %d", c.Scheduler.PollIntervalSeconds)
	}
	if c.Scheduler.MaxWorkers < 1 {
		return fmt.Errorf("scheduler.max_workers must be at least 1, got %d", c.Scheduler.MaxWorkers)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}
