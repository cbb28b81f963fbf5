package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grindbot.ai/internal/game"
)

// Environment variables consumed at load time.
const (
	EnvToken            = "ARTIFACTS_API_TOKEN"
	EnvControlCharacter = "CONTROL_CHARACTER"
	// EnvMode switches the process into test identity when set to "test":
	// a fixed character and token, no real credentials required.
	EnvMode = "GRINDBOT_ENV"

	testCharacter = "test_character"
	testToken     = "test_token"
)

type Config struct {
	BaseURL string `yaml:"base_url"`
	DataDir string `yaml:"data_dir"`
	// DatabasePath defaults to <data_dir>/grindbot.db.
	DatabasePath string `yaml:"database_path"`
	// BackupDir holds telemetry crash-recovery files; defaults to
	// <data_dir>/backup.
	BackupDir string `yaml:"backup_dir"`
	// JournalDir holds the compressed action journal; defaults to
	// <data_dir>/journal.
	JournalDir string `yaml:"journal_dir"`

	ControlCharacter string `yaml:"control_character"`

	HTTPTimeoutSeconds   int `yaml:"http_timeout_seconds"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	PaceDelayMillis      int `yaml:"pace_delay_ms"`
	TaskRetentionDays    int `yaml:"task_retention_days"`

	// StatusAddr is the supervisor's websocket status listener.
	StatusAddr string `yaml:"status_addr"`
	// RunnerPath is the runner binary the supervisor spawns on recovery.
	RunnerPath string `yaml:"runner_path"`

	// Resolved from the environment, never from the file.
	Token string `yaml:"-"`
	Env   string `yaml:"-"`
}

func defaults() Config {
	return Config{
		BaseURL:              "https://api.artifactsmmo.com",
		DataDir:              "data",
		HTTPTimeoutSeconds:   30,
		FlushIntervalSeconds: 5,
		PaceDelayMillis:      500,
		TaskRetentionDays:    7,
		StatusAddr:           "127.0.0.1:7070",
		RunnerPath:           "grindbot-runner",
	}
}

// Load reads the optional yaml file, applies defaults and the environment,
// and validates. A missing API token outside the test environment is an
// error here, so processes fail before touching the remote API.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Env = strings.TrimSpace(os.Getenv(EnvMode))
	if c.IsTest() {
		c.Token = testToken
		if c.ControlCharacter == "" {
			c.ControlCharacter = testCharacter
		}
		return
	}
	c.Token = strings.TrimSpace(os.Getenv(EnvToken))
	if v := strings.TrimSpace(os.Getenv(EnvControlCharacter)); v != "" {
		c.ControlCharacter = v
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "grindbot.db")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.DataDir, "backup")
	}
	if c.JournalDir == "" {
		c.JournalDir = filepath.Join(c.DataDir, "journal")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		c.HTTPTimeoutSeconds = 30
	}
	if c.FlushIntervalSeconds <= 0 {
		c.FlushIntervalSeconds = 5
	}
	if c.PaceDelayMillis <= 0 {
		c.PaceDelayMillis = 500
	}
	if c.TaskRetentionDays <= 0 {
		c.TaskRetentionDays = 7
	}
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Token == "" {
		return fmt.Errorf("%s is required (set %s=test for the test identity)", EnvToken, EnvMode)
	}
	if c.ControlCharacter != "" && !game.ValidCharacterName(c.ControlCharacter) {
		return fmt.Errorf("control character %q is not a valid character name", c.ControlCharacter)
	}
	return nil
}

// IsTest reports whether the process runs under the test identity.
func (c Config) IsTest() bool { return c.Env == "test" }

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func (c Config) PaceDelay() time.Duration {
	return time.Duration(c.PaceDelayMillis) * time.Millisecond
}
