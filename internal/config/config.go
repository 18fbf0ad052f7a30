package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from built-in
// defaults, then the optional YAML file named by TANDEM_CONFIG_FILE, then
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Agent     AgentConfig     `yaml:"agent"`
	Docker    DockerConfig    `yaml:"docker"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Bus       BusConfig       `yaml:"bus"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Redis     RedisConfig     `yaml:"redis"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	Slack     SlackConfig     `yaml:"slack"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig selects the executor that runs CLI turns.
type AgentConfig struct {
	Backend string `yaml:"backend"`
	Binary  string `yaml:"binary"`
}

// DockerConfig holds container runtime settings for the docker backend.
type DockerConfig struct {
	Host     string `yaml:"host"`
	Image    string `yaml:"image"`
	CPULimit string `yaml:"cpu_limit"`
	MemLimit string `yaml:"mem_limit"`
}

// WorkspaceConfig confines applied edits to Root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// ArbiterConfig sets the edit policy at startup. Yolo auto-accepts every
// queued edit.
type ArbiterConfig struct {
	Yolo bool `yaml:"yolo"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// bus mirror.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` //nolint:gosec // G117: Redis connection config
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// RetryInterval is how long a failing mirror is skipped before it is probed again.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Audit stores.
const (
	AuditStoreMemory   = "memory"
	AuditStoreSQLite   = "sqlite"
	AuditStorePostgres = "postgres"
)

type AuditConfig struct {
	Store      string `yaml:"store"`
	SQLitePath string `yaml:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"` //nolint:gosec // G117: DB connection config
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// SlackConfig holds operator alert settings. Either an incoming webhook or
// a bot token with a channel may be set, or both.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	BotToken   string `yaml:"bot_token"`
	Channel    string `yaml:"channel"`
}

// Defaults returns the built-in configuration, suitable for local use.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"http://localhost:5173"},
			RateLimit:       50,
			RateBurst:       100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Agent: AgentConfig{
			Backend: "local",
			Binary:  "claude",
		},
		Docker: DockerConfig{
			Host:     "",
			Image:    "ghcr.io/gosuda/tandem-claude:latest",
			CPULimit: "2",
			MemLimit: "2g",
		},
		Bus: BusConfig{
			BufferSize: 64,
		},
		Redis: RedisConfig{
			Prefix:        "tandem:",
			RetryInterval: 5 * time.Second,
		},
		Audit: AuditConfig{
			Store:      AuditStoreMemory,
			SQLitePath: defaultSQLitePath(),
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "tandem",
			DBName:   "tandem",
			SSLMode:  "disable",
			MaxConns: 5,
		},
	}
}

// Load reads configuration from the optional YAML file and environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("TANDEM_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading TANDEM_CONFIG_FILE: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parsing TANDEM_CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var err error

	c.Server.Addr = getEnv("TANDEM_SERVER_ADDR", c.Server.Addr)
	if c.Server.ReadTimeout, err = getEnvDuration("TANDEM_SERVER_READ_TIMEOUT", c.Server.ReadTimeout); err != nil {
		return err
	}
	if c.Server.WriteTimeout, err = getEnvDuration("TANDEM_SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout); err != nil {
		return err
	}
	if c.Server.ShutdownTimeout, err = getEnvDuration("TANDEM_SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout); err != nil {
		return err
	}
	c.Server.CORSOrigins = getEnvList("TANDEM_CORS_ORIGINS", c.Server.CORSOrigins)
	if c.Server.RateLimit, err = getEnvFloat("TANDEM_RATE_LIMIT", c.Server.RateLimit); err != nil {
		return err
	}
	if c.Server.RateBurst, err = getEnvInt("TANDEM_RATE_BURST", c.Server.RateBurst); err != nil {
		return err
	}

	c.Log.Level = getEnv("TANDEM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TANDEM_LOG_FORMAT", c.Log.Format)

	c.Agent.Backend = getEnv("TANDEM_AGENT_BACKEND", c.Agent.Backend)
	c.Agent.Binary = getEnv("TANDEM_AGENT_BINARY", c.Agent.Binary)

	c.Docker.Host = getEnv("TANDEM_DOCKER_HOST", c.Docker.Host)
	c.Docker.Image = getEnv("TANDEM_DOCKER_IMAGE", c.Docker.Image)
	c.Docker.CPULimit = getEnv("TANDEM_DOCKER_CPU_LIMIT", c.Docker.CPULimit)
	c.Docker.MemLimit = getEnv("TANDEM_DOCKER_MEM_LIMIT", c.Docker.MemLimit)

	c.Workspace.Root = getEnv("TANDEM_WORKSPACE_ROOT", c.Workspace.Root)

	if c.Bus.BufferSize, err = getEnvInt("TANDEM_BUS_BUFFER", c.Bus.BufferSize); err != nil {
		return err
	}

	if c.Arbiter.Yolo, err = getEnvBool("TANDEM_YOLO", c.Arbiter.Yolo); err != nil {
		return err
	}

	c.Redis.Addr = getEnv("TANDEM_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("TANDEM_REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getEnvInt("TANDEM_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	c.Redis.Prefix = getEnv("TANDEM_REDIS_PREFIX", c.Redis.Prefix)
	if c.Redis.RetryInterval, err = getEnvDuration("TANDEM_REDIS_RETRY_INTERVAL", c.Redis.RetryInterval); err != nil {
		return err
	}

	c.Audit.Store = getEnv("TANDEM_AUDIT_STORE", c.Audit.Store)
	c.Audit.SQLitePath = getEnv("TANDEM_AUDIT_SQLITE_PATH", c.Audit.SQLitePath)

	c.Database.Host = getEnv("TANDEM_DB_HOST", c.Database.Host)
	if c.Database.Port, err = getEnvInt("TANDEM_DB_PORT", c.Database.Port); err != nil {
		return err
	}
	c.Database.User = getEnv("TANDEM_DB_USER", c.Database.User)
	c.Database.Password = getEnv("TANDEM_DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("TANDEM_DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("TANDEM_DB_SSLMODE", c.Database.SSLMode)
	if c.Database.MaxConns, err = getEnvInt("TANDEM_DB_MAX_CONNS", c.Database.MaxConns); err != nil {
		return err
	}

	c.Slack.WebhookURL = getEnv("TANDEM_SLACK_WEBHOOK_URL", c.Slack.WebhookURL)
	c.Slack.BotToken = getEnv("TANDEM_SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.Channel = getEnv("TANDEM_SLACK_CHANNEL", c.Slack.Channel)

	return nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("TANDEM_LOG_LEVEL: %w", err)
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return fmt.Errorf("TANDEM_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TANDEM_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("TANDEM_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("TANDEM_SERVER_SHUTDOWN_TIMEOUT must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Redis.RetryInterval <= 0 {
		return fmt.Errorf("TANDEM_REDIS_RETRY_INTERVAL must be positive, got %s", c.Redis.RetryInterval)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("TANDEM_RATE_LIMIT must be positive, got %g", c.Server.RateLimit)
	}
	if c.Server.RateBurst < 1 {
		return fmt.Errorf("TANDEM_RATE_BURST must be >= 1, got %d", c.Server.RateBurst)
	}

	if c.Agent.Backend == "" {
		return errors.New("TANDEM_AGENT_BACKEND is required")
	}
	if c.Bus.BufferSize < 1 {
		return fmt.Errorf("TANDEM_BUS_BUFFER must be >= 1, got %d", c.Bus.BufferSize)
	}

	switch c.Audit.Store {
	case AuditStoreMemory:
	case AuditStoreSQLite:
		if c.Audit.SQLitePath == "" {
			return errors.New("TANDEM_AUDIT_SQLITE_PATH is required for the sqlite audit store")
		}
	case AuditStorePostgres:
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("TANDEM_DB_PORT must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("TANDEM_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
	default:
		return fmt.Errorf("TANDEM_AUDIT_STORE must be memory, sqlite or postgres, got %q", c.Audit.Store)
	}

	if c.Slack.BotToken != "" && c.Slack.Channel == "" {
		return errors.New("TANDEM_SLACK_CHANNEL is required with TANDEM_SLACK_BOT_TOKEN")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tandem-audit.db"
	}
	return filepath.Join(dir, "tandem", "audit.db")
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
