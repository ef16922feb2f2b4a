package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPath names the variable that overrides the config file location.
const EnvPath = "TUTORSYNC_CONFIG_PATH"

const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
)

type Config struct {
	API struct {
		BaseURL            string  `yaml:"base_url"`
		Origin             string  `yaml:"origin"`
		LocalPort          int     `yaml:"local_port"`
		Token              string  `yaml:"token"`
		TimeoutSeconds     int     `yaml:"timeout_seconds"`
		RequestsPerSecond  float64 `yaml:"requests_per_second"`
		Burst              int     `yaml:"burst"`
		AvailabilityPrefix string  `yaml:"availability_prefix"`
		MessagingPrefix    string  `yaml:"messaging_prefix"`
		CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
		LogoutOnExit       bool    `yaml:"logout_on_exit"`
	} `yaml:"api"`

	Role string `yaml:"role"`

	Polling PollingConfig `yaml:"polling"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// PollingConfig holds per-resource poll intervals in milliseconds.
type PollingConfig struct {
	BookingsMS     int `yaml:"bookings_ms"`
	SessionsMS     int `yaml:"sessions_ms"`
	SidebarMS      int `yaml:"sidebar_ms"`
	ParticipantsMS int `yaml:"participants_ms"`
	WatchSeconds   int `yaml:"watch_seconds"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

const defaultPollMS = 5000

// Path resolves the config location from the environment.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// Load reads path, expanding ${ENV} placeholders after loading .env.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = RoleStudent
	}
	if c.API.LocalPort <= 0 {
		c.API.LocalPort = 4000
	}
	if c.API.AvailabilityPrefix == "" {
		c.API.AvailabilityPrefix = "/sessions/availability"
	}
	if c.API.MessagingPrefix == "" {
		c.API.MessagingPrefix = "/students/messaging"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/tutorsync.db"
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "data/backups"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks fields that have no usable default.
func (c *Config) Validate() error {
	if c.Role != RoleStudent && c.Role != RoleTutor {
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleStudent, RoleTutor, c.Role)
	}
	if c.API.BaseURL == "" && c.API.Origin == "" {
		return fmt.Errorf("config: api.base_url or api.origin is required")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("config: telegram.chat_id is required when bot_token is set")
	}
	return nil
}

func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	if c.API.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.API.CacheTTLSeconds) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (p PollingConfig) Bookings() time.Duration     { return ms(p.BookingsMS) }
func (p PollingConfig) Sessions() time.Duration     { return ms(p.SessionsMS) }
func (p PollingConfig) Sidebar() time.Duration      { return ms(p.SidebarMS) }
func (p PollingConfig) Participants() time.Duration { return ms(p.ParticipantsMS) }

// Watch returns the config file check period.
func (p PollingConfig) Watch() time.Duration {
	if p.WatchSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.WatchSeconds) * time.Second
}

func ms(v int) time.Duration {
	if v <= 0 {
		v = defaultPollMS
	}
	return time.Duration(v) * time.Millisecond
}
