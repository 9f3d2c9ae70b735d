// Package config handles loading and managing casevault configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort      int      `toml:"api_port"`       // HTTP server port (default: 8080)
	BindAddr     string   `toml:"bind_addr"`      // Listen address (default: 127.0.0.1)
	APIKey       string   `toml:"api_key"`        // API authentication key
	CORSOrigins  []string `toml:"cors_origins"`   // Allowed CORS origins; empty disables CORS
	RateLimitRPS float64  `toml:"rate_limit_rps"` // Per-client requests per second
	RateBurst    int      `toml:"rate_burst"`     // Per-client burst size
}

// ValidateSecure refuses to expose the API beyond loopback without an API
// key.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("refusing to listen on %s without authentication: set [server] api_key in config.toml", s.BindAddr)
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// SearchConfig holds search engine settings.
type SearchConfig struct {
	PageSize int `toml:"page_size"`
}

// LabelsConfig holds label maintenance settings.
type LabelsConfig struct {
	ResyncDays int `toml:"resync_days"` // How far back a relabel re-evaluates messages
}

// ActionsConfig holds bulk action settings.
type ActionsConfig struct {
	Concurrency int `toml:"concurrency"` // Messages mutated in parallel per request
}

// NotificationsConfig controls delivery of label change events.
type NotificationsConfig struct {
	Schedule      string `toml:"schedule"`       // Cron expression for outbox dispatch
	WebhookURL    string `toml:"webhook_url"`    // Delivery endpoint; empty logs events instead
	WebhookKey    string `toml:"webhook_key"`    // Sent as X-API-Key
	AllowInsecure bool   `toml:"allow_insecure"` // Permit a plain http webhook
	BatchSize     int    `toml:"batch_size"`     // Events per delivery
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json; empty picks by terminal
}

// OrgSchedule defines the periodic relabel job for one organization.
type OrgSchedule struct {
	ID       int64  `toml:"id"`
	Name     string `toml:"name"`
	Schedule string `toml:"relabel_schedule"` // Cron expression (e.g., "0 2 * * *" for 2am daily)
	Enabled  bool   `toml:"enabled"`
}

// Config represents the casevault configuration.
type Config struct {
	Data          DataConfig          `toml:"data"`
	Server        ServerConfig        `toml:"server"`
	Search        SearchConfig        `toml:"search"`
	Actions       ActionsConfig       `toml:"actions"`
	Labels        LabelsConfig        `toml:"labels"`
	Notifications NotificationsConfig `toml:"notifications"`
	Log           LogConfig           `toml:"log"`
	Orgs          []OrgSchedule       `toml:"orgs"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default casevault home directory.
// Respects CASEVAULT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("CASEVAULT_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casevault"
	}
	return filepath.Join(home, ".casevault")
}

// Default returns the configuration used when no file is present.
func Default(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Server: ServerConfig{
			APIPort:      8080,
			BindAddr:     "127.0.0.1",
			RateLimitRPS: 10,
			RateBurst:    20,
		},
		Search: SearchConfig{
			PageSize: 50,
		},
		Actions: ActionsConfig{
			Concurrency: 8,
		},
		Labels: LabelsConfig{
			ResyncDays: 30,
		},
		Notifications: NotificationsConfig{
			Schedule:  "* * * * *",
			BatchSize: 100,
		},
		Orgs: []OrgSchedule{},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.casevault/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := Default(homeDir)

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.APIPort < 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port %d out of range", c.Server.APIPort)
	}
	if c.Search.PageSize <= 0 {
		return fmt.Errorf("search.page_size must be positive")
	}
	if c.Actions.Concurrency <= 0 {
		return fmt.Errorf("actions.concurrency must be positive")
	}
	if c.Labels.ResyncDays <= 0 {
		return fmt.Errorf("labels.resync_days must be positive")
	}
	if c.Notifications.BatchSize <= 0 {
		return fmt.Errorf("notifications.batch_size must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if c.Notifications.Schedule != "" {
		if _, err := cronParser.Parse(c.Notifications.Schedule); err != nil {
			return fmt.Errorf("notifications.schedule: %w", err)
		}
	}
	seen := make(map[int64]bool)
	for _, o := range c.Orgs {
		if o.ID <= 0 {
			return fmt.Errorf("orgs: id must be positive (org %q)", o.Name)
		}
		if seen[o.ID] {
			return fmt.Errorf("orgs: duplicate id %d", o.ID)
		}
		seen[o.ID] = true
		if o.Enabled && o.Schedule != "" {
			if _, err := cronParser.Parse(o.Schedule); err != nil {
				return fmt.Errorf("orgs[%d].relabel_schedule: %w", o.ID, err)
			}
		}
	}
	return nil
}

// LogLevel parses the configured log level. Empty means info.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ResyncWindow returns how far back a relabel looks.
func (c *Config) ResyncWindow() time.Duration {
	return time.Duration(c.Labels.ResyncDays) * 24 * time.Hour
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabaseURL != "" {
		// If a full URL is specified, it might be PostgreSQL
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "casevault.db")
}

// ScheduledOrgs returns organizations with periodic relabelling enabled.
func (c *Config) ScheduledOrgs() []OrgSchedule {
	var scheduled []OrgSchedule
	for _, o := range c.Orgs {
		if o.Enabled && o.Schedule != "" {
			scheduled = append(scheduled, o)
		}
	}
	return scheduled
}

// GetOrg returns the configured organization with the given id, or nil.
func (c *Config) GetOrg(id int64) *OrgSchedule {
	for i := range c.Orgs {
		if c.Orgs[i].ID == id {
			return &c.Orgs[i]
		}
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
