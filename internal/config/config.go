package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Sync       SyncConfig       `yaml:"sync"`
	IMAP       IMAPConfig       `yaml:"imap"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
	TaskSync   TaskSyncConfig   `yaml:"task_sync"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// AccountConfig is one mailbox the engine ingests from.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Auth is "password" (default) or "xoauth2".
	Auth         string `yaml:"auth"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url"`
	Folder       string `yaml:"folder"`
	// SenderDomain whitelists the platform's sending domain, e.g. "airbnb.com".
	SenderDomain string `yaml:"sender_domain"`
	// Source tags reservations ingested from this mailbox, e.g. "airbnb".
	Source   string `yaml:"source"`
	Disabled bool   `yaml:"disabled"`
}

type SyncConfig struct {
	MaxMessages   int           `yaml:"max_messages"`
	BatchSize     int           `yaml:"batch_size"`
	Workers       int           `yaml:"workers"`
	BatchSleep    time.Duration `yaml:"batch_sleep"`
	MinInterval   time.Duration `yaml:"min_interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	CronInterval  time.Duration `yaml:"cron_interval"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	BackfillSince string        `yaml:"backfill_since"`
}

type IMAPConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Header  string         `yaml:"header"`
	APIKeys []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TaskSyncConfig points at the task-generation collaborator.
type TaskSyncConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; config values may reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}
	return ValidateAccounts(c.Accounts)
}

func ValidateAccounts(accounts []AccountConfig) error {
	seen := make(map[string]bool)
	for _, a := range accounts {
		if a.ID == "" {
			return fmt.Errorf("account '%s@%s' has empty id", a.Username, a.Host)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id: %s", a.ID)
		}
		seen[a.ID] = true

		if a.Host == "" || a.Username == "" {
			return fmt.Errorf("account %s: host and username are required", a.ID)
		}
		switch a.Auth {
		case "", "password":
			if a.Password == "" {
				return fmt.Errorf("account %s: password is required", a.ID)
			}
		case "xoauth2":
			if a.ClientID == "" || a.RefreshToken == "" || a.TokenURL == "" {
				return fmt.Errorf("account %s: xoauth2 requires client_id, refresh_token and token_url", a.ID)
			}
		default:
			return fmt.Errorf("account %s: unknown auth %q", a.ID, a.Auth)
		}
	}
	return nil
}

// EnabledAccounts returns configured accounts minus the disabled ones,
// optionally restricted to a single account id.
func (c *Config) EnabledAccounts(filter string) []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if a.Disabled {
			continue
		}
		if filter != "" && a.ID != filter {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.Header == "" {
		c.API.Auth.Header = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 10
	}

	if c.Sync.MaxMessages == 0 {
		c.Sync.MaxMessages = 200
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.MinInterval == 0 {
		c.Sync.MinInterval = time.Minute
	}
	if c.Sync.Cooldown == 0 {
		c.Sync.Cooldown = 30 * time.Minute
	}
	if c.Sync.CronInterval == 0 {
		c.Sync.CronInterval = 10 * time.Minute
	}
	if c.Sync.LockTTL == 0 {
		c.Sync.LockTTL = 15 * time.Minute
	}

	if c.IMAP.DialTimeout == 0 {
		c.IMAP.DialTimeout = 10 * time.Second
	}
	if c.IMAP.CommandTimeout == 0 {
		c.IMAP.CommandTimeout = time.Minute
	}
	if c.IMAP.MaxAttempts == 0 {
		c.IMAP.MaxAttempts = 3
	}
	if c.IMAP.RetryDelay == 0 {
		c.IMAP.RetryDelay = time.Second
	}
	if c.IMAP.MaxRetryDelay == 0 {
		c.IMAP.MaxRetryDelay = 30 * time.Second
	}

	if c.TaskSync.Timeout == 0 {
		c.TaskSync.Timeout = 10 * time.Second
	}

	for i := range c.Accounts {
		if c.Accounts[i].Port == 0 {
			c.Accounts[i].Port = 993
		}
		if c.Accounts[i].Folder == "" {
			c.Accounts[i].Folder = "INBOX"
		}
		if c.Accounts[i].Source == "" {
			c.Accounts[i].Source = "airbnb"
		}
		if c.Accounts[i].SenderDomain == "" {
			c.Accounts[i].SenderDomain = "airbnb.com"
		}
	}
}
