package config

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-password/password"

	"github.com/javi11/nzbvault/internal/nntp"
)

// Config is the complete application configuration.
type Config struct {
	WebDAV    WebDAVConfig     `yaml:"webdav" mapstructure:"webdav"`
	API       APIConfig        `yaml:"api" mapstructure:"api"`
	Database  DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Streaming StreamingConfig  `yaml:"streaming" mapstructure:"streaming"`
	Import    ImportConfig     `yaml:"import" mapstructure:"import"`
	Retention RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// WebDAVConfig configures the read-only WebDAV mount.
type WebDAVConfig struct {
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"` // plaintext or bcrypt hash
}

// APIConfig configures the HTTP server and the SABnzbd-compatible API.
type APIConfig struct {
	Port   int    `yaml:"port" mapstructure:"port"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Key    string `yaml:"key" mapstructure:"key"` // generated on first save when empty
}

// DatabaseConfig locates the SQLite metadata store.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StreamingConfig tunes the read path.
type StreamingConfig struct {
	ReserveFraction float64 `yaml:"reserve_fraction" mapstructure:"reserve_fraction"` // share of connections withheld for streaming
	Prefetch        int     `yaml:"prefetch" mapstructure:"prefetch"`                 // segments fetched ahead per open range
	CacheSize       int     `yaml:"cache_size" mapstructure:"cache_size"`             // decoded articles kept in memory
}

// ImportConfig tunes the queue worker.
type ImportConfig struct {
	BasePath      string `yaml:"base_path" mapstructure:"base_path"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
	VerifySamples *bool  `yaml:"verify_samples" mapstructure:"verify_samples"`
}

// RetentionConfig controls pruning of archived history.
type RetentionConfig struct {
	ArchivedHours int    `yaml:"archived_hours" mapstructure:"archived_hours"`
	SweepSchedule string `yaml:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec
}

// ArchivedWindow returns the archived-history retention as a duration.
func (r RetentionConfig) ArchivedWindow() time.Duration {
	hours := r.ArchivedHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// LogConfig configures logging with rotation support.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // empty = console only
	Level      string `yaml:"level" mapstructure:"level"`             // debug, info, warn, error
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// ProviderConfig is a single NNTP provider.
type ProviderConfig struct {
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	TLS            bool   `yaml:"tls" mapstructure:"tls"`
	Priority       int    `yaml:"priority" mapstructure:"priority"`
	Backup         bool   `yaml:"backup" mapstructure:"backup"`
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled"`
}

// DeepCopy returns a deep copy of the configuration.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	copyCfg := *c

	if c.Import.VerifySamples != nil {
		v := *c.Import.VerifySamples
		copyCfg.Import.VerifySamples = &v
	}

	if c.Providers != nil {
		copyCfg.Providers = make([]ProviderConfig, len(c.Providers))
		for i, p := range c.Providers {
			pc := p
			if p.Enabled != nil {
				ev := *p.Enabled
				pc.Enabled = &ev
			}
			copyCfg.Providers[i] = pc
		}
	}

	return &copyCfg
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Streaming.ReserveFraction < 0 || c.Streaming.ReserveFraction >= 1 {
		return fmt.Errorf("streaming reserve_fraction must be in [0, 1)")
	}

	if c.Streaming.Prefetch < 0 {
		return fmt.Errorf("streaming prefetch must be non-negative")
	}

	if c.Import.MaxRetries < 0 {
		return fmt.Errorf("import max_retries must be non-negative")
	}

	if c.Retention.ArchivedHours < 0 {
		return fmt.Errorf("retention archived_hours must be non-negative")
	}

	if c.Log.Level != "" {
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}

	if c.Log.MaxSize < 0 || c.Log.MaxAge < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits must be non-negative")
	}

	if len(c.EnabledProviders()) == 0 {
		return fmt.Errorf("at least one enabled provider is required")
	}

	for i, provider := range c.Providers {
		if provider.Host == "" {
			return fmt.Errorf("provider %d: host cannot be empty", i)
		}
		if provider.Port <= 0 || provider.Port > 65535 {
			return fmt.Errorf("provider %d: port must be between 1 and 65535", i)
		}
		if provider.MaxConnections <= 0 {
			return fmt.Errorf("provider %d: max_connections must be greater than 0", i)
		}
	}

	return nil
}

// EnabledProviders returns providers that are not explicitly disabled.
func (c *Config) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Enabled == nil || *p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ToProviders converts the enabled providers to the NNTP layer's type.
func (c *Config) ToProviders() []nntp.Provider {
	enabled := c.EnabledProviders()
	providers := make([]nntp.Provider, 0, len(enabled))
	for _, p := range enabled {
		role := nntp.RolePrimary
		if p.Backup {
			role = nntp.RoleBackup
		}
		providers = append(providers, nntp.Provider{
			Host:           p.Host,
			Port:           p.Port,
			TLS:            p.TLS,
			Username:       p.Username,
			Password:       p.Password,
			MaxConnections: p.MaxConnections,
			Priority:       p.Priority,
			Role:           role,
		})
	}
	return providers
}

// VerifyImports reports whether post-import verification is on.
func (c *Config) VerifyImports() bool {
	if c.Import.VerifySamples == nil {
		return true
	}
	return *c.Import.VerifySamples
}

// EnsureAPIKey generates an API key if none is configured. It reports
// whether the config was changed and needs saving.
func (c *Config) EnsureAPIKey() (bool, error) {
	if c.API.Key != "" {
		return false, nil
	}

	key, err := password.Generate(32, 10, 0, true, true)
	if err != nil {
		return false, fmt.Errorf("failed to generate api key: %w", err)
	}

	c.API.Key = key
	return true, nil
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		WebDAV: WebDAVConfig{
			Prefix:   "/webdav",
			User:     "usenet",
			Password: "usenet",
		},
		API: APIConfig{
			Port:   8080,
			Prefix: "/api",
		},
		Database: DatabaseConfig{
			Path: "nzbvault.db",
		},
		Streaming: StreamingConfig{
			ReserveFraction: 0.2,
			Prefetch:        3,
			CacheSize:       256,
		},
		Import: ImportConfig{
			BasePath:   "/downloads",
			MaxRetries: 2,
		},
		Retention: RetentionConfig{
			ArchivedHours: 24,
			SweepSchedule: "@hourly",
		},
		Log: LogConfig{
			File:       "",
			Level:      "info",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Providers: []ProviderConfig{},
	}
}
