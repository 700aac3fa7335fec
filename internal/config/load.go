package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Detection DetectionConfig `mapstructure:"detection"`
	Network   NetworkConfig   `mapstructure:"network"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type BotConfig struct {
	Token    string `mapstructure:"token"`
	ClientID string `mapstructure:"client_id"`
}

type DatabaseConfig struct {
	// Driver selects where role backups and active locks live: "sqlite" or "redis".
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
}

type DetectionConfig struct {
	AuditStalenessMs      int64   `mapstructure:"audit_staleness_ms"`
	AuditCacheSize        int     `mapstructure:"audit_cache_size"`
	AuditQueriesPerSecond float64 `mapstructure:"audit_queries_per_second"`
	AuditBurst            int     `mapstructure:"audit_burst"`
	SweepIntervalMs       int64   `mapstructure:"sweep_interval_ms"`
	DormantMultiplier     int     `mapstructure:"dormant_multiplier"`
	CooldownMs            int64   `mapstructure:"cooldown_ms"`
	BackupOnStartup       bool    `mapstructure:"backup_on_startup"`
}

type NetworkConfig struct {
	HTTPPoolSize       int    `mapstructure:"http_pool_size"`
	APIBaseURL         string `mapstructure:"api_base_url"`
	RequestTimeoutMs   int64  `mapstructure:"request_timeout_ms"`
	MutationsPerSecond int64  `mapstructure:"mutations_per_second"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	IncidentPath  string `mapstructure:"incident_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func (d DetectionConfig) AuditStaleness() time.Duration {
	return time.Duration(d.AuditStalenessMs) * time.Millisecond
}

func (d DetectionConfig) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalMs) * time.Millisecond
}

func (d DetectionConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownMs) * time.Millisecond
}

func (n NetworkConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutMs) * time.Millisecond
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("bot.token", def.Bot.Token)
	v.SetDefault("bot.client_id", def.Bot.ClientID)
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("database.redis_url", def.Database.RedisURL)
	v.SetDefault("detection.audit_staleness_ms", def.Detection.AuditStalenessMs)
	v.SetDefault("detection.audit_cache_size", def.Detection.AuditCacheSize)
	v.SetDefault("detection.audit_queries_per_second", def.Detection.AuditQueriesPerSecond)
	v.SetDefault("detection.audit_burst", def.Detection.AuditBurst)
	v.SetDefault("detection.sweep_interval_ms", def.Detection.SweepIntervalMs)
	v.SetDefault("detection.dormant_multiplier", def.Detection.DormantMultiplier)
	v.SetDefault("detection.cooldown_ms", def.Detection.CooldownMs)
	v.SetDefault("detection.backup_on_startup", def.Detection.BackupOnStartup)
	v.SetDefault("network.http_pool_size", def.Network.HTTPPoolSize)
	v.SetDefault("network.api_base_url", def.Network.APIBaseURL)
	v.SetDefault("network.request_timeout_ms", def.Network.RequestTimeoutMs)
	v.SetDefault("network.mutations_per_second", def.Network.MutationsPerSecond)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.path", def.Logging.Path)
	v.SetDefault("logging.incident_path", def.Logging.IncidentPath)
	v.SetDefault("logging.retention_days", def.Logging.RetentionDays)
	v.SetDefault("metrics.addr", def.Metrics.Addr)
}

// Load reads path (JSON) when it exists, then applies DSCPROTECT_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DSCPROTECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Bot.Token == "" {
		cfg.Bot.Token = os.Getenv("DISCORD_TOKEN")
	}
	if cfg.Bot.ClientID == "" {
		cfg.Bot.ClientID = os.Getenv("CLIENT_ID")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "redis" && c.Database.RedisURL == "" {
		return errors.New("database.redis_url is required for the redis driver")
	}
	if c.Detection.AuditStalenessMs <= 0 {
		return errors.New("detection.audit_staleness_ms must be positive")
	}
	if c.Network.HTTPPoolSize <= 0 {
		return errors.New("network.http_pool_size must be positive")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "dscprotect.db",
		},
		Detection: DetectionConfig{
			AuditStalenessMs:      5000,
			AuditCacheSize:        4096,
			AuditQueriesPerSecond: 5,
			AuditBurst:            10,
			SweepIntervalMs:       60000,
			DormantMultiplier:     6,
			CooldownMs:            3000,
			BackupOnStartup:       true,
		},
		Network: NetworkConfig{
			HTTPPoolSize:       4,
			APIBaseURL:         "https://discord.com/api/v10",
			RequestTimeoutMs:   2000,
			MutationsPerSecond: 40,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Path:          "logs/dscprotect.log",
			IncidentPath:  "logs/incidents.jsonl",
			RetentionDays: 30,
		},
	}
}

func Get() *Config {
	if GlobalConfig == nil {
		return DefaultConfig()
	}
	return GlobalConfig
}
