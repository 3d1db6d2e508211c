package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowengine/internal/conditions"
	"github.com/rendis/flowengine/internal/dispatcher"
	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/scheduler"
	"github.com/rendis/flowengine/internal/timers"
)

// envPrefix namespaces environment overrides, e.g. FLOWENGINE_DB_PATH.
const envPrefix = "FLOWENGINE"

// Config holds all flowengine configuration.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	DBPath      string   `mapstructure:"db_path"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`

	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`

	Gateway GatewayConfig `mapstructure:"gateway"`

	PoolSize      int           `mapstructure:"pool_size"`
	MaxHops       int           `mapstructure:"max_hops"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	LockShards    int           `mapstructure:"lock_shards"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	FlowCacheTTL  time.Duration `mapstructure:"flow_cache_ttl"`

	TimerPollInterval time.Duration `mapstructure:"timer_poll_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Retention         time.Duration `mapstructure:"retention"`
	StallInterval     time.Duration `mapstructure:"stall_interval"`
	StalledAfter      time.Duration `mapstructure:"stalled_after"`

	BusinessHours BusinessHoursConfig `mapstructure:"business_hours"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`

	StreamBuffer int `mapstructure:"stream_buffer"`
}

// GatewayConfig points at the conversation, CRM and directory gateway.
type GatewayConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	EntityCacheTTL time.Duration `mapstructure:"entity_cache_ttl"`
}

// BusinessHoursConfig is the BUSINESS_HOURS condition window.
type BusinessHoursConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Days     []string `mapstructure:"days"`
	Start    int      `mapstructure:"start"`
	End      int      `mapstructure:"end"`
}

// SchedulerConfig tunes the system-event scheduler.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	Tick    time.Duration `mapstructure:"tick"`
}

func flowengineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowengine"
	}
	return filepath.Join(home, ".flowengine")
}

func setDefaults(v *viper.Viper) {
	retry := engine.DefaultRetryPolicy()

	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("db_path", filepath.Join(flowengineDir(), "flowengine.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_key", timers.DefaultRedisKey)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("gateway.entity_cache_ttl", 5*time.Second)
	v.SetDefault("pool_size", dispatcher.DefaultPoolSize)
	v.SetDefault("max_hops", engine.DefaultMaxHops)
	v.SetDefault("retry_attempts", retry.Attempts)
	v.SetDefault("retry_initial", retry.Initial)
	v.SetDefault("retry_max", retry.Max)
	v.SetDefault("lock_shards", engine.DefaultLockShards)
	v.SetDefault("stale_after", dispatcher.DefaultStaleAfter)
	v.SetDefault("flow_cache_ttl", dispatcher.DefaultCatalogTTL)
	v.SetDefault("timer_poll_interval", time.Second)
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("retention", 30*24*time.Hour)
	v.SetDefault("stall_interval", time.Minute)
	v.SetDefault("stalled_after", 2*time.Minute)
	v.SetDefault("business_hours.timezone", conditions.DefaultTimezone)
	v.SetDefault("business_hours.days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("business_hours.start", 8)
	v.SetDefault("business_hours.end", 18)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", scheduler.DefaultCron)
	v.SetDefault("scheduler.tick", scheduler.DefaultTick)
	v.SetDefault("stream_buffer", 64)
}

// loadConfig layers defaults, the config file and the environment into v
// and decodes the result. An explicit config file must exist; the default
// locations are optional.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("flowengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(flowengineDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryMax < c.RetryInitial {
		return fmt.Errorf("retry_max (%s) is below retry_initial (%s)", c.RetryMax, c.RetryInitial)
	}
	if _, err := c.BusinessHours.weekdays(); err != nil {
		return err
	}
	return nil
}

// DSN returns the libSQL data source for DBPath.
func (c Config) DSN() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (b BusinessHoursConfig) weekdays() ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(b.Days))
	for _, d := range b.Days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("business_hours.days: unknown weekday %q", d)
		}
		days = append(days, wd)
	}
	return days, nil
}

// hours builds the condition evaluator's window.
func (b BusinessHoursConfig) hours() (conditions.BusinessHours, error) {
	days, err := b.weekdays()
	if err != nil {
		return conditions.BusinessHours{}, err
	}
	h, err := conditions.NewBusinessHours(b.Timezone, days, b.Start, b.End)
	if err != nil {
		return conditions.BusinessHours{}, fmt.Errorf("business_hours.timezone: %w", err)
	}
	return h, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	check := func(key string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, key)
		}
	}
	check("listen_addr", old.ListenAddr != new.ListenAddr)
	check("cors_origins", !slices.Equal(old.CORSOrigins, new.CORSOrigins))
	check("db_path", old.DBPath != new.DBPath)
	check("log_format", old.LogFormat != new.LogFormat)
	check("redis_url", old.RedisURL != new.RedisURL)
	check("gateway.url", old.Gateway.URL != new.Gateway.URL)
	check("pool_size", old.PoolSize != new.PoolSize)
	check("max_hops", old.MaxHops != new.MaxHops)
	check("retry_attempts", old.RetryAttempts != new.RetryAttempts)
	check("lock_shards", old.LockShards != new.LockShards)
	check("timer_poll_interval", old.TimerPollInterval != new.TimerPollInterval)
	check("retention", old.Retention != new.Retention)
	check("stall_interval", old.StallInterval != new.StallInterval)
	check("stalled_after", old.StalledAfter != new.StalledAfter)
	check("scheduler.cron", old.Scheduler.Cron != new.Scheduler.Cron)
	return d
}
