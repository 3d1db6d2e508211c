package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/scheduler"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, engine.DefaultMaxHops, cfg.MaxHops)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 2*time.Second, cfg.RetryMax)
	assert.Equal(t, scheduler.DefaultCron, cfg.Scheduler.Cron)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, []string{"mon", "tue", "wed", "thu", "fri"}, cfg.BusinessHours.Days)
	assert.Equal(t, filepath.Join(flowengineDir(), "flowengine.db"), cfg.DBPath)
	assert.Equal(t, engine.DefaultLockShards, cfg.LockShards)
	assert.Equal(t, time.Minute, cfg.StallInterval)
	assert.Equal(t, 2*time.Minute, cfg.StalledAfter)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FLOWENGINE_DB_PATH", "/tmp/flows.db")
	t.Setenv("FLOWENGINE_MAX_HOPS", "64")
	t.Setenv("FLOWENGINE_RETRY_INITIAL", "50ms")
	t.Setenv("FLOWENGINE_GATEWAY_URL", "http://gateway:8080/api")
	t.Setenv("FLOWENGINE_BUSINESS_HOURS_START", "9")

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/flows.db", cfg.DBPath)
	assert.Equal(t, 64, cfg.MaxHops)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, "http://gateway:8080/api", cfg.Gateway.URL)
	assert.Equal(t, 9, cfg.BusinessHours.Start)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
log_level: debug
retention: 72h
gateway:
  url: http://crm.local/api
  token: secret
business_hours:
  timezone: UTC
  days: [monday, saturday]
  start: 10
  end: 16
scheduler:
  enabled: false
`), 0o600))

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 72*time.Hour, cfg.Retention)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.False(t, cfg.Scheduler.Enabled)

	hours, err := cfg.BusinessHours.hours()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Saturday}, hours.Days)
	assert.Equal(t, 10, hours.StartHour)
	assert.Equal(t, 16, hours.EndHour)
	assert.Equal(t, "UTC", hours.Location.String())
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero attempts", map[string]string{"FLOWENGINE_RETRY_ATTEMPTS": "0"}, "retry_attempts must be at least 1"},
		{"max below initial", map[string]string{"FLOWENGINE_RETRY_INITIAL": "5s", "FLOWENGINE_RETRY_MAX": "1s"}, "retry_max"},
		{"bad weekday", map[string]string{"FLOWENGINE_BUSINESS_HOURS_DAYS": "mon,funday"}, `unknown weekday "funday"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(viper.New(), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfigDSN(t *testing.T) {
	assert.Equal(t, "file:/data/flows.db", Config{DBPath: "/data/flows.db"}.DSN())
	assert.Equal(t, "file:/data/flows.db", Config{DBPath: "file:/data/flows.db"}.DSN())
	assert.Equal(t, "libsql://db.turso.io", Config{DBPath: "libsql://db.turso.io"}.DSN())
}

func TestDiffConfigs(t *testing.T) {
	base := Config{ListenAddr: ":4200", LogLevel: "info", MaxHops: 256}

	d := diffConfigs(base, base)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := base
	next.LogLevel = "debug"
	next.ListenAddr = ":5000"
	next.MaxHops = 64
	d = diffConfigs(base, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "max_hops"}, d.RestartNeeded)
}
