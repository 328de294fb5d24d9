package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "firewatch", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "firewatch-pipeline", cfg.MQTT.ClientID)

	assert.Equal(t, 180*time.Second, cfg.Pipeline.Tracker.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Tracker.SweepInterval)
	assert.Equal(t, 16, cfg.Pipeline.Tracker.Shards)

	assert.Equal(t, 120*time.Second, cfg.Pipeline.Alarm.EscalateAfter)

	assert.Equal(t, 500.0, cfg.Pipeline.Router.RadiusMeters)
	assert.Equal(t, 3.0, cfg.Pipeline.Router.EscalateRadiusFactor)

	assert.Equal(t, 8, cfg.Pipeline.Dispatch.Workers)
	assert.Equal(t, 3, cfg.Pipeline.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.Dispatch.BackoffBase)

	assert.Equal(t, 32, cfg.Pipeline.Hub.QueueDepth)
	assert.Equal(t, "firewatch:broadcast", cfg.Pipeline.Hub.BroadcastStream)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "5433")
	os.Setenv("HEARTBEAT_STALE_AFTER", "90s")
	os.Setenv("NOTIFY_RADIUS_M", "250")
	os.Setenv("DISPATCH_MAX_ATTEMPTS", "5")
	os.Setenv("HUB_QUEUE_DEPTH", "64")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Tracker.StaleAfter)
	assert.Equal(t, 250.0, cfg.Pipeline.Router.RadiusMeters)
	assert.Equal(t, 5, cfg.Pipeline.Dispatch.MaxAttempts)
	assert.Equal(t, 64, cfg.Pipeline.Hub.QueueDepth)
}

func TestLoad_InvalidNumericFallsBackToDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("DISPATCH_WORKERS", "not-a-number")
	os.Setenv("SWEEP_INTERVAL", "soon")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.Dispatch.Workers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Tracker.SweepInterval)
}
