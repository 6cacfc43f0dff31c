package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_API_KEY", "admin-key")
	t.Setenv("PIPELINE_MAX_RETRIES", "7")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 7, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.BaseRetryDelay)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.MaxRetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.StageTimeout)
	assert.InDelta(t, 500.0, cfg.Pipeline.HighValueThreshold, 0.001)
	assert.Contains(t, cfg.Pipeline.EmergencyServiceTypes, "emergency_plumbing")
	assert.Equal(t, 15*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, "X-Webhook-Signature", cfg.Security.SignatureHeader)
	assert.Equal(t, "admin-key", cfg.Security.APIKeys["admin"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_PORT", "9000")
	t.Setenv("CLOUDAMQP_URL", "amqp://cloud")
	t.Setenv("RABBITMQ_URI", "amqp://local")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PIPELINE_MODE", "inline")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "amqp://cloud", cfg.RabbitMQ.URL, "CLOUDAMQP_URL wins")
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "inline", cfg.Pipeline.Mode)
}
