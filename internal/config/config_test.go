package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitreels/rabbitreels/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1, cfg.MinWorkers)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 1, cfg.WelcomeCredits)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.CooldownPeriod)
	assert.Equal(t, 2*time.Minute, cfg.StaleWorkerThreshold)
	assert.Equal(t, 30*time.Second, cfg.ScalingCheckInterval)
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MIN_WORKERS", "2")
	t.Setenv("MAX_WORKERS", "6")
	t.Setenv("COOLDOWN_PERIOD", "90s")
	t.Setenv("JOB_MAX_RETRIES", "5")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MinWorkers)
	assert.Equal(t, 6, cfg.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.CooldownPeriod)
	assert.Equal(t, 5, cfg.JobMaxRetries)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoad_RejectsInvertedFleetBounds(t *testing.T) {
	t.Setenv("MIN_WORKERS", "5")
	t.Setenv("MAX_WORKERS", "2")

	_, err := config.Load()
	require.Error(t, err)
}
