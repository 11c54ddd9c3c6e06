package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuplane/billing/pkg/config"
)

// Each config type is parsed once per process and then served from cache, so
// every test here uses its own struct type.

type processorConfig struct {
	SecretKey     string `env:"TEST_PROC_SECRET_KEY,required"`
	WebhookSecret string `env:"TEST_PROC_WEBHOOK_SECRET,required"`
}

type workerConfig struct {
	Concurrency  int           `env:"TEST_WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"TEST_WORKER_POLL" envDefault:"5s"`
	Plans        []string      `env:"TEST_WORKER_PLANS" envSeparator:","`
}

type missingRequiredConfig struct {
	APIKey string `env:"TEST_NEVER_SET_API_KEY,required"`
}

type mustLoadConfig struct {
	Addr string `env:"TEST_NEVER_SET_ADDR,required"`
}

type cachedConfig struct {
	Schedule string `env:"TEST_CACHED_SCHEDULE" envDefault:"15 0 * * *"`
}

func TestLoad(t *testing.T) {
	t.Run("reads required values from the environment", func(t *testing.T) {
		t.Setenv("TEST_PROC_SECRET_KEY", "sk_test_123")
		t.Setenv("TEST_PROC_WEBHOOK_SECRET", "whsec_test")

		var cfg processorConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "sk_test_123", cfg.SecretKey)
		assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	})

	t.Run("applies defaults and separators", func(t *testing.T) {
		t.Setenv("TEST_WORKER_PLANS", "starter,pro")

		var cfg workerConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 4, cfg.Concurrency)
		assert.Equal(t, 5*time.Second, cfg.PollInterval)
		assert.Equal(t, []string{"starter", "pro"}, cfg.Plans)
	})

	t.Run("missing required value fails", func(t *testing.T) {
		var cfg missingRequiredConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil pointer rejected", func(t *testing.T) {
		err := config.Load[processorConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})
}

func TestLoadCachesPerType(t *testing.T) {
	t.Setenv("TEST_CACHED_SCHEDULE", "30 1 * * *")

	var first cachedConfig
	require.NoError(t, config.Load(&first))
	require.Equal(t, "30 1 * * *", first.Schedule)

	// A later env change is invisible: the first parse wins for the
	// lifetime of the process.
	t.Setenv("TEST_CACHED_SCHEDULE", "0 6 * * *")
	var second cachedConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, "30 1 * * *", second.Schedule)
}

func TestMustLoadPanics(t *testing.T) {
	assert.Panics(t, func() {
		var cfg mustLoadConfig
		config.MustLoad(&cfg)
	})
}
