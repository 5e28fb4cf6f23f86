package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test_abc123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultPaystackBaseURL, cfg.PaystackBaseURL)
	assert.Equal(t, "NGN", cfg.Currency)
	assert.Equal(t, int64(DefaultMinOrderKobo), cfg.MinOrderKobo)
	assert.Equal(t, int64(DefaultExpireMinutes), cfg.ExpireAfterMinutes)
	assert.Equal(t, DefaultSweepSchedule, cfg.SweepSchedule)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_RequiresPaystackKey(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYSTACK_SECRET_KEY")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test_abc123")
	t.Setenv("ESCROW_MIN_AMOUNT_KOBO", "100000")
	t.Setenv("ESCROW_EXPIRE_AFTER_MINUTES", "60")
	t.Setenv("CURRENCY", "NGN")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(100000), cfg.MinOrderKobo)
	assert.Equal(t, int64(60), cfg.ExpireAfterMinutes)
	assert.Equal(t, "9090", cfg.Port)
}

func TestLoad_ProductionRequiresCronSecret(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_live_abc123")
	t.Setenv("ENV", "production")
	t.Setenv("CRON_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET")

	t.Setenv("CRON_SECRET", "topsecret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := &Config{PaystackSecretKey: "sk", MinOrderKobo: 0, ExpireAfterMinutes: 10}
	assert.Error(t, cfg.Validate())

	cfg = &Config{PaystackSecretKey: "sk", MinOrderKobo: 1000, ExpireAfterMinutes: 0}
	assert.Error(t, cfg.Validate())
}
