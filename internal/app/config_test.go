package app

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"BILLING_VAT_RATE", "ACTOR_HEADER", "APP_ENV", "RATE_LIMIT_PER_MINUTE"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "X-User-ID", cfg.ActorHeader)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.False(t, cfg.IsProduction())

	vat, err := cfg.VAT()
	require.NoError(t, err)
	require.True(t, vat.IsZero())
}

func TestVATRateBounds(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "0.2", want: "0.2", ok: true},
		{raw: "0", want: "0", ok: true},
		{raw: "1", ok: false},
		{raw: "-0.05", ok: false},
		{raw: "twenty", ok: false},
	}
	for _, tc := range cases {
		cfg := Config{VATRate: tc.raw}
		got, err := cfg.VAT()
		if !tc.ok {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		require.True(t, got.Equal(decimal.RequireFromString(tc.want)), tc.raw)
	}
}

func TestLoadConfigRejectsBadVAT(t *testing.T) {
	t.Setenv("BILLING_VAT_RATE", "1.5")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{AppEnv: "production"}, &buf).Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "hello", record["msg"])
	require.Equal(t, "production", record["env"])
	require.Contains(t, record, "source")

	buf.Reset()
	newLogger(&Config{AppEnv: "development", LogFormat: "pretty"}, &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
	require.Contains(t, buf.String(), "env=development")
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv("BILLING_TEST_MODE", "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv("BILLING_TEST_MODE", "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestGuardEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}
