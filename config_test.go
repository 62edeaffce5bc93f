package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig("serve", nil)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.MaxSessions)
	require.Equal(t, 30*time.Second, cfg.BlobTimeout)
	require.False(t, cfg.Compress)

	store, err := cfg.BlobStore()
	require.NoError(t, err)
	require.Nil(t, store)
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("HE_AGG_COMPRESS", "true")
	t.Setenv("HE_AGG_EXPECTED_LOGN", "13")
	t.Setenv("HE_AGG_MAX_SESSIONS", "3")

	cfg, err := ParseConfig("serve", []string{"-expected-logn", "14", "-blob-timeout", "5s"})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.True(t, cfg.Compress)
	require.Equal(t, 14, cfg.ExpectedLogN)
	require.Equal(t, 3, cfg.MaxSessions)
	require.Equal(t, 5*time.Second, cfg.BlobTimeout)
	require.Equal(t, ContextPolicy{ExpectedLogN: 14}, cfg.Policy())
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig("serve", []string{"-blob-dir", "/tmp/a", "-blob-url", "http://store"})
	require.Error(t, err)

	_, err = ParseConfig("serve", []string{"-log-level", "loud"})
	require.Error(t, err)

	_, err = ParseConfig("serve", []string{"-max-sessions", "0"})
	require.Error(t, err)
}

func TestConfigOffloader(t *testing.T) {
	kp, err := GenerateSealKeyPair()
	require.NoError(t, err)

	cfg, err := ParseConfig("serve", []string{
		"-blob-dir", t.TempDir(),
		"-inline-limit", "1024",
		"-blob-seal-key", kp.SecretKey,
		"-blob-peer-key", kp.PublicKey,
	})
	require.NoError(t, err)

	o, err := cfg.Offloader()
	require.NoError(t, err)
	require.True(t, o.Enabled())
	require.Equal(t, 1024, o.Threshold)
	require.IsType(t, &SealedBlobStore{}, o.Store)
}
