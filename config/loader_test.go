package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadServerFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadServer("/nonexistent/path/server.yaml")
	require.NoError(t, err)
	require.Equal(t, 3793, cfg.Port)
}

func TestLoadServerAppliesEnvOverride(t *testing.T) {
	t.Setenv("RELAY_WALLET_PRIVATE_KEY", "deadbeef")
	cfg, err := LoadServer("")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}

func TestLoadClientFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadClient("")
	require.NoError(t, err)
	require.Equal(t, "localhost", cfg.Host)
}
