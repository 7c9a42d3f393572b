package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knotprotocol/knot/internal/config"
)

func TestLoadAppliesDefaultsWithNoArgs(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesFromFlags(t *testing.T) {
	cfg, err := config.Load([]string{
		"-listen", "127.0.0.1:9000",
		"-target-outbound-peers", "16",
		"-idle-interval", "5s",
		"-relay=false",
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, 16, cfg.TargetOutboundPeers)
	require.Equal(t, 5*time.Second, cfg.IdleInterval)
	require.False(t, cfg.Relay)
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := config.Load([]string{"-not-a-real-flag", "1"})
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KNOT_LISTEN", "0.0.0.0:9999")
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
}
