package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseViperEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CRAWL_ROLE_NAME", "general")
	t.Setenv("CRAWL_ROLE_ID", "1")
}

func TestLoadDefaults(t *testing.T) {
	baseViperEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "general", cfg.Role.Name)
	require.Equal(t, "1", cfg.Role.ID)
	require.Equal(t, 60, cfg.Lock.TTLSeconds)
	require.Equal(t, 30, cfg.Lock.StaleSeconds)
	require.Equal(t, 20, cfg.Lock.OwnershipDriftSeconds)
	require.Equal(t, 50, cfg.General.TabsPerBatch)
	require.Equal(t, 50, cfg.Rotation.BatchSize)
	require.Equal(t, 60, cfg.Liveness.TLiveSeconds)
}

func TestValidateRejectsMissingRole(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateRejectsBadStaleWindow(t *testing.T) {
	baseViperEnv(t)
	t.Setenv("CRAWL_LOCK_STALE_SECONDS", "90")

	_, err := Load("")
	require.ErrorContains(t, err, "stale_seconds")
}

func TestTLiveDuration(t *testing.T) {
	baseViperEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, float64(60), cfg.TLive().Seconds())
}
