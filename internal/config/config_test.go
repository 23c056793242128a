package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_ReferenceConstants(t *testing.T) {
	d := Default()
	require.Equal(t, 5, d.Session.RestoreAttempts)
	require.Equal(t, 8*time.Second, d.Session.StartupTimeout)
	require.Equal(t, 8*time.Second, d.Session.ProfileTimeout)
	require.Equal(t, 30*time.Second, d.Providers.FreshnessWindow)
	require.Equal(t, 14, d.Billing.TrialDays)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir) // no stray .env
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("PROPCARE_JWT_KEY", "env-key")
	t.Setenv("PROPCARE_RESTORE_ATTEMPTS", "3")
	t.Setenv("PROPCARE_FRESHNESS_WINDOW", "10s")

	cfg, rest, err := Load([]string{"-restore-attempts", "7", "whoami", "-x"})
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Auth.SigningKey)
	require.Equal(t, 7, cfg.Session.RestoreAttempts)
	require.Equal(t, 10*time.Second, cfg.Providers.FreshnessWindow)
	require.Equal(t, filepath.Join(dir, "propcare"), cfg.Storage.Dir)
	require.Equal(t, []string{"whoami", "-x"}, rest)
}

func TestLoad_Validation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROPCARE_JWT_KEY", "")

	_, _, err := Load(nil)
	require.ErrorContains(t, err, "signing key")

	_, _, err = Load([]string{"-jwt-key", "k", "-restore-attempts", "0"})
	require.ErrorContains(t, err, "restore attempts")

	_, _, err = Load([]string{"-jwt-key", "k", "-fresh", "0s"})
	require.ErrorContains(t, err, "fresh")
}
