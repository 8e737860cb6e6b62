package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultWindowDays, cfg.WindowDays)
	assert.Equal(t, "primary", cfg.Calendar.Primary)
	assert.Equal(t, "@every 1m", cfg.Sync.Refresh)
	assert.Equal(t, 5*time.Minute, cfg.Sync.FreshFor())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Asia/Seoul
calendar:
  class_calendar_ids: [classes]
credentials:
  backend: bogus
sync:
  max_retries: -1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, []string{"classes"}, cfg.Calendar.ClassCalendarIDs)
	assert.Equal(t, "primary", cfg.Calendar.Primary)
	assert.Equal(t, "file", cfg.Credentials.Backend)
	assert.Equal(t, -1, cfg.Sync.MaxRetries, "negative disables retries")
	assert.Equal(t, 0, cfg.Sync.Retries())
	assert.Equal(t, time.Second, cfg.Sync.BaseDelay())
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxDelay())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.ICS = append(cfg.ICS, ICSConfig{ID: "school", URL: "https://example.com/a.ics"})
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ICS, back.ICS)
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Timezone = "Not/AZone"
	_, err = cfg.Location()
	assert.Error(t, err)
}

func TestClientCredentialsPreferEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "env-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	id, secret := TokenServerConfig{ClientID: "file-id", ClientSecret: "file-secret"}.ClientCredentials()
	assert.Equal(t, "env-id", id)
	assert.Equal(t, "file-secret", secret)
}
