package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.ConditionalUpdates())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.GeocoderTimeout())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  driver: postgres
  dsn: postgres://localhost/relief
  conditional_updates: false
sync:
  poll_interval_ms: 50
webhooks:
  - url: http://example.org/hook
    collections: [broadcasts]
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.False(t, cfg.ConditionalUpdates())
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, "google", cfg.Geocoder.Provider)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"broadcasts"}, cfg.Webhooks[0].Collections)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "store:\n  driver: postgres\n",
		"unknown driver":       "store:\n  driver: mongo\n",
		"bad webhook url":      "webhooks:\n  - url: not a url\n",
		"bad log level":        "log:\n  level: loud\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "reliefline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "RELIEFLINE_GEOCODER_KEY", cfg.Geocoder.APIKeyEnv)
}
