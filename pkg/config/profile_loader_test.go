package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfileOverlaysDefaults(t *testing.T) {
	path := writeProfile(t, `
service:
  name: orchestrator
  version: 1.4.2
chain:
  store: redis
  dsn: redis://localhost:6379/0
audit:
  partition: single
  stream: platform
`)

	cfg, err := LoadProfile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "orchestrator", cfg.Service.Name)
	assert.Equal(t, StoreRedis, cfg.Chain.Store)
	assert.Equal(t, "platform", cfg.Audit.Stream)

	// Keys absent from the profile keep their defaults.
	assert.Equal(t, "genesis", cfg.Chain.Genesis)
	assert.Equal(t, 300, cfg.RBAC.StalenessSeconds)
}

func TestLoadProfileRejectsUnknownKeys(t *testing.T) {
	path := writeProfile(t, `
chain:
  stor: memory
`)
	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
