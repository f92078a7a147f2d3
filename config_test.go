package stagegate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "memory", config.Store.Driver)
	assert.Equal(t, 5*time.Second, config.Broadcast.SendTimeout)
	assert.Equal(t, 30*time.Second, config.Staging.ReviewTimeout)
	assert.Equal(t, 20, config.Conversation.HistoryTurns)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  driver: sqlite
  path: /var/lib/stagegate/approvals.db
staging:
  reviewTimeout: 45s
conversation:
  historyTurns: 8
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", config.Store.Driver)
	assert.Equal(t, "/var/lib/stagegate/approvals.db", config.Store.Path)
	assert.Equal(t, 45*time.Second, config.Staging.ReviewTimeout)
	assert.Equal(t, 8, config.Conversation.HistoryTurns)
	assert.Equal(t, "debug", config.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3*time.Hour, config.Staging.TTL)
	assert.Equal(t, 5*time.Second, config.Broadcast.SendTimeout)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("STAGEGATE_LOGGING_LEVEL", "warn")
	t.Setenv("STAGEGATE_STORE_DRIVER", "memory")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, "memory", config.Store.Driver)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	config := DefaultConfig()
	config.Store.Driver = "sqlite"
	assert.Error(t, config.Validate())
	config.Store.Path = ":memory:"
	assert.NoError(t, config.Validate())

	config = DefaultConfig()
	config.Store.Driver = "postgres"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Conversation.HistoryTurns = -1
	assert.Error(t, config.Validate())
}
