package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "9090"
database:
  driver: memory
jwt:
  secret: from-file
conversation:
  idleTimeout: 5m
  inboxSize: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "procurement", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 5*time.Minute, cfg.Conversation.IdleTimeout)
	assert.Equal(t, 4, cfg.Conversation.InboxSize)
	assert.Equal(t, 10*time.Second, cfg.Extractor.Timeout)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("JWT_SECRET=dotenv-secret\nDB_DRIVER=memory\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_DRIVER", "")
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("DB_DRIVER")

	cfg, err := Load(dir, env)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-secret", cfg.JWT.Secret)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	base := Config{
		Database:     DatabaseConfig{Driver: "postgres"},
		JWT:          JWTConfig{Secret: "s"},
		Conversation: ConversationConfig{IdleTimeout: time.Minute},
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.Database.Driver = "mysql"
	assert.Error(t, bad.Validate())

	bad = base
	bad.JWT.Secret = ""
	assert.Error(t, bad.Validate())
}
