package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// unset removes keys for the duration of the test.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfig_Defaults_And_Env_File(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	req.NoError(os.WriteFile(file, []byte("BADGER_FILEPATH=/tmp/chat\nTYPING_TIMEOUT=3s\nLIMIT_MESSAGES=50\n"), 0o600))
	unset(t, "BADGER_FILEPATH", "LIMIT_MESSAGES")
	t.Setenv("JWT_SECRET", "a-secret-long-enough-for-tests")
	t.Setenv("TYPING_TIMEOUT", "4s")

	config, err := LoadConfig(file)
	req.NoError(err)

	req.Equal("/tmp/chat", config.BadgerFilepath)
	req.Equal(4*time.Second, config.TypingTimeout)
	req.Equal(30*time.Second, config.HeartbeatTimeout)
	req.NotNil(config.LimitMessages)
	req.Equal(50, *config.LimitMessages)
	req.Equal("localhost:8080", config.HTTPAddress())
	req.Empty(config.RedisURL)
}

func TestLoadConfig_Missing_Required(t *testing.T) {
	unset(t, "JWT_SECRET", "BADGER_FILEPATH")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}

func TestCharacterRune(t *testing.T) {
	req := require.New(t)
	r, err := CharacterRune("#")
	req.NoError(err)
	req.Equal('#', r)
	_, err = CharacterRune("##")
	req.Error(err)
}
