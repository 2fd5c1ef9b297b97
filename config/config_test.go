package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCacheDirEndsInDotCacheForge(t *testing.T) {
	dir, err := DefaultCacheDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(".cache", "forge"), dir[len(dir)-len(filepath.Join(".cache", "forge")):])
}

func TestExpandPathResolvesTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := ExpandPath("~/forge-test-marker")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "forge-test-marker"), expanded)
}

func TestLoadEnvDefaultsNodeEnvToDevelopment(t *testing.T) {
	t.Setenv("NODE_ENV", "")
	env := LoadEnv(nil)
	assert.Equal(t, "development", env.NodeEnv)
}

func TestLoadEnvCopiesUserMapAndReadsBrowserslist(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("BROWSERSLIST_ENV", "modern")

	env := LoadEnv(map[string]string{"API_URL": "https://example.test"})
	assert.Equal(t, "production", env.NodeEnv)
	assert.Equal(t, "modern", env.BrowserslistEnv)
	assert.Equal(t, "https://example.test", env.User["API_URL"])
}
