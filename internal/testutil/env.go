package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thruflo/memwatch/internal/config"
)

// SetupTestDir creates a temporary directory containing an empty .memwatch/
// directory and returns its path. It is removed when the test completes.
func SetupTestDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".memwatch"), 0o755))
	return tmpDir
}

// WriteConfig writes .memwatch/config.yaml under basePath.
func WriteConfig(t *testing.T, basePath, yaml string) {
	t.Helper()
	WriteTestFile(t, basePath, filepath.Join(".memwatch", "config.yaml"), []byte(yaml))
}

// WriteEnvFile writes .memwatch/.env under basePath.
func WriteEnvFile(t *testing.T, basePath, content string) {
	t.Helper()
	WriteTestFile(t, basePath, filepath.Join(".memwatch", ".env"), []byte(content))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, content, 0o644))
}

// LookupFrom returns a config.LookupFunc that only sees env.
func LookupFrom(env map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}
