package testutil

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/memwatch/internal/config"
)

// AssertValidationError checks that err is a config.ValidationError for field.
func AssertValidationError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)

	var verr config.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T: %v", err, err)
	assert.Equal(t, field, verr.Field)
}

// AssertCSVRows checks that the CSV file at path has a header and n data rows.
func AssertCSVRows(t *testing.T, path string, n int) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, n+1, "header plus %d rows", n)
	assert.Equal(t, "timestamp,rss_kb,vms_kb,pid", lines[0])
	return lines[1:]
}
