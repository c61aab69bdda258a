package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestRenameWithRetry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	require.NoError(t, RenameWithRetry(src, dst, 0, 0))
	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)

	err := RenameWithRetry(src, dst, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename failed after 1 attempt(s)")
}
