package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRunAndRecent(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	now := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	w.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		path, err := w.WriteRun(&RunRecord{RunID: "r", Symbol: "BTC", Written: i})
		require.NoError(t, err)
		assert.FileExists(t, path)
	}

	recent, err := w.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Sequence)
	assert.Equal(t, 3, recent[1].Sequence)
	assert.Equal(t, 2, recent[1].Written)
	assert.True(t, recent[1].Timestamp.Equal(now))
}

func TestWriteRunRejectsNil(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	_, err = w.WriteRun(nil)
	assert.Error(t, err)
}

func TestRecentReportsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run_bad.json"), []byte("{"), 0o644))
	_, err = w.Recent(0)
	assert.Error(t, err)
}
