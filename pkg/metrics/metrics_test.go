package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextfile_Observe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "textfiles")
	sink := NewTextfile(dir)

	err := sink.Observe(Observation{
		JobID:           "job1",
		Kernel:          "titanic",
		Outcome:         "downloaded",
		Status:          "complete",
		Time:            time.Unix(1700000000, 0),
		Duration:        1500 * time.Millisecond,
		JobAge:          time.Hour,
		FilesDownloaded: 3,
	})
	require.NoError(t, err)

	b, err := os.ReadFile(sink.Path("job1"))
	require.NoError(t, err)
	out := string(b)

	assert.Contains(t, out, "# TYPE kernelcron_poll_outcome gauge")
	assert.Contains(t, out, `outcome="downloaded"`)
	assert.Contains(t, out, `status="complete"`)
	assert.Contains(t, out, `job_id="job1"`)
	assert.Contains(t, out, "kernelcron_downloaded_files")
	assert.Contains(t, out, "kernelcron_job_age_seconds")
	assert.Contains(t, out, "3600")
	assert.Contains(t, out, "1.7e+09")

	// A second observation replaces the file rather than appending.
	require.NoError(t, sink.Observe(Observation{JobID: "job1", Kernel: "titanic", Outcome: "running", Status: "running"}))
	b, err = os.ReadFile(sink.Path("job1"))
	require.NoError(t, err)
	assert.NotContains(t, string(b), `outcome="downloaded"`)
	assert.Contains(t, string(b), `outcome="running"`)
}

func TestTextfile_RemoveAndPrune(t *testing.T) {
	dir := t.TempDir()
	sink := NewTextfile(dir)

	require.NoError(t, sink.Observe(Observation{JobID: "old", Outcome: "running"}))
	require.NoError(t, sink.Observe(Observation{JobID: "fresh", Outcome: "running"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.prom"), []byte(""), 0o644))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(sink.Path("old"), past, past))

	stale, err := sink.Stale(24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)
	assert.FileExists(t, sink.Path("old"))

	removed, err := sink.Prune(24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)
	assert.NoFileExists(t, sink.Path("old"))
	assert.FileExists(t, sink.Path("fresh"))
	assert.FileExists(t, filepath.Join(dir, "other.prom"))

	require.NoError(t, sink.Remove("fresh"))
	require.NoError(t, sink.Remove("fresh"))
	assert.NoFileExists(t, sink.Path("fresh"))
}

func TestTextfile_PruneMissingDir(t *testing.T) {
	sink := NewTextfile(filepath.Join(t.TempDir(), "absent"))
	removed, err := sink.Prune(time.Hour, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}
