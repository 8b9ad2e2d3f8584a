package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kernelcron/pkg/jobregistry"
)

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "abc", shortJobID(" abc "))
	assert.Equal(t, "0123456789ab", shortJobID("0123456789abcdef"))
}

func TestResolveJobID(t *testing.T) {
	store := jobregistry.NewStore(t.TempDir())
	now := time.Now()
	for _, id := range []string{"aaaa1111", "aaaa2222", "bbbb3333"} {
		require.NoError(t, store.Write(&jobregistry.JobRecord{
			JobID: id, KernelName: "k", Status: jobregistry.DefaultStatus, SubmittedAt: now, Timeout: 60,
		}))
	}

	got, err := resolveJobID(store, "aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, "aaaa1111", got)

	got, err = resolveJobID(store, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "bbbb3333", got)

	_, err = resolveJobID(store, "aaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = resolveJobID(store, "cccc")
	assert.True(t, errors.Is(err, jobregistry.ErrJobNotFound))

	_, err = resolveJobID(store, "  ")
	assert.Error(t, err)
}

func TestTailLines(t *testing.T) {
	in := "one\ntwo\nthree\nfour\n"

	got, err := tailLines(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, got)

	got, err = tailLines(strings.NewReader(in), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)

	got, err = tailLines(strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrintLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	writeFile(t, path, "a\nb\nc\n")

	var buf bytes.Buffer
	require.NoError(t, printLogTail(&buf, path, 2))
	assert.Equal(t, "b\nc\n", buf.String())
}

func TestJobsList(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No jobs found\n", out)

	res := env.submit(t)

	out, err = env.run(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, shortJobID(res.JobID))
	assert.Contains(t, out, "*/5 * * * *")

	out, err = env.run(t, "jobs", "list", "--json")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, res.JobID, views[0]["job_id"])
	assert.Equal(t, "*/5 * * * *", views[0]["schedule"])
}

func TestJobsStatus(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t)

	out, err := env.run(t, "jobs", "status", res.JobID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "job_id="+res.JobID+"\n")
	assert.Contains(t, out, "kernel_name=titanic\n")
	assert.Contains(t, out, "interval=5 minute\n")
	assert.Contains(t, out, "schedule=*/5 * * * *\n")
	assert.Contains(t, out, "log_file="+filepath.Join(env.logDir, res.JobID+".log"))

	_, err = env.run(t, "jobs", "status", "ffffffff")
	assert.True(t, errors.Is(err, jobregistry.ErrJobNotFound))
}

func TestJobsLogs(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t)
	writeFile(t, filepath.Join(env.logDir, res.JobID+".log"), "tick 1\ntick 2\ntick 3\n")

	out, err := env.run(t, "jobs", "logs", res.JobID, "--tail", "2")
	require.NoError(t, err)
	assert.Equal(t, "tick 2\ntick 3\n", out)
}

func TestJobsCleanup(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t)

	out, err := env.run(t, "jobs", "cleanup", res.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "staging folder removed; job record removed; cron entry removed")

	assert.NoDirExists(t, res.TempFolder)
	assert.NoFileExists(t, filepath.Join(env.jobsDir, res.JobID+".json"))
	assert.NotContains(t, env.cron(t), res.JobID)

	// Repeating with the full id is harmless.
	out, err = env.run(t, "jobs", "cleanup", res.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "job record already absent")
}

func TestJobsGC(t *testing.T) {
	env := newTestEnv(t)
	live := env.submit(t)

	orphan := filepath.Join(env.artifacts, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	fresh := filepath.Join(env.artifacts, "fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	// Drop a record behind the scheduler's back to strand its cron entry.
	stranded := env.submit(t)
	require.NoError(t, os.Remove(filepath.Join(env.jobsDir, stranded.JobID+".json")))

	old := time.Now().Add(-200 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))
	require.NoError(t, os.Chtimes(stranded.TempFolder, old, old))

	out, err := env.run(t, "jobs", "gc", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would_delete_staging_folders=2\n")
	assert.Contains(t, out, "would_delete_cron_entries=1\n")
	assert.DirExists(t, orphan)

	out, err = env.run(t, "jobs", "gc", "--json")
	require.NoError(t, err)
	var res jobsGCResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.ElementsMatch(t, []string{orphan, stranded.TempFolder}, res.StagingFolders)
	assert.Equal(t, []string{stranded.JobID}, res.CronEntries)
	assert.False(t, res.DryRun)

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, fresh)
	assert.DirExists(t, live.TempFolder)
	cron := env.cron(t)
	assert.Contains(t, cron, live.JobID)
	assert.NotContains(t, cron, stranded.JobID)
}

func TestJobsGC_UnreadableRecordStaysLive(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t)
	writeFile(t, filepath.Join(env.jobsDir, res.JobID+".json"), "{truncated")

	old := time.Now().Add(-200 * time.Hour)
	require.NoError(t, os.Chtimes(res.TempFolder, old, old))

	out, err := env.run(t, "jobs", "gc", "--json")
	require.NoError(t, err)
	var gc jobsGCResult
	require.NoError(t, json.Unmarshal([]byte(out), &gc))
	assert.Empty(t, gc.CronEntries)
	assert.Empty(t, gc.StagingFolders)
	assert.DirExists(t, res.TempFolder)
	assert.Contains(t, env.cron(t), res.JobID)
	assert.FileExists(t, filepath.Join(env.jobsDir, res.JobID+".json"))
}

func TestJobsGC_InvalidMaxAge(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "jobs", "gc", "--max-age", "soon")
	assert.Error(t, err)
	_, err = env.run(t, "jobs", "gc", "--max-age", "-1h")
	assert.Error(t, err)
}
