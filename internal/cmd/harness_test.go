package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// fakeKaggle serves the handful of endpoints the CLI calls.
type fakeKaggle struct {
	mu     sync.Mutex
	status string
	files  map[string]string
	pushes int
	srv    *httptest.Server
}

func newFakeKaggle(t *testing.T) *fakeKaggle {
	t.Helper()
	fk := &fakeKaggle{status: "running", files: map[string]string{}}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/kernels/push", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Slug string `json:"slug"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			fk.mu.Lock()
			fk.pushes++
			fk.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ref": "/code/" + body.Slug, "url": "https://www.kaggle.com/code/" + body.Slug, "versionNumber": 1,
			})
		})
		r.Get("/kernels/status", func(w http.ResponseWriter, _ *http.Request) {
			fk.mu.Lock()
			defer fk.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"status": fk.status})
		})
		r.Get("/kernels/output", func(w http.ResponseWriter, _ *http.Request) {
			fk.mu.Lock()
			defer fk.mu.Unlock()
			files := []map[string]string{}
			for name := range fk.files {
				files = append(files, map[string]string{"fileName": name, "url": fk.srv.URL + "/storage/" + name})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"files": files})
		})
	})
	r.Get("/storage/*", func(w http.ResponseWriter, req *http.Request) {
		fk.mu.Lock()
		defer fk.mu.Unlock()
		content, ok := fk.files[chi.URLParam(req, "*")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(content))
	})

	fk.srv = httptest.NewServer(r)
	t.Cleanup(fk.srv.Close)
	return fk
}

func (fk *fakeKaggle) setStatus(s string) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.status = s
}

// testEnv is an isolated kernelcron installation.
type testEnv struct {
	root       string
	configFile string
	jobsDir    string
	artifacts  string
	logDir     string
	cronFile   string
	kaggle     *fakeKaggle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, ".local", "share"))
	t.Setenv("KAGGLE_USERNAME", "")
	t.Setenv("KAGGLE_KEY", "")
	t.Setenv("KAGGLE_CONFIG_DIR", "")
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_CHANNEL_ID", "")

	env := &testEnv{
		root:      root,
		jobsDir:   filepath.Join(root, "data", "jobs"),
		artifacts: filepath.Join(root, "data", "artifacts"),
		logDir:    filepath.Join(root, "data", "logs"),
		cronFile:  filepath.Join(root, "crontab"),
		kaggle:    newFakeKaggle(t),
	}
	env.configFile = filepath.Join(root, "kernelcron.yaml")
	cfg := fmt.Sprintf(`paths:
  jobs_dir: %s
  artifacts_dir: %s
  cron_log_dir: %s
kaggle:
  base_url: %s/api/v1
  username: alice
  key: secret
  rate_limit: 0
poll:
  download_backoff: 1ms
schedule:
  backend: file
  file: %s
notify:
  slack: false
`, env.jobsDir, env.artifacts, env.logDir, env.kaggle.srv.URL, env.cronFile)
	require.NoError(t, os.WriteFile(env.configFile, []byte(cfg), 0o644))
	return env
}

// run executes the root command with --config prepended and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", e.configFile}, args...))
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()

	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	return out.String(), err
}

func (e *testEnv) cron(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(e.cronFile)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

// resetFlags restores every flag of c and its children to its default so
// state does not leak between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(fl *pflag.Flag) {
		if sv, ok := fl.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = fl.Value.Set(fl.DefValue)
		}
		fl.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// submit pushes a one-line script and returns the new job id.
func (e *testEnv) submit(t *testing.T, extra ...string) submitResult {
	t.Helper()
	script := filepath.Join(e.root, "train.py")
	writeFile(t, script, "print('hi')\n")
	args := append([]string{"submit", "-k", "titanic", "-s", script, "-o", filepath.Join(e.root, "results"), "--json"}, extra...)
	out, err := e.run(t, args...)
	require.NoError(t, err)

	var res submitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.JobID)
	return res
}
