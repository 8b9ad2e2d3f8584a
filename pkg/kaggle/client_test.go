package kaggle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu       sync.Mutex
	pushes   []pushRequest
	status   string
	pushErr  string
	files    map[string]string
	runLog   string
	authSeen []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{status: "running", files: map[string]string{}}

	r := chi.NewRouter()
	var srv *httptest.Server

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				user, key, ok := req.BasicAuth()
				if !ok || user != "alice" || key != "secret" {
					w.WriteHeader(http.StatusUnauthorized)
					_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
					return
				}
				next.ServeHTTP(w, req)
			})
		})
		r.Post("/kernels/push", func(w http.ResponseWriter, req *http.Request) {
			var body pushRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			api.mu.Lock()
			api.pushes = append(api.pushes, body)
			pushErr := api.pushErr
			api.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ref": "/code/" + body.Slug, "url": "https://www.kaggle.com/code/" + body.Slug,
				"versionNumber": 1, "error": pushErr,
			})
		})
		r.Get("/kernels/status", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Query().Get("kernelSlug") == "missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			api.mu.Lock()
			defer api.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"status": api.status})
		})
		r.Get("/kernels/output", func(w http.ResponseWriter, req *http.Request) {
			api.mu.Lock()
			defer api.mu.Unlock()
			names := make([]string, 0, len(api.files))
			for name := range api.files {
				names = append(names, name)
			}
			page := req.URL.Query().Get("pageToken")
			var files []map[string]string
			next := ""
			for _, name := range names {
				// First page: top-level files; second page: nested ones.
				nested := strings.Contains(name, "/")
				if (page == "" && !nested) || (page == "p2" && nested) {
					files = append(files, map[string]string{"fileName": name, "url": srv.URL + "/storage/" + name})
				}
			}
			if page == "" {
				next = "p2"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"files": files, "log": api.runLog, "nextPageToken": next})
		})
	})
	r.Get("/storage/*", func(w http.ResponseWriter, req *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.authSeen = append(api.authSeen, req.Header.Get("Authorization"))
		name := chi.URLParam(req, "*")
		content, ok := api.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(content))
	})

	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return api, srv
}

func newTestClient(t *testing.T, srv *httptest.Server, creds Credentials) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL + "/api/v1", Credentials: creds, RequestTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func stage(t *testing.T, meta map[string]any, code string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, WriteMetadata(dir, meta))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CodeFile), []byte(code), 0o644))
	return dir
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestClient_Push(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv, Credentials{Username: "alice", Key: "secret"})

	meta := DefaultMetadata("alice", "my-kernel")
	meta["enable_gpu"] = true
	meta["dataset_sources"] = []any{"alice/data"}
	dir := stage(t, meta, "print('hi')\n")

	res, err := c.Push(context.Background(), dir, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VersionNumber)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.pushes, 1)
	got := api.pushes[0]
	assert.Equal(t, "alice/my-kernel", got.Slug)
	assert.Equal(t, "my-kernel", got.NewTitle)
	assert.Equal(t, "print('hi')\n", got.Text)
	assert.Equal(t, "python", got.Language)
	assert.Equal(t, "script", got.KernelType)
	assert.True(t, got.IsPrivate)
	assert.True(t, got.EnableGPU)
	assert.Equal(t, []string{"alice/data"}, got.DatasetDataSources)
}

func TestClient_PushRejected(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.pushErr = "Notebook not found"
	api.mu.Unlock()
	c := newTestClient(t, srv, Credentials{Username: "alice", Key: "secret"})

	dir := stage(t, DefaultMetadata("alice", "k"), "x")
	_, err := c.Push(context.Background(), dir, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPushRejected))
	assert.Contains(t, err.Error(), "Notebook not found")
}

func TestClient_Unauthorized(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := newTestClient(t, srv, Credentials{Username: "alice", Key: "wrong"})

	_, err := c.Status(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad credentials", apiErr.Message)
}

func TestClient_Status(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.status = "complete"
	api.mu.Unlock()
	c := newTestClient(t, srv, Credentials{Username: "alice", Key: "secret"})

	st, err := c.Status(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "complete", st.Status)

	_, err = c.Status(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestClient_DownloadOutput(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.files = map[string]string{
		"results.csv":       "a,b\n1,2\n",
		"model.bin":         "weights",
		"plots/loss.png":    "png",
		"plots/ignored.tmp": "tmp",
	}
	api.runLog = "[{\"data\": \"done\"}]"
	api.mu.Unlock()
	c := newTestClient(t, srv, Credentials{Username: "alice", Key: "secret"})

	dest := filepath.Join(t.TempDir(), "out")
	written, err := c.DownloadOutput(context.Background(), "k", dest, func(name string) bool {
		return !strings.HasSuffix(name, ".tmp")
	})
	require.NoError(t, err)
	assert.Len(t, written, 4)

	b, err := os.ReadFile(filepath.Join(dest, "results.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(b))
	assert.FileExists(t, filepath.Join(dest, "plots", "loss.png"))
	assert.NoFileExists(t, filepath.Join(dest, "plots", "ignored.tmp"))
	assert.FileExists(t, filepath.Join(dest, "k.log"))

	// The fake serves storage from the API host, so credentials are forwarded.
	api.mu.Lock()
	defer api.mu.Unlock()
	require.NotEmpty(t, api.authSeen)
	for _, h := range api.authSeen {
		assert.True(t, strings.HasPrefix(h, "Basic "))
	}
}

func TestClient_KernelURL(t *testing.T) {
	c, err := New(Config{Credentials: Credentials{Username: "alice", Key: "k"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://www.kaggle.com/code/alice/my-kernel", c.KernelURL("my-kernel"))
	assert.Equal(t, "alice/my-kernel", c.KernelRef("my-kernel"))
}

func TestSafeJoin(t *testing.T) {
	dir := t.TempDir()

	got, err := safeJoin(dir, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b.txt"), got)

	got, err = safeJoin(dir, "/abs.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abs.txt"), got)

	_, err = safeJoin(dir, "../escape.txt")
	assert.Error(t, err)

	_, err = safeJoin(dir, "")
	assert.Error(t, err)
}
