// Package kaggle is a small client for the Kaggle kernels REST API.
//
// It covers the calls the job lifecycle needs: push a staged kernel folder,
// query run status, and download run output. Requests are throttled with a
// token-bucket limiter because the API rejects bursts.
package kaggle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://www.kaggle.com/api/v1"

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	Credentials Credentials

	// RequestTimeout bounds status and listing calls. Zero means 60s.
	// Push uses its own per-call timeout; downloads use the caller context.
	RequestTimeout time.Duration

	// RateLimit is requests per second (0 = unlimited).
	RateLimit float64

	// HTTPClient defaults to a client without an overall timeout.
	HTTPClient *http.Client

	UserAgent string
}

// Client talks to the Kaggle API.
type Client struct {
	baseURL   *url.URL
	creds     Credentials
	http      *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	userAgent string
	logger    *zap.Logger
}

// PushResult is the decoded push response.
type PushResult struct {
	Ref           string `json:"ref"`
	URL           string `json:"url"`
	VersionNumber int    `json:"versionNumber"`
	Error         string `json:"error"`
}

// KernelStatus is the decoded status response.
type KernelStatus struct {
	Status         string `json:"status"`
	FailureMessage string `json:"failureMessage"`
}

// OutputFile is one entry of a run's output listing.
type OutputFile struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

type outputPage struct {
	Files         []OutputFile `json:"files"`
	Log           string       `json:"log"`
	NextPageToken string       `json:"nextPageToken"`
}

// New validates cfg and returns a client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if !cfg.Credentials.valid() {
		return nil, ErrNoCredentials
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid kaggle base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:   u,
		creds:     cfg.Credentials,
		http:      cfg.HTTPClient,
		timeout:   cfg.RequestTimeout,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.userAgent == "" {
		c.userAgent = "kernelcron"
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// Username is the authenticated account name.
func (c *Client) Username() string {
	return c.creds.Username
}

// KernelRef returns "<user>/<kernel>" for the authenticated user.
func (c *Client) KernelRef(kernel string) string {
	return Ref(c.creds.Username, kernel)
}

// KernelURL returns the browser URL of a kernel owned by the authenticated user.
func (c *Client) KernelURL(kernel string) string {
	return fmt.Sprintf("%s://%s/code/%s/%s", c.baseURL.Scheme, c.baseURL.Host, c.creds.Username, kernel)
}

// Push submits the staged folder dir (kernel-metadata.json plus code file).
// The push is not retried: the platform does not treat it as idempotent.
func (c *Client) Push(ctx context.Context, dir string, timeout time.Duration) (*PushResult, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	codeFile := stringField(meta, "code_file")
	if codeFile == "" {
		codeFile = CodeFile
	}
	code, err := os.ReadFile(filepath.Join(dir, codeFile))
	if err != nil {
		return nil, fmt.Errorf("read code file: %w", err)
	}
	body, err := buildPushRequest(meta, string(code))
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res PushResult
	if err := c.doJSON(ctx, "Push", body.Slug, http.MethodPost, "kernels/push", nil, body, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, &APIError{Op: "Push", Kernel: body.Slug, Message: res.Error, Err: ErrPushRejected}
	}
	c.logger.Info("Pushed kernel",
		zap.String("kernel", body.Slug),
		zap.Int("version", res.VersionNumber),
		zap.String("url", res.URL))
	return &res, nil
}

// Status returns the current run status of kernel.
func (c *Client) Status(ctx context.Context, kernel string) (*KernelStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("userName", c.creds.Username)
	q.Set("kernelSlug", kernel)

	var st KernelStatus
	if err := c.doJSON(ctx, "Status", c.KernelRef(kernel), http.MethodGet, "kernels/status", q, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListOutput returns every output file of the latest run plus its log.
func (c *Client) ListOutput(ctx context.Context, kernel string) ([]OutputFile, string, error) {
	var (
		files []OutputFile
		log   string
		token string
	)
	for {
		q := url.Values{}
		q.Set("userName", c.creds.Username)
		q.Set("kernelSlug", kernel)
		if token != "" {
			q.Set("pageToken", token)
		}

		pageCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var page outputPage
		err := c.doJSON(pageCtx, "Output", c.KernelRef(kernel), http.MethodGet, "kernels/output", q, nil, &page)
		cancel()
		if err != nil {
			return nil, "", err
		}

		files = append(files, page.Files...)
		if log == "" {
			log = page.Log
		}
		if page.NextPageToken == "" || page.NextPageToken == token {
			return files, log, nil
		}
		token = page.NextPageToken
	}
}

// DownloadOutput fetches the run output into dest. keep filters file names
// (nil keeps everything). The run log is written as <kernel>.log. It returns
// the local paths written.
func (c *Client) DownloadOutput(ctx context.Context, kernel, dest string, keep func(name string) bool) ([]string, error) {
	files, runLog, err := c.ListOutput(ctx, kernel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}

	var written []string
	for _, f := range files {
		if keep != nil && !keep(f.FileName) {
			c.logger.Debug("Skipping output file", zap.String("file", f.FileName))
			continue
		}
		target, err := safeJoin(dest, f.FileName)
		if err != nil {
			return written, err
		}
		if err := c.downloadFile(ctx, kernel, f.URL, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}

	if runLog != "" {
		logPath := filepath.Join(dest, kernel+".log")
		if err := os.WriteFile(logPath, []byte(runLog), 0o644); err != nil {
			return written, fmt.Errorf("write run log: %w", err)
		}
		written = append(written, logPath)
	}
	return written, nil
}

func (c *Client) downloadFile(ctx context.Context, kernel, rawURL, target string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &APIError{Op: "Download", Kernel: c.KernelRef(kernel), Err: err}
	}
	// Output URLs are usually pre-signed storage links; only send
	// credentials back to the API host itself.
	if req.URL.Host == c.baseURL.Host {
		req.SetBasicAuth(c.creds.Username, c.creds.Key)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: "Download", Kernel: c.KernelRef(kernel), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return &APIError{Op: "Download", Kernel: c.KernelRef(kernel), StatusCode: resp.StatusCode, Message: readSnippet(resp.Body), Err: sentinelOrUnavailable(resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".part.*")
	if err != nil {
		return fmt.Errorf("create temp output file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return &APIError{Op: "Download", Kernel: c.KernelRef(kernel), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}

func (c *Client) doJSON(ctx context.Context, op, kernel, method, path string, query url.Values, in, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &APIError{Op: op, Kernel: kernel, Err: err}
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Kaggle API request", zap.String("op", op), zap.String("method", method), zap.String("path", u.Path))

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Kernel: kernel, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return &APIError{Op: op, Kernel: kernel, StatusCode: resp.StatusCode, Message: readSnippet(resp.Body), Err: sentinelOrUnavailable(resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Kernel: kernel, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// wait blocks until the rate limiter allows a request.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func sentinelOrUnavailable(code int) error {
	if err := sentinelForStatus(code); err != nil {
		return err
	}
	return fmt.Errorf("unexpected status %d", code)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(b))
}

// safeJoin joins name under dir and refuses names that escape it.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/\\")))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("invalid output file name %q", name)
	}
	target := filepath.Join(dir, clean)
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output file %q escapes destination", name)
	}
	return target, nil
}
