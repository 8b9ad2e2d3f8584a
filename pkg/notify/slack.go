package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultSlackBaseURL is the Slack Web API root.
const DefaultSlackBaseURL = "https://slack.com/api"

// ErrRejected indicates Slack answered with ok=false.
var ErrRejected = errors.New("slack rejected message")

// SlackConfig configures a Slack notifier.
type SlackConfig struct {
	BaseURL string
	Token   string
	Channel string

	// Timeout bounds a single post. Zero means 10s.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Slack posts messages with chat.postMessage.
type Slack struct {
	cfg    SlackConfig
	http   *http.Client
	logger *zap.Logger
}

// NewSlack returns a Slack notifier. A missing token or channel is not an
// error; Notify then skips delivery.
func NewSlack(cfg SlackConfig, logger *zap.Logger) *Slack {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultSlackBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Slack{cfg: cfg, http: hc, logger: logger}
}

// FromEnv builds a Slack notifier from SLACK_BOT_TOKEN and SLACK_CHANNEL_ID.
func FromEnv(baseURL string, logger *zap.Logger) *Slack {
	return NewSlack(SlackConfig{
		BaseURL: baseURL,
		Token:   os.Getenv(EnvToken),
		Channel: os.Getenv(EnvChannel),
	}, logger)
}

// Configured reports whether both the token and channel are set.
func (s *Slack) Configured() bool {
	return strings.TrimSpace(s.cfg.Token) != "" && strings.TrimSpace(s.cfg.Channel) != ""
}

// Notify sends msg, logging rather than returning any failure.
func (s *Slack) Notify(ctx context.Context, msg Message) {
	if !s.Configured() {
		s.logger.Info("Slack not configured, skipping notification",
			zap.String("job_id", msg.JobID),
			zap.String("status", msg.Status))
		return
	}
	if err := s.Send(ctx, Format(msg)); err != nil {
		s.logger.Warn("Slack notification failed",
			zap.String("job_id", msg.JobID),
			zap.String("status", msg.Status),
			zap.Error(err))
		return
	}
	s.logger.Debug("Slack notification sent", zap.String("job_id", msg.JobID), zap.String("status", msg.Status))
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Send posts text to the configured channel.
func (s *Slack) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(postMessageRequest{Channel: s.cfg.Channel, Text: text})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat.postMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post message: http %d", resp.StatusCode)
	}
	var out postMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}
	return nil
}
