// Package notify delivers best-effort job transition messages.
//
// Delivery never fails the caller: errors are logged and dropped. The only
// backend is Slack's chat.postMessage, enabled when both SLACK_BOT_TOKEN and
// SLACK_CHANNEL_ID are present.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// EnvToken holds the Slack bot token.
	EnvToken = "SLACK_BOT_TOKEN"

	// EnvChannel holds the Slack channel id.
	EnvChannel = "SLACK_CHANNEL_ID"
)

const (
	header = "--- KERNELCRON Notification ---"
	footer = "------------------------------"

	timestampLayout = "2006-01-02 15:04:05"
)

// Message is one job notification.
type Message struct {
	JobID   string
	Status  string
	Details string
	Time    time.Time
}

// Notifier sends messages. Implementations must not block indefinitely and
// must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Format renders msg as the plain-text block posted to the channel.
func Format(msg Message) string {
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(header + "\n")
	fmt.Fprintf(&b, "[%s] STATUS: %s\n", ts.Format(timestampLayout), msg.Status)
	fmt.Fprintf(&b, "JOB ID: %s\n", msg.JobID)
	b.WriteString("DETAILS:\n")
	if d := strings.TrimRight(msg.Details, "\n"); d != "" {
		b.WriteString(d + "\n")
	}
	b.WriteString(footer + "\n")
	return b.String()
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) {}

// Env returns the notification variables present in getenv, for forwarding
// into a scheduled command. Unset variables are omitted.
func Env(getenv func(string) string) map[string]string {
	out := map[string]string{}
	for _, key := range []string{EnvToken, EnvChannel} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			out[key] = v
		}
	}
	return out
}
