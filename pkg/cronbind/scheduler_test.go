package cronbind

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterval_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Interval
		wantErr error
	}{
		{name: "zero rejected", in: Interval{0, UnitMinute}, wantErr: ErrInvalidAmount},
		{name: "61 rejected", in: Interval{61, UnitMinute}, wantErr: ErrInvalidAmount},
		{name: "negative rejected", in: Interval{-5, UnitHour}, wantErr: ErrInvalidAmount},
		{name: "1 accepted", in: Interval{1, UnitMinute}},
		{name: "60 accepted", in: Interval{60, UnitMinute}},
		{name: "60 hours accepted", in: Interval{60, UnitHour}},
		{name: "seconds rejected", in: Interval{5, Unit("second")}, wantErr: ErrUnsupportedUnit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestInterval_Schedule(t *testing.T) {
	s, err := Interval{5, UnitMinute}.Schedule()
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", s)

	s, err = Interval{2, UnitHour}.Schedule()
	require.NoError(t, err)
	assert.Equal(t, "0 */2 * * *", s)
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("Minutes")
	require.NoError(t, err)
	assert.Equal(t, UnitMinute, u)

	u, err = ParseUnit("hour")
	require.NoError(t, err)
	assert.Equal(t, UnitHour, u)

	_, err = ParseUnit("second")
	assert.True(t, errors.Is(err, ErrUnsupportedUnit))
}

func TestScheduler_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable("MAILTO=\"\"\n0 3 * * * /usr/bin/backup # nightly\n")
	s := NewScheduler(table, nil)

	b := Binding{JobID: "abc123", Interval: Interval{5, UnitMinute}, Command: "/bin/kernelcron poll --job-id abc123"}

	added, err := s.Register(ctx, b)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Register(ctx, b)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, table.Writes())

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc123", entries[0].JobID)
	assert.Equal(t, "*/5 * * * *", entries[0].Schedule)
	assert.Equal(t, "/bin/kernelcron poll --job-id abc123", entries[0].Command)

	content, _ := table.Read(ctx)
	assert.True(t, strings.HasPrefix(content, "MAILTO=\"\"\n0 3 * * * /usr/bin/backup # nightly\n"))
	assert.Contains(t, content, "# kernelcron-job-abc123\n")
}

func TestScheduler_RegisterRejectsBadInterval(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable("")
	s := NewScheduler(table, nil)

	for _, amount := range []int{0, 61} {
		_, err := s.Register(ctx, Binding{JobID: "j", Interval: Interval{amount, UnitMinute}, Command: "x"})
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	}
	for _, amount := range []int{1, 60} {
		_, err := s.Register(ctx, Binding{JobID: "j" + string(rune('a'+amount%26)), Interval: Interval{amount, UnitHour}, Command: "x"})
		assert.NoError(t, err)
	}
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestScheduler_Remove(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable("0 3 * * * /usr/bin/backup # nightly\n")
	s := NewScheduler(table, nil)

	_, err := s.Register(ctx, Binding{JobID: "one", Interval: Interval{5, UnitMinute}, Command: "poll one"})
	require.NoError(t, err)
	_, err = s.Register(ctx, Binding{JobID: "two", Interval: Interval{1, UnitHour}, Command: "poll two"})
	require.NoError(t, err)

	removed, err := s.Remove(ctx, "one")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := s.Lookup(ctx, "one")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Lookup(ctx, "two")
	require.NoError(t, err)
	assert.True(t, found)

	writes := table.Writes()
	removed, err = s.Remove(ctx, "one")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, writes, table.Writes(), "no-op removal must not rewrite the table")

	content, _ := table.Read(ctx)
	assert.Contains(t, content, "/usr/bin/backup # nightly")
}

func TestScheduler_TagIsExactMatch(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable("")
	s := NewScheduler(table, nil)

	_, err := s.Register(ctx, Binding{JobID: "ab", Interval: Interval{5, UnitMinute}, Command: "poll ab"})
	require.NoError(t, err)
	added, err := s.Register(ctx, Binding{JobID: "a", Interval: Interval{5, UnitMinute}, Command: "poll a"})
	require.NoError(t, err)
	assert.True(t, added)

	removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	_, found, _ := s.Lookup(ctx, "ab")
	assert.True(t, found)
}

func TestScheduler_EscapesPercent(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable("")
	s := NewScheduler(table, nil)

	_, err := s.Register(ctx, Binding{JobID: "p", Interval: Interval{5, UnitMinute}, Command: "poll >> /tmp/100%.log"})
	require.NoError(t, err)
	content, _ := table.Read(ctx)
	assert.Contains(t, content, `/tmp/100\%.log`)
}

func TestFileTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool", "crontab")
	table := &FileTable{Path: path}

	content, err := table.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, content)

	s := NewScheduler(table, nil)
	_, err = s.Register(ctx, Binding{JobID: "f", Interval: Interval{10, UnitMinute}, Command: "poll f"})
	require.NoError(t, err)

	content, err = table.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * * poll f # kernelcron-job-f\n", content)
}

func TestPollCommand_String(t *testing.T) {
	cmd := PollCommand{
		Executable: "/opt/kernel cron/kernelcron",
		JobID:      "abc",
		ConfigFile: "/etc/kc.yaml",
		LogFile:    LogFilePath("/var/log/kc", "abc"),
		Env: map[string]string{
			"SLACK_CHANNEL_ID": "C123",
			"SLACK_BOT_TOKEN":  "xoxb-1 2",
			"EMPTY":            "",
		},
	}
	got, err := cmd.String()
	require.NoError(t, err)

	words, err := shellquote.Split(got)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"SLACK_BOT_TOKEN=xoxb-1 2",
		"SLACK_CHANNEL_ID=C123",
		"/opt/kernel cron/kernelcron", "--config", "/etc/kc.yaml",
		"poll", "--job-id", "abc",
		">>", "/var/log/kc/abc.log", "2>&1",
	}, words)

	_, err = PollCommand{JobID: "x"}.String()
	assert.Error(t, err)
}
