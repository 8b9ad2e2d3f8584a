package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/kernelcron/pkg/cronbind"
	"github.com/3leaps/kernelcron/pkg/jobregistry"
)

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	jobID, err := resolveJobID(jobStore(), args[0])
	if err != nil {
		// Finished jobs have no record but keep their log; accept a full id.
		if !errors.Is(err, jobregistry.ErrJobNotFound) || jobregistry.ValidateJobID(args[0]) != nil {
			return err
		}
		jobID = args[0]
	}

	path := cronbind.LogFilePath(appConfig.Paths.CronLogDir, jobID)
	out := cmd.OutOrStdout()
	if follow {
		return followLog(cmd.Context(), out, path)
	}
	return printLogTail(out, path, tailN)
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints the file and then new content as it is appended, until
// ctx is cancelled. Polls run minutes apart, so a coarse tick is enough.
func followLog(ctx context.Context, out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(out, r); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
