package cloneagent

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Runner executes the external partitioning/formatting/copy tools. Split out
// as an interface so engine tests can run against recorded commands.
type Runner interface {
	// Run executes the command line and waits for completion.
	Run(ctx context.Context, cmdline string) error
	// Stream executes the command line and delivers each output line
	// (stdout and stderr merged) to onLine as it appears.
	Stream(ctx context.Context, cmdline string, onLine func(string)) error
}

// ShellRunner runs command lines through `sh -c` and logs them.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, cmdline string) error {
	log.Debug().Str("cmd", cmdline).Msg("exec")
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
	if len(out) > 0 {
		log.Debug().Str("cmd", cmdline).Str("output", strings.TrimSpace(string(out))).Msg("exec output")
	}
	if err != nil {
		return errors.Wrapf(err, "command %q failed: %s", cmdline, lastLine(out))
	}
	return nil
}

func (ShellRunner) Stream(ctx context.Context, cmdline string, onLine func(string)) error {
	log.Debug().Str("cmd", cmdline).Msg("exec stream")
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return errors.Wrapf(err, "start %q", cmdline)
	}

	done := make(chan struct{})
	var tail string
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Split(scanProgressLines)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			tail = line
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	err := cmd.Wait()
	pw.Close()
	<-done
	if err != nil {
		return errors.Wrapf(err, "command %q failed: %s", cmdline, tail)
	}
	return nil
}

// scanProgressLines splits on both \n and \r, because rsync and dd rewrite
// their progress line with carriage returns instead of emitting new lines.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(out []byte) string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "(no output)"
	}
	lines := strings.Split(trimmed, "\n")
	return lines[len(lines)-1]
}

// CheckPrerequisites verifies that every external tool the configured mode
// needs is installed, before the agent arms itself.
func CheckPrerequisites(mode CloneMode) error {
	var missing []string
	for _, tool := range RequiredTools(mode) {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required tools: %s", strings.Join(missing, ", "))
	}
	return nil
}
