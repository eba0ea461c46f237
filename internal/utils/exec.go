package utils

import (
	"bytes"
	"context"
	"os/exec"
)

// Exec runs a command and returns its stdout. On failure the returned string
// holds stderr so callers can surface the tool's own diagnostics.
// Cancelling ctx kills the process.
func Exec(ctx context.Context, command ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	var out bytes.Buffer
	var errout bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errout

	err := cmd.Run()
	if err != nil {
		// Return stderr for error diagnostics
		return errout.String(), err
	}

	return out.String(), nil
}

// LastLine trims tool output down to its final non-empty line, which is where
// ffmpeg reports the actual failure.
func LastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
