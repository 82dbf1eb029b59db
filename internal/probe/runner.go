package probe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Runner abstracts command execution so probing can be tested without
// sending packets.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, int, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct{}

// Output runs the command and returns combined output and exit code. A
// non-zero exit code is not an error by itself.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return buf.Bytes(), exitErr.ExitCode(), nil
		}
		return buf.Bytes(), -1, err
	}
	return buf.Bytes(), 0, nil
}
