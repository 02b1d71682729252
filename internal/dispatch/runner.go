package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner executes an external program and returns its combined output.
// Docker and service commands go through it so tests can substitute one.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msg := strings.TrimSpace(string(truncateTail(out, 512)))
		if msg != "" {
			return out, fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, msg)
		}
		return out, fmt.Errorf("%s failed: %w", filepath.Base(name), err)
	}
	return out, nil
}

// truncateTail keeps the last n bytes of b.
func truncateTail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
