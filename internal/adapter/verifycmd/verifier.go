// Package verifycmd implements the verifier port by running the configured
// test, build and lint commands through the shell.
package verifycmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/Strob0t/crewflow/internal/domain/loop"
	"github.com/Strob0t/crewflow/internal/domain/settings"
	"github.com/Strob0t/crewflow/internal/port/verifier"
)

// signatureLines is how many error lines feed the failure signature.
const signatureLines = 5

// Verifier runs commands in the project directory.
type Verifier struct {
	dir     string
	timeout time.Duration
}

// New creates a verifier. timeout applies to each command; 0 means none.
func New(dir string, timeout time.Duration) *Verifier {
	return &Verifier{dir: dir, timeout: timeout}
}

// Verify runs the commands for cfg.Method in order, stopping at the first
// failure. A non-zero exit is a failed Result; only a command that cannot be
// started at all is an error.
func (v *Verifier) Verify(ctx context.Context, cfg settings.Verification) (*verifier.Result, error) {
	method := cfg.Method
	cmds := cfg.Commands.For(method)
	if len(cmds) == 0 {
		return nil, fmt.Errorf("verify: unknown method %q", method)
	}

	var combined strings.Builder
	for _, c := range cmds {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("verify: no command configured for %q", method)
		}
		out, err := v.run(ctx, c)
		combined.WriteString(out)

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			continue
		case errors.As(err, &exitErr), errors.Is(err, context.DeadlineExceeded):
			slog.InfoContext(ctx, "verification failed", "command", c, "error", err)
			return &verifier.Result{
				Passed:    false,
				Signature: loop.Signature(errorLines(out, signatureLines)),
				Output:    combined.String(),
			}, nil
		default:
			return nil, fmt.Errorf("verify %q: %w", c, err)
		}
	}
	return &verifier.Result{Passed: true, Output: combined.String()}, nil
}

func (v *Verifier) run(ctx context.Context, command string) (string, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.dir
	cmd.WaitDelay = time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() != nil && err != nil {
		return buf.String(), ctx.Err()
	}
	return buf.String(), err
}

// errorLines picks the first n lines that look like errors, falling back to
// the first n non-blank lines.
func errorLines(out string, n int) string {
	var hits, first []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(first) < n {
			first = append(first, line)
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "panic") {
			hits = append(hits, line)
			if len(hits) == n {
				break
			}
		}
	}
	if len(hits) == 0 {
		hits = first
	}
	return strings.Join(hits, "\n")
}
