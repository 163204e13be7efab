// Package agentcli implements the agent port by running a command-line agent
// once per invocation. The rendered context bundle is written to stdin and
// structured results are read back from tagged JSON blocks on stdout.
package agentcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

const backendName = "cli"

// maxStderr bounds how much stderr is quoted in an invocation error.
const maxStderr = 2048

func init() {
	agentbackend.Register(backendName, func(o agentbackend.Options) (agentbackend.Agent, error) {
		return New(Config(o))
	})
}

// Config describes the command to run. It mirrors agentbackend.Options.
type Config struct {
	Command []string      // argv; the bundle goes to stdin
	Dir     string        // working directory, default the current one
	Timeout time.Duration // 0 means no limit
	Env     []string      // extra KEY=VALUE pairs
}

// Backend runs Config.Command per invocation.
type Backend struct {
	cfg Config
}

// New creates a backend. Command must name at least the executable.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("agentcli: command is required")
	}
	return &Backend{cfg: cfg}, nil
}

// Name returns "cli".
func (b *Backend) Name() string { return backendName }

// Invoke runs the command for one phase or step.
func (b *Backend) Invoke(ctx context.Context, bundle agentbackend.Bundle) (*agentbackend.Output, error) {
	attempt := 1
	if bundle.Clarification != "" {
		attempt = 2
	}
	fail := func(err error) error {
		return &domain.AgentInvocationError{Phase: string(bundle.Phase), Attempt: attempt, Err: err}
	}

	prompt, err := Render(bundle)
	if err != nil {
		return nil, fail(err)
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Dir = b.cfg.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"CREWFLOW_TASK_ID="+bundle.TaskID,
		"CREWFLOW_PHASE="+string(bundle.Phase),
		"CREWFLOW_MODEL="+bundle.Model,
		"CREWFLOW_EFFORT="+bundle.Effort,
		"CREWFLOW_ITERATION="+strconv.Itoa(bundle.Iteration),
	)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fail(fmt.Errorf("timed out after %v", b.cfg.Timeout))
		}
		return nil, fail(fmt.Errorf("%w: %s", runErr, tail(stderr.String(), maxStderr)))
	}

	out, err := Parse(stdout.String())
	if err != nil {
		return nil, fail(err)
	}
	if out.Usage == nil {
		out.Usage = &agentbackend.Usage{Model: bundle.Model}
	}
	if out.Usage.Model == "" {
		out.Usage.Model = bundle.Model
	}
	if out.Usage.DurationMS == 0 {
		out.Usage.DurationMS = elapsed.Milliseconds()
	}

	slog.DebugContext(ctx, "agent invoked",
		"phase", bundle.Phase, "model", bundle.Model, "duration_ms", elapsed.Milliseconds())
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
