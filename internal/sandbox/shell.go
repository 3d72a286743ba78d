package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
)

// ShellResult captures the outcome of ExecuteShell. Output captured before a
// failure is preserved alongside the error.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// capWriter keeps at most cap bytes and drops the rest.
type capWriter struct {
	buf bytes.Buffer
	cap int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.cap - int64(w.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

var _ io.Writer = (*capWriter)(nil)

// ExecuteShell runs a command inside the workspace. Only commands whose
// first whitespace-delimited token is on the allow-list run at all. A hard
// timeout and an output cap are always enforced; cancellation delivers
// SIGINT to the process group.
func (s *Sandbox) ExecuteShell(ctx context.Context, command string) (*ShellResult, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, classify.New(classify.CodeInternalCLIFailure, "empty command")
	}

	first := strings.Fields(trimmed)[0]
	if !s.commandAllowed(first) {
		return nil, classify.New(classify.CodeFSPermission,
			fmt.Sprintf("command %q is not on the allow-list", first))
	}

	timeout := s.cfg.ShellTimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", trimmed)
	cmd.Dir = s.root
	// SIGINT first so well-behaved tools flush and exit; the context kill
	// remains the backstop.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout := &capWriter{cap: s.cfg.MaxOutputBytes}
	stderr := &capWriter{cap: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &ShellResult{
		Stdout: stdout.buf.String(),
		Stderr: stderr.buf.String(),
	}

	s.logger.Debug("shell command finished",
		zap.String("command", first),
		zap.Duration("duration", elapsed),
		zap.Error(err))

	if err != nil {
		if ctx.Err() == context.Canceled {
			return result, classify.Cancelled()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return result, classify.New(classify.CodeTimeout,
				fmt.Sprintf("command timed out after %s", timeout)).WithMeta("stderr", result.Stderr)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, classify.Classify(err, result.Stderr)
	}

	return result, nil
}

func (s *Sandbox) commandAllowed(name string) bool {
	for _, allowed := range s.cfg.AllowedCommands {
		if name == allowed {
			return true
		}
	}
	return false
}
