package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"airbcm/internal/logging"
)

// DirectExecutor runs commands on the local host with os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config Config

	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates an executor with DefaultConfig.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultConfig())
}

// NewDirectExecutorWithConfig creates an executor with custom defaults.
func NewDirectExecutorWithConfig(config Config) *DirectExecutor {
	logging.ShellDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

var _ Auditable = (*DirectExecutor)(nil)

// SetAuditCallback registers a callback for execution events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Execute runs cmd and waits for it. A non-zero exit is reported in the
// Result, not as an error; errors mean the process could not run at all.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	timer := logging.StartTimer(logging.CategoryShell, "exec "+cmd.Binary)
	defer timer.Stop()
	logging.Shell("Executing: %s", cmd)

	timeout := e.config.DefaultTimeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.Dir
	execCmd.Env = append(os.Environ(), cmd.Env...)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: e.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: e.config.MaxOutputBytes}
	if cmd.Stream != nil {
		execCmd.Stdout = io.MultiWriter(stdoutLimited, cmd.Stream)
		execCmd.Stderr = io.MultiWriter(stderrLimited, cmd.Stream)
	} else {
		execCmd.Stdout = stdoutLimited
		execCmd.Stderr = stderrLimited
	}

	e.emitAudit(AuditEvent{Type: AuditEventStart, Timestamp: time.Now(), Command: cmd})

	result := &Result{ExitCode: -1}
	start := time.Now()
	err := execCmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdoutLimited.truncated || stderrLimited.truncated
	if result.Truncated {
		logging.ShellWarn("Output of %s truncated: %d bytes discarded",
			cmd.Binary, stdoutLimited.discarded+stderrLimited.discarded)
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			logging.ShellWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
			e.emitAudit(AuditEvent{Type: AuditEventKilled, Timestamp: time.Now(), Command: cmd, Result: result})
			return result, nil
		case errors.Is(execCtx.Err(), context.Canceled):
			result.Killed = true
			result.KillReason = "context canceled"
			e.emitAudit(AuditEvent{Type: AuditEventKilled, Timestamp: time.Now(), Command: cmd, Result: result})
			return result, nil
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			logging.ShellDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
		default:
			logging.ShellError("Command failed to run: %s - %v", cmd.Binary, err)
			e.emitAudit(AuditEvent{Type: AuditEventError, Timestamp: time.Now(), Command: cmd, Result: result, Error: err})
			return nil, fmt.Errorf("failed to run %s: %w", cmd.Binary, err)
		}
	} else {
		result.ExitCode = 0
	}

	e.emitAudit(AuditEvent{Type: AuditEventComplete, Timestamp: time.Now(), Command: cmd, Result: result})
	logging.Shell("Command completed: %s -> exit=%d, duration=%s", cmd.Binary, result.ExitCode, result.Duration)
	return result, nil
}

// limitedWriter caps the bytes kept from a stream.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		return lw.w.Write(p)
	}

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
