// Package shell runs local processes (rsync, the system ssh client) for the deployer.
package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Command describes one local process.
type Command struct {
	Binary    string
	Arguments []string
	Dir       string
	// Env is appended to the inherited environment.
	Env   []string
	Stdin string
	// Timeout overrides the executor default when > 0.
	Timeout time.Duration
	// Stream, when set, receives stdout and stderr as they are produced in
	// addition to the captured copy.
	Stream io.Writer
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Killed     bool
	KillReason string
	Truncated  bool
}

// Combined joins stdout and stderr.
func (r *Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Err converts a kill or non-zero exit into an error.
func (r *Result) Err() error {
	switch {
	case r.Killed:
		return fmt.Errorf("process killed: %s", r.KillReason)
	case r.ExitCode != 0:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		return fmt.Errorf("exit status %d: %s", r.ExitCode, msg)
	}
	return nil
}

// AuditEventType labels executor events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent is passed to the audit callback.
type AuditEvent struct {
	Type      AuditEventType
	Timestamp time.Time
	Command   Command
	Result    *Result
	Error     error
}

// Config holds executor defaults.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int64
}

// DefaultConfig suits short helper tools; rsync callers pass their own timeout.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 1 << 20,
	}
}

// Executor runs local commands.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// Auditable is implemented by executors that report execution events.
type Auditable interface {
	SetAuditCallback(callback func(AuditEvent))
}
