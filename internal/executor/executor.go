// Package executor abstracts command execution over two targets: the
// controller host and a warm build container. Both stream output line by
// line in real time and enforce per-command timeouts.
package executor

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single command when the caller does not set one.
const DefaultTimeout = 5 * time.Minute

// Unlimited disables the per-command timeout.
const Unlimited = time.Duration(-1)

// Command is one command invocation. Args are always passed as a list; the
// executor never reassembles them through a shell.
type Command struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// Timeout of zero means DefaultTimeout; Unlimited disables it.
	Timeout time.Duration
	// Interactive inherits the console streams and captures nothing. Used for
	// nested CLI invocations.
	Interactive bool
}

// effectiveTimeout resolves the zero/Unlimited conventions.
func (c Command) effectiveTimeout() (time.Duration, bool) {
	if c.Timeout == Unlimited {
		return 0, false
	}
	if c.Timeout == 0 {
		return DefaultTimeout, true
	}
	return c.Timeout, true
}

// Result reports a finished command.
type Result struct {
	ExitCode int
	Stdout   string // captured only when no line sink is attached
	Stderr   string
}

// Success reports a zero exit code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// LineFunc receives one output line. stderr lines are delivered through the
// same callback: many tools use stderr for progress, not errors.
type LineFunc func(line string)

// Executor runs commands against one target.
type Executor interface {
	// Run executes the command, streaming lines to onLine when non-nil. A
	// non-zero exit is reported in Result, not as an error; errors mean the
	// command could not run or was killed by timeout/cancellation.
	Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error)
	// IsAvailable probes whether the command can be found on the target.
	IsAvailable(ctx context.Context, command string) bool
}

// ErrTimeout is returned (wrapped) when the per-command budget expires and
// the process tree has been killed.
type TimeoutError struct {
	Command string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return "command " + e.Command + " timed out after " + e.Limit.String()
}
