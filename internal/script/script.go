// Package script turns a build script into an ordered list of steps. The
// orchestrator only depends on the Source interface; the bundled front-end
// understands a small line-oriented format.
package script

import (
	"context"
	"fmt"
	"time"
)

// Step is one named command produced by a script front-end. Steps run in
// registration order; the first failure stops the remainder.
type Step struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Plan is a compiled script: the container image, declared secret and
// artifact names, the ordered steps, and the raw script bytes the container
// name is derived from.
type Plan struct {
	Image     string
	Secrets   []string // required secret names, declared by the script
	Artifacts []string // paths relative to the workspace artifacts dir
	Steps     []Step
	Raw       []byte
}

// Source compiles a script file into a plan.
type Source interface {
	Compile(ctx context.Context, path string) (*Plan, error)
}

// ValidationError reports a malformed script with its line number.
type ValidationError struct {
	Path string
	Line int
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return e.Path + ": " + e.Msg
}
