package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOutsideSandbox = errors.New("sandbox: work dir outside sandbox root")
	ErrEmptyEntry     = errors.New("sandbox: entry is required")
	ErrBadArtifact    = errors.New("sandbox: malformed artifact line")
)

// SandboxTimeout is returned when a run outlives its timeout. Run holds the partial output of
// the killed process group.
type SandboxTimeout struct {
	Timeout time.Duration
	Run     *Run
}

func (e *SandboxTimeout) Error() string {
	return fmt.Sprintf("sandbox: %s killed after %s", e.Run.Entry, e.Timeout)
}

// ExecutionError is a run that could not start or exited non-zero.
type ExecutionError struct {
	ExitCode int
	Run      *Run
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("sandbox: start %s: %v", e.Run.Entry, e.Err)
	}
	return fmt.Sprintf("sandbox: %s exited with code %d", e.Run.Entry, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
