package launcher

import (
	"errors"
	"fmt"
	"os/exec"
)

// RunError reports failed pipeline run with its exit code
type RunError struct {
	ExitCode int
	Attempts int
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline exited with code %d after %d attempt(s): %v", e.ExitCode, e.Attempts, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExitCode returns process exit code for the error returned by Launcher.Do
func ExitCode(err error) int {
	var re *RunError
	if errors.As(err, &re) {
		return re.ExitCode
	}
	return exitCodeOf(err)
}

// exitCodeOf extracts the pipeline exit code, 1 for errors without one (not started, killed by signal)
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}
