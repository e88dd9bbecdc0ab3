package crash

import "fmt"

// HandlerInstallError reports that the crash handler could not be set up.
// Capture is disabled for the remainder of the process; the error never
// affects the process's own execution.
type HandlerInstallError struct {
	Step string
	Err  error
}

func (e *HandlerInstallError) Error() string {
	return fmt.Sprintf("installing crash handler: %s: %v", e.Step, e.Err)
}

func (e *HandlerInstallError) Unwrap() error { return e.Err }

// LaunchError reports that the helper process could not be run. The
// original fault is still re-raised.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching helper %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
