package history

//go:generate go run github.com/go-pkgz/enum@latest -type runStatus -lower

// runStatus is the state of a recorded pipeline run.
// Input for the generator only, use the exported RunStatus and its values.
type runStatus int

const (
	runStatusRunning runStatus = iota
	runStatusSuccess
	runStatusFailed
	runStatusInterrupted
)
