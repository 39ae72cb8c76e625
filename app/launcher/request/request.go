// Package request contains request types for run event handlers and notifications
package request

import "time"

// OnRunStart contains parameters for pipeline start event
type OnRunStart struct {
	JobStore    string
	CommandLine string
	Host        string
	StartTime   time.Time
	Restart     bool
}

// OnRunComplete contains parameters for pipeline completion event
type OnRunComplete struct {
	JobStore    string
	CommandLine string
	Host        string
	StartTime   time.Time
	EndTime     time.Time
	ExitCode    int
	Attempts    int
	Output      string
	Err         error
}

// Duration returns run duration rounded to seconds
func (r OnRunComplete) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime).Round(time.Second)
}
