package history

import (
	"context"
	"errors"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/exorun/app/launcher/request"
)

// Recorder saves launcher events to the store. Store failures are logged and never
// affect the run.
type Recorder struct {
	Store *Store
	Keep  int // runs to keep, 0 keeps all

	mu sync.Mutex
	id int64
}

// OnRunStart records started run
func (r *Recorder) OnRunStart(req request.OnRunStart) {
	id, err := r.Store.Start(Run{JobStore: req.JobStore, Command: req.CommandLine, Host: req.Host,
		StartedAt: req.StartTime, Restart: req.Restart})
	if err != nil {
		log.Printf("[WARN] failed to record run start for %s, %v", req.JobStore, err)
		return
	}
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	log.Printf("[DEBUG] run %d recorded for %s", id, req.JobStore)
}

// OnRunComplete records run outcome and removes old runs
func (r *Recorder) OnRunComplete(req request.OnRunComplete) {
	r.mu.Lock()
	id := r.id
	r.id = 0
	r.mu.Unlock()
	if id == 0 {
		return // start not recorded
	}

	if err := r.Store.Finish(id, req.EndTime, StatusOf(req.Err), req.ExitCode, req.Attempts, req.Output); err != nil {
		log.Printf("[WARN] failed to record run completion for %s, %v", req.JobStore, err)
		return
	}

	if r.Keep > 0 {
		n, err := r.Store.Cleanup(r.Keep)
		if err != nil {
			log.Printf("[WARN] %v", err)
			return
		}
		if n > 0 {
			log.Printf("[DEBUG] removed %d old runs", n)
		}
	}
}

// StatusOf maps run error to status, canceled run is interrupted
func StatusOf(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunStatusInterrupted
	default:
		return RunStatusFailed
	}
}
