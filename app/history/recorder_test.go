package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/exorun/app/launcher/request"
)

func TestRecorder(t *testing.T) {
	store := prepStore(t)
	rec := &Recorder{Store: store, Keep: 2}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, runErr := range []error{nil, errors.New("exit status 3"), nil} {
		st := start.Add(time.Duration(i) * time.Hour)
		rec.OnRunStart(request.OnRunStart{JobStore: "/data/js", CommandLine: "python exome.py /data/js",
			Host: "worker-1", StartTime: st})
		exitCode := 0
		if runErr != nil {
			exitCode = 3
		}
		rec.OnRunComplete(request.OnRunComplete{JobStore: "/data/js", StartTime: st, EndTime: st.Add(time.Minute),
			ExitCode: exitCode, Attempts: 1, Output: fmt.Sprintf("run %d", i), Err: runErr})
	}

	runs, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 2, "old runs cleaned")
	assert.Equal(t, RunStatusSuccess, runs[0].Status)
	assert.Equal(t, RunStatusFailed, runs[1].Status)
	assert.Equal(t, 3, runs[1].ExitCode)

	r, err := store.Get(runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "run 2", r.Output)
	assert.Equal(t, time.Minute, r.Duration())
}

func TestRecorder_CompleteWithoutStart(t *testing.T) {
	store := prepStore(t)
	rec := &Recorder{Store: store}
	rec.OnRunComplete(request.OnRunComplete{JobStore: "/data/js", EndTime: time.Now()})
	runs, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, RunStatusSuccess, StatusOf(nil))
	assert.Equal(t, RunStatusFailed, StatusOf(errors.New("exit status 1")))
	assert.Equal(t, RunStatusInterrupted, StatusOf(fmt.Errorf("%w, signal: terminated", context.Canceled)))
	assert.Equal(t, RunStatusInterrupted, StatusOf(context.DeadlineExceeded))
}
