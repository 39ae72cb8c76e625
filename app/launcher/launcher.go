// Package launcher runs the external exome variant pipeline. It prepares local directories,
// optionally checks inputs and resources, executes the pipeline and streams its output,
// then reports the outcome to event handlers and notifiers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/exorun/app/launcher/request"
	"github.com/umputun/exorun/app/pipeline"
)

// Launcher prepares and runs a single pipeline launch. Options expected to be expanded already.
type Launcher struct {
	Options         pipeline.Options
	MakeOutputDir   bool // create output dir along with mount dir
	Resumer         Resumer
	Repeater        Repeater
	Preflight       Preflight
	Gate            Gate
	Notifier        Notifier
	EventHandlers   []RunEventHandler
	Stdout          io.Writer
	EnableLogPrefix bool
	MaxLogLines     int // lines of output kept for notifications and history
	NotifyTimeout   time.Duration
	StopTimeout     time.Duration // time given to the pipeline to exit after SIGTERM
	HostName        string
	DryRun          bool     // print command line instead of running it
	Env             []string // pipeline environment, nil inherits the launcher's

	live atomic.Pointer[OutputCapture]
}

// Resumer keeps markers of started runs and detects interrupted job stores
type Resumer interface {
	OnStart(jobStore, cmd string) (string, error)
	OnFinish(marker string) error
	Interrupted(jobStore string) bool
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Preflight checks pipeline inputs before the launch
type Preflight interface {
	Check(ctx context.Context, opts pipeline.Options) error
}

// Gate blocks until resources are available, error means launch should not happen
type Gate interface {
	Wait(ctx context.Context) error
}

// Notifier delivers notifications on failed and completed runs
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(r request.OnRunComplete) (string, error)
	MakeCompletionHTML(r request.OnRunComplete) (string, error)
}

// RunEventHandler gets run start and completion events
type RunEventHandler interface {
	OnRunStart(req request.OnRunStart)
	OnRunComplete(req request.OnRunComplete)
}

// Do prepares directories and runs the pipeline, blocking until it exits.
// Failed pipeline reported as *RunError with the pipeline's exit code.
func (l *Launcher) Do(ctx context.Context) error {
	if l.Stdout == nil {
		l.Stdout = os.Stdout
	}
	if l.Repeater == nil {
		l.Repeater = repeater.New(&strategy.Once{})
	}
	opts := l.Options

	if err := EnsureDir(opts.MountDir); err != nil {
		return fmt.Errorf("failed to prepare mount: %w", err)
	}
	log.Printf("[DEBUG] mount directory %s ready", opts.MountDir)

	if l.MakeOutputDir && opts.OutputDir != "" {
		if err := EnsureDir(opts.OutputDir); err != nil {
			return fmt.Errorf("failed to prepare output: %w", err)
		}
	}

	if l.Preflight != nil {
		if err := l.Preflight.Check(ctx, opts); err != nil {
			return fmt.Errorf("preflight failed: %w", err)
		}
		log.Printf("[INFO] preflight passed")
	}

	if l.Gate != nil {
		if err := l.Gate.Wait(ctx); err != nil {
			return fmt.Errorf("launch canceled: %w", err)
		}
	}

	if l.Resumer != nil && l.Resumer.Interrupted(opts.JobStore) {
		log.Printf("[INFO] interrupted run detected for %s, restarting job store", opts.JobStore)
		opts.Restart = true
	}

	if l.DryRun {
		_, err := fmt.Fprintln(l.Stdout, opts.CommandLine())
		return err
	}
	return l.run(ctx, opts)
}

// LiveOutput returns the last captured lines of the running pipeline, empty if nothing runs
func (l *Launcher) LiveOutput() string {
	if c := l.live.Load(); c != nil {
		return c.GetOutput()
	}
	return ""
}

func (l *Launcher) run(ctx context.Context, opts pipeline.Options) error {
	var marker string
	if l.Resumer != nil {
		m, err := l.Resumer.OnStart(opts.JobStore, opts.CommandLine())
		if err != nil {
			return fmt.Errorf("failed to register run for %s: %w", opts.JobStore, err)
		}
		marker = m
	}

	capture := NewOutputCapture(l.MaxLogLines)
	l.live.Store(capture)
	defer l.live.Store(nil)

	startTime := time.Now()
	for _, h := range l.EventHandlers {
		h.OnRunStart(request.OnRunStart{JobStore: opts.JobStore, CommandLine: opts.CommandLine(),
			Host: l.HostName, StartTime: startTime, Restart: opts.Restart})
	}

	attempts := 0
	var lastErr error
	err := l.Repeater.Do(ctx, func() error {
		if e := ctx.Err(); e != nil {
			return e
		}
		attempts++
		runOpts := opts
		if attempts > 1 {
			runOpts.Restart = true
			log.Printf("[INFO] relaunching %s, attempt %d", opts.JobStore, attempts)
		}
		lastErr = l.execute(ctx, runOpts, capture)
		return lastErr
	})
	if err != nil && lastErr != nil {
		err = lastErr // repeater may report context error instead of the pipeline's own
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w, %w", ctx.Err(), err) // killed on cancel, keep both for callers
	}

	complete := request.OnRunComplete{
		JobStore:    opts.JobStore,
		CommandLine: opts.CommandLine(),
		Host:        l.HostName,
		StartTime:   startTime,
		EndTime:     time.Now(),
		ExitCode:    exitCodeOf(err),
		Attempts:    attempts,
		Output:      capture.GetOutput(),
		Err:         err,
	}
	for _, h := range l.EventHandlers {
		h.OnRunComplete(complete)
	}

	notifyTimeout := l.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}
	// notify even if the launch was canceled
	ctxNotify, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if e := l.notify(ctxNotify, complete); e != nil {
		log.Printf("[WARN] failed to notify, %v", e)
	}

	if err != nil {
		// marker kept, next launch with resume enabled restarts the job store
		return &RunError{ExitCode: complete.ExitCode, Attempts: attempts, Err: err}
	}

	if marker != "" {
		if e := l.Resumer.OnFinish(marker); e != nil {
			log.Printf("[WARN] failed to finish resumer for %s, %v", marker, e)
		}
	}
	log.Printf("[INFO] pipeline completed for %s in %v", opts.JobStore, complete.Duration())
	return nil
}

func (l *Launcher) execute(ctx context.Context, opts pipeline.Options, capture *OutputCapture) error {
	name, args := opts.Command()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}
	cmd.Env = l.Env

	out := l.Stdout
	if l.EnableLogPrefix {
		out = NewLogPrefixer(out, filepath.Base(opts.JobStore))
	}
	w := io.MultiWriter(capture, out)
	cmd.Stdout = w
	cmd.Stderr = w

	log.Printf("[INFO] launching %s", opts.CommandLine())
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		// pipeline itself exited with 0, only its background children kept the output open
		log.Printf("[WARN] pipeline %s exited, but output was not closed in %v", opts.Script, cmd.WaitDelay)
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline %s failed: %w", opts.Script, err)
	}
	return nil
}

func (l *Launcher) notify(ctx context.Context, r request.OnRunComplete) error {
	if l.Notifier == nil || reflect.ValueOf(l.Notifier).IsNil() {
		return nil
	}

	if r.Err != nil && l.Notifier.IsOnError() {
		msg, err := l.Notifier.MakeErrorHTML(r)
		if err != nil {
			return fmt.Errorf("can't make error message: %w", err)
		}
		if err := l.Notifier.Send(ctx, fmt.Sprintf("pipeline failed for %s on %s", r.JobStore, l.HostName), msg); err != nil {
			return fmt.Errorf("failed to send error notification: %w", err)
		}
		return nil
	}

	if r.Err == nil && l.Notifier.IsOnCompletion() {
		msg, err := l.Notifier.MakeCompletionHTML(r)
		if err != nil {
			return fmt.Errorf("can't make completion message: %w", err)
		}
		if err := l.Notifier.Send(ctx, fmt.Sprintf("pipeline completed for %s on %s", r.JobStore, l.HostName), msg); err != nil {
			return fmt.Errorf("failed to send completion notification: %w", err)
		}
	}
	return nil
}
