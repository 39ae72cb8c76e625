// Package resources gates the pipeline launch on local resources. The pipeline needs lots of scratch
// space on the work dir and memory for the aligners, so the launch can be postponed until the
// host has enough of both.
package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrNotReady returned when resources are not available and postpone is not allowed
var ErrNotReady = errors.New("resources not ready")

const gb = 1024 * 1024 * 1024

// Config defines required resources, zero value of any threshold disables its check
type Config struct {
	DiskFreeGB    float64       // minimal free space on DiskPath
	DiskPath      string        // "/" if empty
	MemoryBelow   int           // max memory usage, percent
	LoadAvgBelow  float64       // max 1 minute load average
	MaxPostpone   time.Duration // how long to wait for resources, 0 to fail right away
	CheckInterval time.Duration // 30s if empty
}

// Enabled checks if any threshold set
func (c Config) Enabled() bool {
	return c.DiskFreeGB > 0 || c.MemoryBelow > 0 || c.LoadAvgBelow > 0
}

// Gate checks resources against the config
type Gate struct {
	Config
	diskFree func(path string) (uint64, error)
	memUsed  func() (float64, error)
	load1    func() (float64, error)
}

// New makes gate reading host metrics
func New(cfg Config) *Gate {
	return &Gate{
		Config: cfg,
		diskFree: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
		memUsed: func() (float64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
		load1: func() (float64, error) {
			avg, err := load.Avg()
			if err != nil {
				return 0, err
			}
			return avg.Load1, nil
		},
	}
}

// Check verifies all thresholds, returns false with the first failed reason
func (g *Gate) Check() (ok bool, reason string) {
	if g.DiskFreeGB > 0 {
		path := g.DiskPath
		if path == "" {
			path = "/"
		}
		free, err := g.diskFree(path)
		if err != nil {
			return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
		}
		if freeGB := float64(free) / gb; freeGB < g.DiskFreeGB {
			return false, fmt.Sprintf("disk free %.1fGB on %s, need %.1fGB", freeGB, path, g.DiskFreeGB)
		}
	}

	if g.MemoryBelow > 0 {
		used, err := g.memUsed()
		if err != nil {
			return false, fmt.Sprintf("failed to get memory: %v", err)
		}
		if int(used) >= g.MemoryBelow {
			return false, fmt.Sprintf("memory at %d%%, threshold %d%%", int(used), g.MemoryBelow)
		}
	}

	if g.LoadAvgBelow > 0 {
		l1, err := g.load1()
		if err != nil {
			return false, fmt.Sprintf("failed to get load average: %v", err)
		}
		if l1 >= g.LoadAvgBelow {
			return false, fmt.Sprintf("load at %.2f, threshold %.2f", l1, g.LoadAvgBelow)
		}
	}
	return true, ""
}

// Wait blocks until resources are available. Without MaxPostpone it fails right away with ErrNotReady.
// When the postpone deadline reached the launch proceeds anyway.
func (g *Gate) Wait(ctx context.Context) error {
	ok, reason := g.Check()
	if ok {
		return nil
	}
	if g.MaxPostpone <= 0 {
		return fmt.Errorf("%w: %s", ErrNotReady, reason)
	}

	log.Printf("[INFO] launch postponed, %s, deadline: %s", reason, time.Now().Add(g.MaxPostpone).Format(time.RFC3339))

	interval := g.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.MaxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if ok, reason = g.Check(); ok {
				log.Printf("[INFO] resources available, launching")
				return nil
			}
			log.Printf("[DEBUG] resources not available yet, %s", reason)
		case <-deadline.C:
			log.Printf("[WARN] max postpone reached, launching anyway, %s", reason)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
