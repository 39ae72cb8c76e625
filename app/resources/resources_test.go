package resources

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Check(t *testing.T) {
	tbl := []struct {
		name   string
		cfg    Config
		free   uint64
		mem    float64
		load   float64
		ok     bool
		reason string
	}{
		{name: "nothing enabled", cfg: Config{}, ok: true},
		{name: "disk enough", cfg: Config{DiskFreeGB: 100, DiskPath: "/mnt"}, free: 200 * gb, ok: true},
		{name: "disk not enough", cfg: Config{DiskFreeGB: 100, DiskPath: "/mnt"}, free: 50 * gb,
			reason: "disk free 50.0GB on /mnt, need 100.0GB"},
		{name: "memory ok", cfg: Config{MemoryBelow: 80}, mem: 50.5, ok: true},
		{name: "memory high", cfg: Config{MemoryBelow: 80}, mem: 91.2, reason: "memory at 91%, threshold 80%"},
		{name: "load ok", cfg: Config{LoadAvgBelow: 4}, load: 1.5, ok: true},
		{name: "load high", cfg: Config{LoadAvgBelow: 4}, load: 6.25, reason: "load at 6.25, threshold 4.00"},
		{name: "disk checked first", cfg: Config{DiskFreeGB: 10, MemoryBelow: 10}, free: gb, mem: 50,
			reason: "disk free 1.0GB on /, need 10.0GB"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			g := fakeGate(tt.cfg, tt.free, tt.mem, tt.load)
			ok, reason := g.Check()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestGate_CheckProbeErrors(t *testing.T) {
	g := New(Config{DiskFreeGB: 1})
	g.diskFree = func(string) (uint64, error) { return 0, errors.New("no such path") }
	ok, reason := g.Check()
	assert.False(t, ok)
	assert.Equal(t, "failed to get disk usage for /: no such path", reason)

	g = New(Config{MemoryBelow: 50})
	g.memUsed = func() (float64, error) { return 0, errors.New("no proc") }
	ok, reason = g.Check()
	assert.False(t, ok)
	assert.Equal(t, "failed to get memory: no proc", reason)
}

func TestGate_Wait(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		g := fakeGate(Config{DiskFreeGB: 1}, 2*gb, 0, 0)
		require.NoError(t, g.Wait(context.Background()))
	})

	t.Run("not ready, no postpone", func(t *testing.T) {
		g := fakeGate(Config{DiskFreeGB: 10}, 2*gb, 0, 0)
		err := g.Wait(context.Background())
		require.ErrorIs(t, err, ErrNotReady)
		assert.Contains(t, err.Error(), "disk free 2.0GB")
	})

	t.Run("becomes ready", func(t *testing.T) {
		g := fakeGate(Config{DiskFreeGB: 10, MaxPostpone: time.Second, CheckInterval: 10 * time.Millisecond}, 0, 0, 0)
		var calls int32
		g.diskFree = func(string) (uint64, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return gb, nil
			}
			return 20 * gb, nil
		}
		require.NoError(t, g.Wait(context.Background()))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("deadline reached", func(t *testing.T) {
		g := fakeGate(Config{MemoryBelow: 50, MaxPostpone: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond}, 0, 90, 0)
		st := time.Now()
		require.NoError(t, g.Wait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(st), 50*time.Millisecond)
	})

	t.Run("canceled", func(t *testing.T) {
		g := fakeGate(Config{MemoryBelow: 50, MaxPostpone: time.Minute, CheckInterval: 10 * time.Millisecond}, 0, 90, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	})
}

func TestGate_RealMetrics(t *testing.T) {
	g := New(Config{DiskFreeGB: 0.000001, DiskPath: t.TempDir(), MemoryBelow: 101, LoadAvgBelow: 100000})
	ok, reason := g.Check()
	assert.True(t, ok, reason)
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{MaxPostpone: time.Minute, DiskPath: "/"}.Enabled())
	assert.True(t, Config{DiskFreeGB: 1}.Enabled())
	assert.True(t, Config{MemoryBelow: 1}.Enabled())
	assert.True(t, Config{LoadAvgBelow: 1}.Enabled())
}

func fakeGate(cfg Config, free uint64, memUsed, load1 float64) *Gate {
	g := New(cfg)
	g.diskFree = func(string) (uint64, error) { return free, nil }
	g.memUsed = func() (float64, error) { return memUsed, nil }
	g.load1 = func() (float64, error) { return load1, nil }
	return g
}
