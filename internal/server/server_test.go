package server

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roadrl/carlaenv/internal/simfake"
	"github.com/roadrl/carlaenv/pkg/sim"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePorts is an in-memory socket table.
type fakePorts struct {
	mu   sync.Mutex
	used map[int]bool
	err  error
}

func newFakePorts(used ...int) *fakePorts {
	f := &fakePorts{used: map[int]bool{}}
	for _, p := range used {
		f.used[p] = true
	}
	return f
}

func (f *fakePorts) InUse(port int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[port], f.err
}

func TestAllocatePortPreferred(t *testing.T) {
	a := NewAllocator(newFakePorts(), 15000, 32000, rand.New(rand.NewSource(1)))

	port, err := a.AllocatePort(2000, true)
	require.NoError(t, err)
	assert.Equal(t, 2000, port)

	_, err = a.AllocatePort(2000, false)
	assert.ErrorIs(t, err, ErrPortAllocation, "reserved by the previous call")
	_, err = a.AllocatePort(2001, false)
	assert.ErrorIs(t, err, ErrPortAllocation, "auxiliary port is reserved too")
}

func TestAllocatePortPreferredInUse(t *testing.T) {
	a := NewAllocator(newFakePorts(2000), 15000, 32000, nil)
	_, err := a.AllocatePort(2000, false)
	assert.ErrorIs(t, err, ErrPortAllocation)
}

func TestAllocatePortSkipsUsedPairs(t *testing.T) {
	// only 100 and 101 are free
	var used []int
	for p := 90; p <= 110; p++ {
		if p != 100 && p != 101 {
			used = append(used, p)
		}
	}
	a := NewAllocator(newFakePorts(used...), 90, 110, rand.New(rand.NewSource(3)))

	port, err := a.AllocatePort(0, true)
	require.NoError(t, err)
	assert.Equal(t, 100, port)

	_, err = a.AllocatePort(0, true)
	assert.ErrorIs(t, err, ErrPortAllocation)
}

func TestAllocatePortNeverReturnsUsed(t *testing.T) {
	used := newFakePorts()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		used.used[15000+r.Intn(1000)] = true
	}
	a := NewAllocator(used, 15000, 16000, rand.New(rand.NewSource(9)))

	for i := 0; i < 50; i++ {
		port, err := a.AllocatePort(0, true)
		require.NoError(t, err)
		assert.False(t, used.used[port])
		assert.False(t, used.used[port+1])
		assert.GreaterOrEqual(t, port, 15000)
		assert.LessOrEqual(t, port, 16000)
	}
}

func TestAllocatePortConcurrentUnique(t *testing.T) {
	a := NewAllocator(newFakePorts(), 20000, 20400, nil)

	const n = 100
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := a.AllocatePort(0, true)
			assert.NoError(t, err)
			ports[i] = p
		}(i)
	}
	wg.Wait()

	taken := map[int]bool{}
	for _, p := range ports {
		assert.False(t, taken[p], "port %d returned twice", p)
		assert.False(t, taken[p+1], "port %d overlaps a pair", p+1)
		taken[p] = true
		taken[p+1] = true
	}
}

func TestAllocatePortCheckerError(t *testing.T) {
	ports := newFakePorts()
	ports.err = errors.New("netstat unavailable")
	a := NewAllocator(ports, 15000, 15010, nil)

	_, err := a.AllocatePort(0, false)
	assert.ErrorIs(t, err, ErrPortAllocation)
}

func TestTrafficManagerPort(t *testing.T) {
	a := NewAllocator(newFakePorts(20010, 20020), 15000, 32000, nil)

	port, err := a.AllocateTrafficManagerPort(20000)
	require.NoError(t, err)
	assert.Equal(t, 20030, port)
}

func TestRelease(t *testing.T) {
	a := NewAllocator(newFakePorts(), 100, 100, nil)
	port, err := a.AllocatePort(0, false)
	require.NoError(t, err)
	_, err = a.AllocatePort(0, false)
	require.ErrorIs(t, err, ErrPortAllocation)

	a.Release(port)
	again, err := a.AllocatePort(0, false)
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestCommand(t *testing.T) {
	s := NewSupervisor(Config{RenderMode: RenderWindowed, WindowX: 800, WindowY: 600, Map: "Town01"}, nil, nil, nil)
	assert.Equal(t, []string{"-windowed", "-ResX=800", "-ResY=600", "--carla-rpc-port=2000", "--map=Town01"}, s.Command(2000))

	s = NewSupervisor(Config{RenderMode: RenderOffscreen}, nil, nil, nil)
	assert.Equal(t, []string{"-RenderOffScreen", "--carla-rpc-port=2000"}, s.Command(2000))
}

func testConfig() Config {
	return Config{
		RenderMode:     RenderOffscreen,
		TrafficManager: true,
		TickSeconds:    0.05,
		ConnectRetries: 5,
		RetryBackoff:   2 * time.Second,
		MaxBackoff:     5 * time.Second,
		StartupGrace:   200 * time.Millisecond,
		KillGrace:      2 * time.Second,
	}
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	engine := simfake.New(simfake.DefaultOptions())
	calls := 0
	dial := DialFunc(func(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error) {
		calls++
		if calls < 4 {
			return nil, errors.New("connection refused")
		}
		return engine, nil
	})

	s := NewSupervisor(testConfig(), NewAllocator(newFakePorts(), 15000, 32000, nil), dial, nil)
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	p := s.Attach(2000, 8000)
	client, err := s.Connect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, engine, client)
	assert.Equal(t, 3, p.Retries())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second}, slept)

	settings, err := engine.FakeWorld().Settings(context.Background())
	require.NoError(t, err)
	assert.True(t, settings.SynchronousMode)
	assert.Equal(t, 0.05, settings.FixedDeltaSeconds)
}

func TestConnectExhaustsRetries(t *testing.T) {
	refused := errors.New("connection refused")
	dial := DialFunc(func(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error) {
		return nil, refused
	})
	s := NewSupervisor(testConfig(), NewAllocator(newFakePorts(), 15000, 32000, nil), dial, nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }

	p := s.Attach(2000, 0)
	_, err := s.Connect(context.Background(), p)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 5, p.Retries())
}

func TestConnectCancelled(t *testing.T) {
	dial := DialFunc(func(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error) {
		return nil, errors.New("connection refused")
	})
	s := NewSupervisor(testConfig(), NewAllocator(newFakePorts(), 15000, 32000, nil), dial, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Connect(ctx, s.Attach(2000, 0))
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartUnresolvableExecutable(t *testing.T) {
	cfg := testConfig()
	cfg.Executable = filepath.Join(t.TempDir(), "missing", "CarlaUE4.sh")
	s := NewSupervisor(cfg, NewAllocator(newFakePorts(), 15000, 32000, nil), nil, nil)

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrLaunch)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a unix host")
	}
	path := filepath.Join(t.TempDir(), "CarlaUE4.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestStartProcessExitsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Executable = writeScript(t, "exit 3")
	alloc := NewAllocator(newFakePorts(), 15000, 15001, nil)
	s := NewSupervisor(cfg, alloc, nil, nil)

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrLaunch)

	// ports were released
	_, err = alloc.AllocatePort(15000, true)
	assert.NoError(t, err)
}

func TestStartAndDestroy(t *testing.T) {
	cfg := testConfig()
	cfg.Executable = writeScript(t, "sleep 30 &\nsleep 30")
	s := NewSupervisor(cfg, NewAllocator(newFakePorts(), 15000, 32000, nil), nil, nil)

	p, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, p.PID())
	assert.Equal(t, p.RPCPort+10, p.TrafficManagerPort)
	assert.Contains(t, p.Args, "-RenderOffScreen")
	assert.False(t, p.Exited())

	require.NoError(t, s.Destroy(p))
	assert.True(t, p.Exited())
	require.NoError(t, s.Destroy(p), "destroy is idempotent")
}

// alive reports whether pid is still running. A zombie awaiting reaping by
// init counts as stopped.
func alive(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	return len(status) == 0 || status[0] != process.Zombie
}

func readPID(t *testing.T, path string) int32 {
	t.Helper()
	var pid int32
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		pid = int32(n)
		return err == nil && n > 0
	}, 3*time.Second, 20*time.Millisecond)
	return pid
}

func TestDestroyStopsOrphansOfExitedLauncher(t *testing.T) {
	cfg := testConfig()
	pidFile := filepath.Join(t.TempDir(), "server.pid")
	cfg.Executable = writeScript(t, "sleep 30 &\necho $! > '"+pidFile+"'\nsleep 0.5\nexit 0")
	s := NewSupervisor(cfg, NewAllocator(newFakePorts(), 15000, 32000, nil), nil, nil)

	p, err := s.Start(context.Background())
	require.NoError(t, err)
	child := readPID(t, pidFile)
	require.Eventually(t, p.Exited, 3*time.Second, 20*time.Millisecond, "launcher should exit on its own")
	require.True(t, alive(child), "server process outlives the launcher")

	require.NoError(t, s.Destroy(p))
	assert.Eventually(t, func() bool { return !alive(child) }, 3*time.Second, 20*time.Millisecond)
}
