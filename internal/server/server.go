// Package server launches the simulator process, picks its ports and
// establishes the client connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/roadrl/carlaenv/pkg/sim"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrLaunch is returned when the simulator process cannot be started.
	ErrLaunch = errors.New("simulator launch failed")
	// ErrConnection is returned when every connection attempt failed.
	ErrConnection = errors.New("simulator connection failed")
)

const groupPollInterval = 50 * time.Millisecond

// Render modes.
const (
	RenderWindowed  = "windowed"
	RenderOffscreen = "offscreen"
)

// Config holds the launch and connection parameters.
type Config struct {
	Executable     string
	RenderMode     string
	WindowX        int
	WindowY        int
	Map            string
	Host           string
	Port           int // 0 allocates
	TrafficManager bool
	TickSeconds    float64
	StartupGrace   time.Duration
	KillGrace      time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
}

// Dialer opens a client connection to a simulator.
type Dialer interface {
	Dial(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context, host string, port int, timeout time.Duration) (sim.Client, error) {
	return f(ctx, host, port, timeout)
}

// Process is a running simulator owned by the Supervisor that started it.
type Process struct {
	RPCPort            int
	TrafficManagerPort int
	TickSeconds        float64
	Args               []string

	cmd    *exec.Cmd
	exited chan struct{}
	err    error // set before exited is closed

	mu        sync.Mutex
	destroyed bool
	retries   int
}

// PID returns the process id, or 0 for an attached process.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Retries returns the number of failed connection attempts so far.
func (p *Process) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	if p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Supervisor starts, connects to and tears down simulator processes.
type Supervisor struct {
	cfg    Config
	ports  *Allocator
	dialer Dialer
	logger *slog.Logger

	// sleep waits between connection attempts
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config, ports *Allocator, dialer Dialer, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 1
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		ports:  ports,
		dialer: dialer,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Command builds the simulator command line for rpcPort.
func (s *Supervisor) Command(rpcPort int) []string {
	var args []string
	if s.cfg.RenderMode == RenderWindowed {
		args = append(args,
			"-windowed",
			"-ResX="+strconv.Itoa(s.cfg.WindowX),
			"-ResY="+strconv.Itoa(s.cfg.WindowY),
		)
	} else {
		args = append(args, "-RenderOffScreen")
	}
	args = append(args, "--carla-rpc-port="+strconv.Itoa(rpcPort))
	if s.cfg.Map != "" {
		args = append(args, "--map="+s.cfg.Map)
	}
	return args
}

// Ports allocates the RPC port (with its auxiliary neighbour) and, when
// enabled, the traffic manager port.
func (s *Supervisor) Ports() (rpc, tm int, err error) {
	rpc, err = s.ports.AllocatePort(s.cfg.Port, true)
	if err != nil {
		return 0, 0, err
	}
	if s.cfg.TrafficManager {
		tm, err = s.ports.AllocateTrafficManagerPort(rpc)
		if err != nil {
			s.ports.Release(rpc, rpc+1)
			return 0, 0, err
		}
	}
	return rpc, tm, nil
}

// Start allocates ports and launches the executable in its own process
// group. A process that exits within the startup grace period is reported
// as ErrLaunch.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	path, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	rpc, tm, err := s.Ports()
	if err != nil {
		return nil, err
	}

	p := &Process{
		RPCPort:            rpc,
		TrafficManagerPort: tm,
		TickSeconds:        s.cfg.TickSeconds,
		Args:               s.Command(rpc),
		exited:             make(chan struct{}),
	}
	p.cmd = exec.Command(path, p.Args...)
	p.cmd.SysProcAttr = newProcessGroupAttr()

	s.logger.Info("Starting simulator", "executable", path, "args", p.Args)
	if err := p.cmd.Start(); err != nil {
		s.releasePorts(p)
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	go func() {
		p.err = p.cmd.Wait()
		close(p.exited)
	}()
	s.logger.Info("Started simulator", "pid", p.PID(), "rpcPort", rpc, "trafficManagerPort", tm)

	grace := time.NewTimer(s.cfg.StartupGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
		if err := s.reapGroup(p.PID()); err != nil {
			s.logger.Warn("Failed to stop leftover simulator processes", "error", err)
		}
		s.releasePorts(p)
		return nil, fmt.Errorf("%w: process exited during startup: %v", ErrLaunch, p.err)
	case <-ctx.Done():
		_ = s.Destroy(p)
		return nil, ctx.Err()
	case <-grace.C:
	}
	return p, nil
}

// Attach wraps an already running simulator listening on rpcPort.
func (s *Supervisor) Attach(rpcPort, tmPort int) *Process {
	return &Process{RPCPort: rpcPort, TrafficManagerPort: tmPort, TickSeconds: s.cfg.TickSeconds}
}

// Connect dials p with exponential backoff between attempts, then switches
// the world to synchronous stepping at the fixed tick.
func (s *Supervisor) Connect(ctx context.Context, p *Process) (sim.Client, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectRetries; attempt++ {
		if p.Exited() {
			return nil, fmt.Errorf("%w: simulator exited: %v", ErrConnection, p.err)
		}
		s.logger.Debug("Connecting to simulator", "host", s.cfg.Host, "port", p.RPCPort, "attempt", attempt)

		client, err := s.dialer.Dial(ctx, s.cfg.Host, p.RPCPort, s.cfg.ConnectTimeout)
		if err == nil {
			if err := s.configure(ctx, client, p.TickSeconds); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("%w: %w", ErrConnection, err)
			}
			s.logger.Info("Connected to simulator", "port", p.RPCPort, "attempts", attempt)
			return client, nil
		}

		lastErr = err
		p.mu.Lock()
		p.retries++
		p.mu.Unlock()
		s.logger.Warn("Failed to connect to simulator, retrying", "attempt", attempt, "error", err)

		if attempt == s.cfg.ConnectRetries {
			break
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnection, err)
		}
		backoff *= 2
		if s.cfg.MaxBackoff > 0 && backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
	return nil, fmt.Errorf("%w: port %d after %d attempts: %w", ErrConnection, p.RPCPort, s.cfg.ConnectRetries, lastErr)
}

func (s *Supervisor) configure(ctx context.Context, client sim.Client, tick float64) error {
	world, err := client.World(ctx)
	if err != nil {
		return fmt.Errorf("get world: %w", err)
	}
	settings, err := world.Settings(ctx)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}
	settings.SynchronousMode = true
	settings.FixedDeltaSeconds = tick
	if err := world.ApplySettings(ctx, settings); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	return nil
}

// Destroy terminates the process and all of its descendants, force-killing
// whatever survives the kill grace period, and releases the ports. Calling
// it again is a no-op.
func (s *Supervisor) Destroy(p *Process) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()

	defer s.releasePorts(p)
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	pgid := p.PID()
	if p.Exited() {
		// the launcher is gone but may have left the server running
		return s.reapGroup(pgid)
	}

	root, err := process.NewProcess(int32(pgid))
	if err != nil {
		return s.reapGroup(pgid)
	}
	tree := append(descendants(root), root)

	for _, proc := range tree {
		_ = proc.Terminate()
	}
	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
	case <-grace.C:
	}

	var errs []error
	for _, proc := range tree {
		if running, _ := proc.IsRunning(); !running {
			continue
		}
		if err := proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", proc.Pid, err))
		}
	}
	select {
	case <-p.exited:
	case <-time.After(s.cfg.KillGrace):
		errs = append(errs, fmt.Errorf("process %d still running after kill", p.PID()))
	}
	// children reparented away from the tree still share the group
	if err := s.reapGroup(pgid); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Simulator stopped", "pid", p.PID())
	return errors.Join(errs...)
}

// reapGroup stops whatever is left in the process group led by pgid: SIGTERM,
// then SIGKILL once the kill grace period has passed.
func (s *Supervisor) reapGroup(pgid int) error {
	if pgid <= 0 || !groupAlive(pgid) {
		return nil
	}
	s.logger.Warn("Stopping leftover simulator processes", "pgid", pgid)
	if err := terminateGroup(pgid); err != nil {
		return fmt.Errorf("terminate process group %d: %w", pgid, err)
	}
	deadline := time.Now().Add(s.cfg.KillGrace)
	for groupAlive(pgid) && time.Now().Before(deadline) {
		time.Sleep(groupPollInterval)
	}
	if err := killGroup(pgid); err != nil {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	return nil
}

// descendants lists the process tree below p, deepest first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}

func (s *Supervisor) releasePorts(p *Process) {
	if p.RPCPort == 0 {
		return
	}
	ports := []int{p.RPCPort, p.RPCPort + 1}
	if p.TrafficManagerPort != 0 {
		ports = append(ports, p.TrafficManagerPort)
	}
	s.ports.Release(ports...)
}
