package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// ErrPortAllocation is returned when no free port is found in the range.
var ErrPortAllocation = errors.New("port allocation failed")

const maxPort = 65535

// PortChecker reports whether a local port is bound by any process.
type PortChecker interface {
	InUse(port int) (bool, error)
}

// NetstatChecker inspects the host's socket table.
type NetstatChecker struct{}

// InUse implements PortChecker.
func (NetstatChecker) InUse(port int) (bool, error) {
	conns, err := psnet.Connections("all")
	if err != nil {
		return false, fmt.Errorf("list connections: %w", err)
	}
	for _, c := range conns {
		if int(c.Laddr.Port) == port {
			return true, nil
		}
	}
	return false, nil
}

// Allocator hands out ports that are neither bound on the host nor reserved
// by an earlier allocation in this process.
type Allocator struct {
	checker  PortChecker
	min, max int

	mu       sync.Mutex
	rng      *rand.Rand
	reserved map[int]bool
}

// NewAllocator scans [min, max]. rng picks the scan start; nil seeds from
// the clock.
func NewAllocator(checker PortChecker, min, max int, rng *rand.Rand) *Allocator {
	if checker == nil {
		checker = NetstatChecker{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if max > maxPort-1 {
		max = maxPort - 1
	}
	return &Allocator{
		checker:  checker,
		min:      min,
		max:      max,
		rng:      rng,
		reserved: make(map[int]bool),
	}
}

func (a *Allocator) free(port int) (bool, error) {
	if port <= 0 || port > maxPort || a.reserved[port] {
		return false, nil
	}
	used, err := a.checker.InUse(port)
	if err != nil {
		return false, err
	}
	return !used, nil
}

func (a *Allocator) freeRun(port, n int) (bool, error) {
	for i := 0; i < n; i++ {
		ok, err := a.free(port + i)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a *Allocator) reserve(port, n int) {
	for i := 0; i < n; i++ {
		a.reserved[port+i] = true
	}
}

// AllocatePort returns preferred when it is free, otherwise scans upward
// from a random start in the range, wrapping once. With pair set port+1
// must be free too and is reserved along with it.
func (a *Allocator) AllocatePort(preferred int, pair bool) (int, error) {
	n := 1
	if pair {
		n = 2
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred > 0 {
		ok, err := a.freeRun(preferred, n)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: preferred port %d is in use", ErrPortAllocation, preferred)
		}
		a.reserve(preferred, n)
		return preferred, nil
	}

	span := a.max - a.min + 1
	if span <= 0 {
		return 0, fmt.Errorf("%w: empty range [%d, %d]", ErrPortAllocation, a.min, a.max)
	}
	start := a.min + a.rng.Intn(span)
	for i := 0; i < span; i++ {
		port := a.min + (start-a.min+i)%span
		ok, err := a.freeRun(port, n)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
		}
		if ok {
			a.reserve(port, n)
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in [%d, %d]", ErrPortAllocation, a.min, a.max)
}

// AllocateTrafficManagerPort returns rpcPort+10, advanced by 10 while in use.
func (a *Allocator) AllocateTrafficManagerPort(rpcPort int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := rpcPort + 10; port <= maxPort; port += 10 {
		ok, err := a.free(port)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
		}
		if ok {
			a.reserve(port, 1)
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no traffic manager port above %d", ErrPortAllocation, rpcPort)
}

// Release returns ports to the pool.
func (a *Allocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.reserved, p)
	}
}
