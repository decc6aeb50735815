// Package ports hands out TCP ports for worker processes from a reserved
// contiguous range. Every port is bind-probed before assignment so that a
// foreign process squatting on a port inside the range cannot poison a
// worker start.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gantrylabs/gantry/pkg/metrics"
)

// ErrPortExhausted is returned when no port in the range is both
// unallocated and bindable.
var ErrPortExhausted = errors.New("ports: range exhausted")

// ProbeFunc reports whether a port is currently bindable on loopback.
type ProbeFunc func(port int) bool

// Allocator manages the reserved port range [Lo, Hi].
type Allocator struct {
	lo, hi int
	probe  ProbeFunc

	mu    sync.Mutex
	inUse map[int]bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the bind probe. Tests use this to simulate busy ports.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) { a.probe = p }
}

// New creates an allocator over the inclusive range [lo, hi].
func New(lo, hi int, opts ...Option) (*Allocator, error) {
	if lo <= 0 || hi < lo {
		return nil, fmt.Errorf("ports: invalid range [%d, %d]", lo, hi)
	}
	a := &Allocator{
		lo:    lo,
		hi:    hi,
		probe: bindProbe,
		inUse: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.publishFree()
	return a, nil
}

// Acquire returns the smallest free port that passes the bind probe.
// Ports that fail the probe are skipped for this call but stay in the
// free set; a foreign process releasing the port makes it assignable
// again without allocator intervention.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.lo; p <= a.hi; p++ {
		if a.inUse[p] {
			continue
		}
		if !a.probe(p) {
			continue
		}
		a.inUse[p] = true
		a.publishFreeLocked()
		return p, nil
	}
	return 0, ErrPortExhausted
}

// Release returns a port to the free set. Releasing a port that is not
// held, or one outside the range, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.lo || port > a.hi {
		return
	}
	delete(a.inUse, port)
	a.publishFreeLocked()
}

// Held reports whether the allocator currently considers port assigned.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[port]
}

// Free returns the number of unallocated ports in the range.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked()
}

func (a *Allocator) freeLocked() int {
	return a.hi - a.lo + 1 - len(a.inUse)
}

func (a *Allocator) publishFree() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishFreeLocked()
}

func (a *Allocator) publishFreeLocked() {
	metrics.SetPortsFree(a.freeLocked())
}

func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
