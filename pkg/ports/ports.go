// Package ports reserves local TCP ports for stdio backends out of a fixed
// range. The allocator keeps a bidirectional name↔port mapping, probes the OS
// for actual bindability before handing a port out, and supports short-lived
// reservations that expire on a timer without releasing the allocation.
package ports

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Options configure an Allocator.
type Options struct {
	// Start and End bound the inclusive port range. Defaults to 3001–3099.
	Start int
	End   int
	// ReservationTimeout controls how long a reservation flag stays set.
	// Defaults to 60 seconds.
	ReservationTimeout time.Duration
	// Probe overrides the OS bindability check, primarily for tests. When
	// nil, the allocator attempts to bind a loopback listener and closes it.
	Probe func(port int) bool
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Start == 0 && opts.End == 0 {
		opts.Start, opts.End = 3001, 3099
	}
	if opts.ReservationTimeout <= 0 {
		opts.ReservationTimeout = 60 * time.Second
	}
	if opts.Probe == nil {
		opts.Probe = probeLoopback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Allocation is a snapshot of one port assignment.
type Allocation struct {
	Port        int       `json:"port"`
	Name        string    `json:"name"`
	AllocatedAt time.Time `json:"allocatedAt"`
	Reserved    bool      `json:"reserved"`
}

// RangeInfo summarizes pool occupancy.
type RangeInfo struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	Total     int `json:"total"`
	Allocated int `json:"allocated"`
	Available int `json:"available"`
}

type allocation struct {
	name        string
	allocatedAt time.Time
	reserved    bool
	timer       *time.Timer
}

// Allocator owns the port pool. All methods are safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	opts   Options
	byPort map[int]*allocation
	byName map[string]int
}

// NewAllocator builds an Allocator, validating the configured range.
func NewAllocator(opts *Options) (*Allocator, error) {
	o := opts.withDefaults()
	if o.Start < 1 || o.Start > 65535 || o.End < 1 || o.End > 65535 || o.Start >= o.End {
		return nil, fmt.Errorf("ports: range %d–%d: %w", o.Start, o.End, ErrInvalidPortRange)
	}
	return &Allocator{
		opts:   o,
		byPort: make(map[int]*allocation),
		byName: make(map[string]int),
	}, nil
}

func probeLoopback(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Allocate returns the port assigned to name, assigning one if needed.
// Repeat calls for the same name return the same port. When preferred is
// supplied, in range, unassigned, and bindable, it is used; otherwise the
// allocator scans the range for the first free bindable port.
func (a *Allocator) Allocate(name string, preferred ...int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byName[name]; ok {
		return port, nil
	}

	if len(preferred) > 0 {
		p := preferred[0]
		if p >= a.opts.Start && p <= a.opts.End {
			if _, taken := a.byPort[p]; !taken && a.opts.Probe(p) {
				a.assignLocked(name, p)
				return p, nil
			}
		}
	}

	for p := a.opts.Start; p <= a.opts.End; p++ {
		if _, taken := a.byPort[p]; taken {
			continue
		}
		if !a.opts.Probe(p) {
			continue
		}
		a.assignLocked(name, p)
		return p, nil
	}
	return 0, fmt.Errorf("ports: allocate %q: %w", name, ErrNoPortsAvailable)
}

func (a *Allocator) assignLocked(name string, port int) {
	a.byPort[port] = &allocation{name: name, allocatedAt: time.Now()}
	a.byName[name] = port
	a.opts.Logger.Debug("port allocated", "name", name, "port", port)
}

// Reserve marks an allocated port as reserved and arms a single-shot timer
// that clears the flag after the reservation timeout. The allocation itself
// is not released when the timer fires. When port is omitted, the name's own
// port is reserved.
func (a *Allocator) Reserve(name string, port ...int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, ok := a.byName[name]
	if !ok {
		return fmt.Errorf("ports: reserve %q: %w", name, ErrNotAllocated)
	}
	if len(port) > 0 && port[0] != target {
		alloc, held := a.byPort[port[0]]
		if !held {
			return fmt.Errorf("ports: reserve %q port %d: %w", name, port[0], ErrNotAllocated)
		}
		return fmt.Errorf("ports: reserve %q port %d held by %q: %w", name, port[0], alloc.name, ErrPortMismatch)
	}

	alloc := a.byPort[target]
	if alloc.timer != nil {
		alloc.timer.Stop()
	}
	alloc.reserved = true
	alloc.timer = time.AfterFunc(a.opts.ReservationTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.byPort[target]; ok && cur.name == name {
			cur.reserved = false
			cur.timer = nil
		}
	})
	return nil
}

// Release drops the name↔port mapping and cancels any reservation timer.
// It reports whether a mapping existed.
func (a *Allocator) Release(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byName[name]
	if !ok {
		return false
	}
	if alloc := a.byPort[port]; alloc != nil && alloc.timer != nil {
		alloc.timer.Stop()
	}
	delete(a.byPort, port)
	delete(a.byName, name)
	a.opts.Logger.Debug("port released", "name", name, "port", port)
	return true
}

// PortForName returns the port assigned to name.
func (a *Allocator) PortForName(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byName[name]
	return port, ok
}

// NameForPort returns the name holding port.
func (a *Allocator) NameForPort(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byPort[port]
	if !ok {
		return "", false
	}
	return alloc.name, true
}

// Allocations returns a snapshot of every assignment, ordered by port.
func (a *Allocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, 0, len(a.byPort))
	for port, alloc := range a.byPort {
		out = append(out, Allocation{
			Port:        port,
			Name:        alloc.name,
			AllocatedAt: alloc.allocatedAt,
			Reserved:    alloc.reserved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ReservedPorts returns the ports currently flagged as reserved, ascending.
func (a *Allocator) ReservedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for port, alloc := range a.byPort {
		if alloc.reserved {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// RangeInfo reports pool occupancy.
func (a *Allocator) RangeInfo() RangeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.opts.End - a.opts.Start + 1
	return RangeInfo{
		Start:     a.opts.Start,
		End:       a.opts.End,
		Total:     total,
		Allocated: len(a.byPort),
		Available: total - len(a.byPort),
	}
}

// NextAvailable returns up to k unassigned, bindable ports in range order.
func (a *Allocator) NextAvailable(k int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for p := a.opts.Start; p <= a.opts.End && len(out) < k; p++ {
		if _, taken := a.byPort[p]; taken {
			continue
		}
		if !a.opts.Probe(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Close cancels all reservation timers and empties both mappings.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alloc := range a.byPort {
		if alloc.timer != nil {
			alloc.timer.Stop()
		}
	}
	a.byPort = make(map[int]*allocation)
	a.byName = make(map[string]int)
}
