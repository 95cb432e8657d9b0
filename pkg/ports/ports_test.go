package ports

import (
	"errors"
	"testing"
	"time"
)

// alwaysFree skips the OS probe so tests exercise map bookkeeping alone.
func alwaysFree(int) bool { return true }

func newTestAllocator(t *testing.T, start, end int) *Allocator {
	t.Helper()
	a, err := NewAllocator(&Options{Start: start, End: end, Probe: alwaysFree})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestNewAllocator_RejectsInvalidRanges(t *testing.T) {
	cases := []struct {
		name       string
		start, end int
	}{
		{"start above end", 3099, 3001},
		{"start equals end", 3001, 3001},
		{"negative start", -1, 3099},
		{"end too large", 3001, 70000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAllocator(&Options{Start: tc.start, End: tc.end})
			if !errors.Is(err, ErrInvalidPortRange) {
				t.Fatalf("NewAllocator(%d, %d) error = %v, want ErrInvalidPortRange", tc.start, tc.end, err)
			}
		})
	}
}

func TestAllocate_Idempotent(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	first, err := a.Allocate("mem")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := a.Allocate("mem")
	if err != nil {
		t.Fatalf("Allocate (repeat): %v", err)
	}
	if first != second {
		t.Fatalf("repeat Allocate = %d, want %d", second, first)
	}
}

func TestAllocate_PreferredPort(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	port, err := a.Allocate("mem", 3007)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 3007 {
		t.Fatalf("Allocate preferred = %d, want 3007", port)
	}

	// A preferred port outside the range falls back to the scan.
	port, err = a.Allocate("other", 9999)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 3001 {
		t.Fatalf("Allocate out-of-range preferred = %d, want 3001", port)
	}
}

func TestAllocate_MappingsStayInLockstep(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	names := []string{"alpha", "beta", "gamma"}
	for _, name := range names {
		if _, err := a.Allocate(name); err != nil {
			t.Fatalf("Allocate(%s): %v", name, err)
		}
	}
	for _, name := range names {
		port, ok := a.PortForName(name)
		if !ok {
			t.Fatalf("PortForName(%s) missing", name)
		}
		back, ok := a.NameForPort(port)
		if !ok || back != name {
			t.Fatalf("NameForPort(%d) = %q, %v; want %q", port, back, ok, name)
		}
		if port < 3001 || port > 3010 {
			t.Fatalf("port %d outside range", port)
		}
	}
}

func TestAllocate_Exhaustion(t *testing.T) {
	a := newTestAllocator(t, 3001, 3002)
	if _, err := a.Allocate("one"); err != nil {
		t.Fatalf("Allocate(one): %v", err)
	}
	if _, err := a.Allocate("two"); err != nil {
		t.Fatalf("Allocate(two): %v", err)
	}
	_, err := a.Allocate("three")
	if !errors.Is(err, ErrNoPortsAvailable) {
		t.Fatalf("Allocate(three) error = %v, want ErrNoPortsAvailable", err)
	}
}

func TestAllocate_SkipsUnbindablePorts(t *testing.T) {
	busy := map[int]bool{3001: true, 3002: true}
	a, err := NewAllocator(&Options{Start: 3001, End: 3010, Probe: func(p int) bool { return !busy[p] }})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	port, err := a.Allocate("mem")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 3003 {
		t.Fatalf("Allocate = %d, want 3003 (first bindable)", port)
	}
}

func TestRelease_ReturnsTrueOnceThenFalse(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	if _, err := a.Allocate("mem"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !a.Release("mem") {
		t.Fatal("first Release = false, want true")
	}
	if a.Release("mem") {
		t.Fatal("second Release = true, want false")
	}
	if _, ok := a.PortForName("mem"); ok {
		t.Fatal("PortForName after Release should miss")
	}
}

func TestReserve_FlagExpiresWithoutReleasing(t *testing.T) {
	a, err := NewAllocator(&Options{
		Start:              3001,
		End:                3010,
		Probe:              alwaysFree,
		ReservationTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	port, err := a.Allocate("mem")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Reserve("mem"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := a.ReservedPorts(); len(got) != 1 || got[0] != port {
		t.Fatalf("ReservedPorts = %v, want [%d]", got, port)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.ReservedPorts()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reservation flag never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The allocation itself survives the timer.
	if _, ok := a.PortForName("mem"); !ok {
		t.Fatal("allocation was released by reservation expiry")
	}
}

func TestReserve_Errors(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	if err := a.Reserve("ghost"); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Reserve(ghost) error = %v, want ErrNotAllocated", err)
	}
	p1, _ := a.Allocate("one")
	if _, err := a.Allocate("two"); err != nil {
		t.Fatalf("Allocate(two): %v", err)
	}
	p2, _ := a.PortForName("two")
	if err := a.Reserve("one", p2); !errors.Is(err, ErrPortMismatch) {
		t.Fatalf("Reserve(one, %d) error = %v, want ErrPortMismatch", p2, err)
	}
	if err := a.Reserve("one", p1); err != nil {
		t.Fatalf("Reserve(one, own port): %v", err)
	}
}

func TestRangeInfo(t *testing.T) {
	a := newTestAllocator(t, 3001, 3005)
	if _, err := a.Allocate("one"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate("two"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	info := a.RangeInfo()
	want := RangeInfo{Start: 3001, End: 3005, Total: 5, Allocated: 2, Available: 3}
	if info != want {
		t.Fatalf("RangeInfo = %+v, want %+v", info, want)
	}
}

func TestNextAvailable(t *testing.T) {
	a := newTestAllocator(t, 3001, 3005)
	if _, err := a.Allocate("one"); err != nil { // takes 3001
		t.Fatalf("Allocate: %v", err)
	}
	got := a.NextAvailable(3)
	want := []int{3002, 3003, 3004}
	if len(got) != len(want) {
		t.Fatalf("NextAvailable = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NextAvailable = %v, want %v", got, want)
		}
	}
}

func TestClose_EmptiesMappings(t *testing.T) {
	a := newTestAllocator(t, 3001, 3010)
	if _, err := a.Allocate("mem"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Reserve("mem"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a.Close()
	if len(a.Allocations()) != 0 {
		t.Fatal("Allocations not empty after Close")
	}
	if _, ok := a.PortForName("mem"); ok {
		t.Fatal("PortForName should miss after Close")
	}
}

func TestProbeLoopback_RealSocket(t *testing.T) {
	// Sanity-check the default probe against the OS: allocating with the
	// real loopback probe yields a port inside the configured range.
	a, err := NewAllocator(&Options{Start: 3001, End: 3099})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	port, err := a.Allocate("probe-check")
	if err != nil {
		t.Skipf("no free port in default range: %v", err)
	}
	if port < 3001 || port > 3099 {
		t.Fatalf("port %d outside range", port)
	}
}
