package ports

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func alwaysFree(int) bool { return true }

func TestAcquireSmallestFirst(t *testing.T) {
	a, err := New(42000, 42004, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for want := 42000; want <= 42002; want++ {
		got, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if got != want {
			t.Fatalf("Acquire = %d, want %d", got, want)
		}
	}

	a.Release(42001)
	got, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got != 42001 {
		t.Fatalf("Acquire = %d, want recycled 42001", got)
	}
}

func TestAcquireSkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{42000: true, 42001: true}
	a, err := New(42000, 42003, WithProbe(func(p int) bool { return !busy[p] }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != 42002 {
		t.Fatalf("Acquire = %d, want 42002 (first probe-clean port)", got)
	}

	// A skipped port is not burned: once the foreign process goes away it
	// is assignable again.
	delete(busy, 42000)
	got, err = a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != 42000 {
		t.Fatalf("Acquire = %d, want 42000 after squatter left", got)
	}
}

func TestExhaustion(t *testing.T) {
	a, err := New(42000, 42001, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("Acquire on empty range = %v, want ErrPortExhausted", err)
	}

	// All ports present but none bindable counts as exhausted too.
	b, _ := New(42000, 42010, WithProbe(func(int) bool { return false }))
	if _, err := b.Acquire(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("Acquire with all ports busy = %v, want ErrPortExhausted", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	a, err := New(42000, 42002, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, _ := a.Acquire()
	a.Release(p)
	a.Release(p)
	a.Release(99999) // out of range, no-op
	if got := a.Free(); got != 3 {
		t.Fatalf("Free = %d, want 3", got)
	}
}

func TestBindProbeDetectsListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind loopback: %v", err)
	}
	defer func() { _ = l.Close() }()
	port := l.Addr().(*net.TCPAddr).Port

	a, err := New(port, port)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Acquire(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("Acquire over occupied port = %v, want ErrPortExhausted", err)
	}

	_ = l.Close()
	got, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire after close: %v", err)
	}
	if got != port {
		t.Fatalf("Acquire = %d, want %d", got, port)
	}
}

func TestInvalidRange(t *testing.T) {
	for _, tc := range [][2]int{{0, 10}, {-1, 5}, {100, 99}} {
		if _, err := New(tc[0], tc[1]); err == nil {
			t.Errorf("New(%d, %d) should fail", tc[0], tc[1])
		}
	}
}

func TestHeld(t *testing.T) {
	a, _ := New(42000, 42001, WithProbe(alwaysFree))
	p, _ := a.Acquire()
	if !a.Held(p) {
		t.Fatalf("Held(%d) = false after acquire", p)
	}
	a.Release(p)
	if a.Held(p) {
		t.Fatalf("Held(%d) = true after release", p)
	}
}

func ExampleAllocator() {
	a, _ := New(42000, 42004, WithProbe(func(int) bool { return true }))
	p, _ := a.Acquire()
	fmt.Println(p)
	// Output: 42000
}
