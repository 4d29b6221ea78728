package backend

import (
	"errors"
	"testing"
)

func TestAllocateAdvancesMonotonically(t *testing.T) {
	allocator := newPortAllocator(9500, 9510)
	allocator.probe = func(port int) bool { return true }

	for want := 9500; want < 9505; want++ {
		port, err := allocator.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if port != want {
			t.Fatalf("expected port %d, got %d", want, port)
		}
	}
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	allocator := newPortAllocator(9500, 9510)
	busy := map[int]bool{9500: true, 9501: true}
	allocator.probe = func(port int) bool { return !busy[port] }

	port, err := allocator.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 9502 {
		t.Fatalf("expected first free port 9502, got %d", port)
	}
}

func TestAllocateWrapsAround(t *testing.T) {
	allocator := newPortAllocator(9500, 9503)
	allocator.probe = func(port int) bool { return true }

	for i := 0; i < 3; i++ {
		if _, err := allocator.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}
	port, err := allocator.Allocate()
	if err != nil {
		t.Fatalf("Allocate after wrap: %v", err)
	}
	if port != 9500 {
		t.Fatalf("expected wraparound to 9500, got %d", port)
	}
}

func TestAllocateExhaustsRange(t *testing.T) {
	allocator := newPortAllocator(9500, 9505)
	allocator.probe = func(port int) bool { return false }

	if _, err := allocator.Allocate(); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
}

func TestAllocateDefaultRange(t *testing.T) {
	allocator := newPortAllocator(0, 0)
	if allocator.base != 9400 || allocator.limit != 9600 {
		t.Fatalf("unexpected default range %d-%d", allocator.base, allocator.limit)
	}
}
