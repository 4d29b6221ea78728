package backend

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrNoFreePort = errors.New("no free port in range")

// portAllocator hands out listening ports by probing a monotonically
// advancing counter against the OS port table. The counter keeps
// advancing across allocations so a just-released port is not
// immediately reused.
type portAllocator struct {
	mu    sync.Mutex
	base  int
	limit int
	next  int
	probe func(port int) bool
}

func newPortAllocator(base, limit int) *portAllocator {
	if base <= 0 {
		base = 9400
	}
	if limit <= base {
		limit = base + 200
	}
	return &portAllocator{
		base:  base,
		limit: limit,
		next:  base,
		probe: portFree,
	}
}

func (a *portAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.limit - a.base
	for i := 0; i < span; i++ {
		port := a.next
		a.next++
		if a.next >= a.limit {
			a.next = a.base
		}
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, a.base, a.limit)
}

func portFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
