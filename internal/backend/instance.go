package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instance is one spawned backend server process, shared by reference
// count across the channels attached to it. It is owned by the Pool
// and torn down only when the refcount reaches zero or the pool
// removes it after restart exhaustion.
type Instance struct {
	id   string
	port int

	mu              sync.Mutex
	process         Process
	channels        map[string]struct{}
	refcount        int
	lastUsed        time.Time
	restartAttempts int
	removed         bool
	failure         error

	stopOnce   sync.Once
	stopHealth chan struct{}
	healthDone chan struct{}
}

func (i *Instance) signalStopHealth() {
	i.stopOnce.Do(func() { close(i.stopHealth) })
}

func newInstance(port int, process Process, channelID string, now time.Time) *Instance {
	return &Instance{
		id:         uuid.NewString(),
		port:       port,
		process:    process,
		channels:   map[string]struct{}{channelID: {}},
		refcount:   1,
		lastUsed:   now,
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) Port() int {
	return i.port
}

// BaseURL is the instance's Session API root.
func (i *Instance) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.port)
}

// EventStreamURL is the instance's push event stream endpoint.
func (i *Instance) EventStreamURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/v1/events", i.port)
}

func (i *Instance) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refcount
}

func (i *Instance) Channels() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	channels := make([]string, 0, len(i.channels))
	for channel := range i.channels {
		channels = append(channels, channel)
	}
	return channels
}

// Err returns the terminal failure after the pool removed the
// instance, nil while it is healthy.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failure
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.lastUsed = now
	i.mu.Unlock()
}

func (i *Instance) idleFor(now time.Time) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return now.Sub(i.lastUsed)
}

func (i *Instance) attach(channelID string) {
	i.mu.Lock()
	i.channels[channelID] = struct{}{}
	i.refcount++
	i.mu.Unlock()
}

// detach removes one channel reference and reports whether the
// refcount reached zero.
func (i *Instance) detach(channelID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.channels[channelID]; ok {
		delete(i.channels, channelID)
		i.refcount--
	}
	return i.refcount <= 0
}

func (i *Instance) markRemoved(err error) {
	i.mu.Lock()
	i.removed = true
	i.failure = err
	i.mu.Unlock()
}

func (i *Instance) isRemoved() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removed
}

func (i *Instance) currentProcess() Process {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.process
}

func (i *Instance) setProcess(process Process) {
	i.mu.Lock()
	i.process = process
	i.mu.Unlock()
}
