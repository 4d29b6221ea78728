package session

import "sync"

// Tracker enforces exclusive execution per session id. StartProcessing
// is an atomic test-and-set; asynchronous flows (abort requests,
// permission callbacks) locate the active context by session id alone.
type Tracker[T any] struct {
	mu     sync.Mutex
	active map[string]T
}

func NewTracker[T any]() *Tracker[T] {
	return &Tracker[T]{
		active: make(map[string]T),
	}
}

// StartProcessing claims the session. It returns false without side
// effects when the session is already busy.
func (t *Tracker[T]) StartProcessing(sessionID string, context T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.active[sessionID]; busy {
		return false
	}
	t.active[sessionID] = context
	return true
}

// StopProcessing releases the session. Releasing an idle session is a
// no-op.
func (t *Tracker[T]) StopProcessing(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, sessionID)
}

func (t *Tracker[T]) IsBusy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.active[sessionID]
	return busy
}

func (t *Tracker[T]) GetContext(sessionID string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	context, busy := t.active[sessionID]
	return context, busy
}

// ActiveSessions lists busy session ids, for diagnostics.
func (t *Tracker[T]) ActiveSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}
