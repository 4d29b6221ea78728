package turn

import "sync"

// messageLocks serializes pushes per external message identity. It is
// deliberately distinct from the session mutex: a slow transport push
// must not stall event folding, and two pushes for the same message
// must never race.
type messageLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMessageLocks() *messageLocks {
	return &messageLocks{locks: make(map[string]*sync.Mutex)}
}

func (m *messageLocks) lockFor(messageID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[messageID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[messageID] = lock
	}
	return lock
}

// forget drops the lock entry once the message will never be pushed
// again. Callers must not hold the lock they are forgetting.
func (m *messageLocks) forget(messageID string) {
	m.mu.Lock()
	delete(m.locks, messageID)
	m.mu.Unlock()
}
