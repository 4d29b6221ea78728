package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/metrics"
	"relay/internal/retry"
)

// fakeConn replays canned frames, then blocks until closed.
type fakeConn struct {
	frames [][]byte
	index  int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...[]byte) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if c.index < len(c.frames) {
		frame := c.frames[c.index]
		c.index++
		return 1, frame, nil
	}
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func frame(sessionID, kind, payload string) []byte {
	return []byte(`{"session_id":"` + sessionID + `","kind":"` + kind + `","payload":` + payload + `}`)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestMultiplexerDialsLazilyAndClosesWithLastListener(t *testing.T) {
	var dials atomic.Int64
	conn := newFakeConn()
	mux := NewMultiplexer(MuxOptions{
		Dial: func(ctx context.Context) (Conn, error) {
			dials.Add(1)
			return conn, nil
		},
		Registry: &metrics.Registry{},
	})

	if dials.Load() != 0 {
		t.Fatalf("stream dialed before first subscriber")
	}

	cancel := mux.Subscribe(func(Event) {})
	waitFor(t, func() bool { return dials.Load() == 1 })

	cancel()
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed after last unsubscribe")
	}
	// Idempotent.
	cancel()
}

func TestMultiplexerFansOutAndIsolatesPanics(t *testing.T) {
	frames := [][]byte{
		frame("s1", KindTextDelta, `{"part_id":"p0","text":"Hello"}`),
		frame("s1", KindTextDelta, `{"part_id":"p0","text":"Hello world"}`),
	}
	mux := NewMultiplexer(MuxOptions{
		Dial: func(ctx context.Context) (Conn, error) {
			return newFakeConn(frames...), nil
		},
		Registry: &metrics.Registry{},
	})
	defer mux.Close()

	var received atomic.Int64
	cancelBad := mux.Subscribe(func(Event) {
		panic("broken handler")
	})
	defer cancelBad()
	cancelGood := mux.Subscribe(func(ev Event) {
		if _, ok := ev.(TextDelta); ok {
			received.Add(1)
		}
	})
	defer cancelGood()

	waitFor(t, func() bool { return received.Load() == 2 })
}

func TestMultiplexerDropsUnknownKinds(t *testing.T) {
	registry := &metrics.Registry{}
	frames := [][]byte{
		frame("s1", "mystery", `{}`),
		frame("s1", KindModeChanged, `{"mode":"plan"}`),
	}
	mux := NewMultiplexer(MuxOptions{
		Dial: func(ctx context.Context) (Conn, error) {
			return newFakeConn(frames...), nil
		},
		Registry: registry,
	})
	defer mux.Close()

	var modes atomic.Int64
	cancel := mux.Subscribe(func(ev Event) {
		if _, ok := ev.(ModeChanged); ok {
			modes.Add(1)
		}
	})
	defer cancel()

	waitFor(t, func() bool { return modes.Load() == 1 })
}

func TestMultiplexerReconnectBackoffGrowsAndResetsOnStop(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	dialErr := errors.New("refused")
	var dials atomic.Int64

	mux := NewMultiplexer(MuxOptions{
		Dial: func(ctx context.Context) (Conn, error) {
			dials.Add(1)
			return nil, dialErr
		},
		Backoff:  retry.Backoff{Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond, MaxAttempts: 100},
		Registry: &metrics.Registry{},
		Sleep: func(ctx context.Context, delay time.Duration) error {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
			return ctx.Err()
		},
	})

	cancel := mux.Subscribe(func(Event) {})
	waitFor(t, func() bool { return dials.Load() >= 6 })
	cancel()

	mu.Lock()
	first := append([]time.Duration(nil), delays...)
	delays = nil
	mu.Unlock()

	for i := 1; i < len(first); i++ {
		if first[i] < first[i-1] {
			t.Fatalf("backoff decreased: %v", first)
		}
	}
	if first[len(first)-1] > 80*time.Millisecond {
		t.Fatalf("backoff exceeded cap: %v", first)
	}

	// A fresh subscription after the explicit stop starts over at the
	// base delay.
	cancel = mux.Subscribe(func(Event) {})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) >= 2
	})
	cancel()

	mu.Lock()
	second := append([]time.Duration(nil), delays...)
	mu.Unlock()
	if second[0] != first[0] {
		t.Fatalf("attempt counter did not reset after stop: first %v, second %v", first[0], second[0])
	}
}

func TestMultiplexerCloseIsTerminal(t *testing.T) {
	mux := NewMultiplexer(MuxOptions{
		Dial: func(ctx context.Context) (Conn, error) {
			return newFakeConn(), nil
		},
		Registry: &metrics.Registry{},
	})
	mux.Close()

	cancel := mux.Subscribe(func(Event) {})
	cancel()
	if mux.ListenerCount() != 0 {
		t.Fatalf("closed multiplexer accepted a listener")
	}
}
