package event

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/retry"
)

const defaultLongLived = 30 * time.Second

// Conn is the slice of a websocket connection the multiplexer reads.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// DialFunc opens one connection to a backend's event stream.
type DialFunc func(ctx context.Context) (Conn, error)

type MuxOptions struct {
	// URL of the backend's websocket event stream. Ignored when Dial
	// is supplied.
	URL   string
	Token string

	Dial      DialFunc
	Logger    *logging.Logger
	Registry  *metrics.Registry
	Backoff   retry.Backoff
	LongLived time.Duration

	// Sleep is injectable for tests; nil uses a context-aware sleep.
	Sleep func(context.Context, time.Duration) error
}

// Multiplexer holds one long-lived subscription to a backend's event
// stream and fans every decoded event out to registered listeners. The
// stream is dialed lazily on the first listener and closed when the
// last one unsubscribes. Unexpected termination reconnects with capped
// exponential backoff; the attempt counter resets on explicit stop or
// a long-lived connection.
type Multiplexer struct {
	options MuxOptions

	mu        sync.Mutex
	listeners map[uint64]func(Event)
	nextID    uint64
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  bool
	closed    bool
}

func NewMultiplexer(options MuxOptions) *Multiplexer {
	if options.Dial == nil {
		options.Dial = websocketDial(options.URL, options.Token)
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}
	if options.LongLived <= 0 {
		options.LongLived = defaultLongLived
	}
	if options.Sleep == nil {
		options.Sleep = contextSleep
	}
	return &Multiplexer{
		options:   options,
		listeners: make(map[uint64]func(Event)),
	}
}

// Subscribe registers a listener and returns its unsubscribe func.
// Unsubscribing is idempotent.
func (m *Multiplexer) Subscribe(listener func(Event)) func() {
	if m == nil || listener == nil {
		return func() {}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	start := len(m.listeners) == 1
	if start {
		m.startLocked()
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.removeListener(id)
		})
	}
}

func (m *Multiplexer) ListenerCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Close tears the stream down permanently.
func (m *Multiplexer) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.closed = true
	m.listeners = make(map[uint64]func(Event))
	done := m.stopLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Multiplexer) removeListener(id uint64) {
	m.mu.Lock()
	delete(m.listeners, id)
	var done chan struct{}
	if len(m.listeners) == 0 {
		done = m.stopLocked()
	}
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Multiplexer) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stopping = false
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *Multiplexer) stopLocked() chan struct{} {
	if m.cancel == nil {
		return nil
	}
	m.stopping = true
	m.cancel()
	m.cancel = nil
	done := m.done
	m.done = nil
	return done
}

func (m *Multiplexer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.options.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil || m.isStopping() {
				return
			}
			m.logWarn("event stream dial failed", map[string]string{
				"error":   err.Error(),
				"attempt": strconv.Itoa(attempt),
			})
			if m.options.Sleep(ctx, m.options.Backoff.Delay(attempt)) != nil {
				return
			}
			attempt++
			continue
		}

		connected := time.Now()
		readErr := m.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil || m.isStopping() {
			return
		}
		if time.Since(connected) >= m.options.LongLived {
			attempt = 0
		}
		m.logWarn("event stream terminated, reconnecting", map[string]string{
			"error":   errText(readErr),
			"attempt": strconv.Itoa(attempt),
		})
		if m.options.Sleep(ctx, m.options.Backoff.Delay(attempt)) != nil {
			return
		}
		attempt++
	}
}

func (m *Multiplexer) readLoop(ctx context.Context, conn Conn) error {
	closeOnCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closeOnCancel:
		}
	}()
	defer close(closeOnCancel)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		decoded, err := Decode(frame)
		if err != nil {
			m.options.Registry.IncEventDropped()
			if errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMissingSession) {
				m.logWarn("dropping unrecognized event", map[string]string{"error": err.Error()})
				continue
			}
			m.logWarn("dropping undecodable frame", map[string]string{"error": err.Error()})
			continue
		}
		m.options.Registry.IncEventDecoded()
		m.dispatch(decoded)
	}
}

// dispatch fans one event out to every listener, isolating panics so a
// failing handler cannot break delivery to the others or kill the
// stream.
func (m *Multiplexer) dispatch(ev Event) {
	m.mu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		m.deliver(listener, ev)
	}
}

func (m *Multiplexer) deliver(listener func(Event), ev Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logWarn("event listener panicked", map[string]string{
				"kind":    ev.Kind(),
				"session": ev.Session(),
			})
		}
	}()
	listener(ev)
}

func (m *Multiplexer) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

func (m *Multiplexer) logWarn(message string, fields map[string]string) {
	if m.options.Logger == nil {
		return
	}
	m.options.Logger.Warn(message, fields)
}

func websocketDial(url, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if strings.TrimSpace(token) != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if response != nil && response.Body != nil {
			_ = response.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func contextSleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
