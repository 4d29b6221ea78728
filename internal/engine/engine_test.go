package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/backend"
	"relay/internal/config"
	"relay/internal/retry"
	"relay/internal/session"
	"relay/internal/turn"
)

// backendStub launches a real HTTP server on the pool-allocated port,
// answering just enough of the backend protocol to start a turn.
type backendStub struct {
	mu      sync.Mutex
	created int
}

type stubProcess struct {
	server *http.Server
}

func (p *stubProcess) Stop(ctx context.Context) error {
	return p.server.Close()
}

func (b *backendStub) Launch(ctx context.Context, port int) (backend.Process, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.created++
		id := fmt.Sprintf("S%d", b.created)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"session_id":%q}`, id)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"session_id":%q}`, r.PathValue("id"))
	})
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/abort", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"session_id":%q,"turn_count":0,"entries":[]}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {})

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	return &stubProcess{server: server}, nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]session.Session
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]session.Session)}
}

func (s *memStore) Get(ctx context.Context, key string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return record, nil
}

func (s *memStore) Save(ctx context.Context, key string, update session.Update) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if update.BackendSessionID != nil {
		record.BackendSessionID = *update.BackendSessionID
	}
	if update.WorkingDir != nil {
		record.WorkingDir = *update.WorkingDir
	}
	if update.LastUsage != nil {
		record.LastUsage = *update.LastUsage
	}
	if update.AppendPreviousSessionID != nil {
		record.PreviousSessionIDs = append(record.PreviousSessionIDs, *update.AppendPreviousSessionID)
	}
	s.records[key] = record
	return record, nil
}

func (s *memStore) GetOrCreateWithFork(ctx context.Context, key string, fork *session.ForkSeed) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok {
		return record, nil
	}
	record := session.Session{ChannelKey: key}
	if fork != nil {
		record.BackendSessionID = fork.ChildSessionID
	}
	s.records[key] = record
	return record, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

type recordingTransport struct {
	mu      sync.Mutex
	posts   int
	updates []string
}

func (r *recordingTransport) PostMessage(ctx context.Context, channelKey, payload string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts++
	return fmt.Sprintf("msg-%d", r.posts), nil
}

func (r *recordingTransport) UpdateMessage(ctx context.Context, channelKey, messageID, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, payload)
	return nil
}

func waitForState(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestBackendRemovalFailsInFlightTurn(t *testing.T) {
	var unhealthy atomic.Bool
	probe := func(ctx context.Context, port int) error {
		if unhealthy.Load() {
			return errors.New("probe refused")
		}
		return nil
	}

	pool, err := backend.NewPool(backend.Options{
		Launcher:           &backendStub{},
		Probe:              probe,
		HealthInterval:     5 * time.Millisecond,
		MaxRestartAttempts: 1,
		RestartBackoff:     retry.Backoff{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })

	store := newMemStore()
	eng, err := New(Options{
		Config:    config.Defaults(),
		Store:     store,
		Pool:      pool,
		Transport: &recordingTransport{},
		Renderer:  &MarkdownRenderer{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })

	turnCtx, err := eng.StartTurn(context.Background(), "chan-1", "hello")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if !eng.Tracker().IsBusy("S1") {
		t.Fatalf("expected S1 claimed while the turn runs")
	}

	// Kill the backend: restart exhaustion must end the stranded turn
	// instead of leaving the claim held forever.
	unhealthy.Store(true)

	select {
	case <-turnCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("turn not failed after backend removal")
	}
	if turnCtx.State() != turn.StateError {
		t.Fatalf("state = %s, want %s", turnCtx.State(), turn.StateError)
	}
	waitForState(t, func() bool { return !eng.Tracker().IsBusy("S1") })

	// The channel must accept a new prompt once the backend recovers.
	unhealthy.Store(false)
	next, err := eng.StartTurn(context.Background(), "chan-1", "again")
	if err != nil {
		t.Fatalf("StartTurn after removal: %v", err)
	}
	if next == turnCtx {
		t.Fatalf("expected a fresh turn")
	}
}

func TestResetSessionReleasesChannel(t *testing.T) {
	pool, err := backend.NewPool(backend.Options{
		Launcher: &backendStub{},
		Probe:    func(ctx context.Context, port int) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })

	store := newMemStore()
	eng, err := New(Options{
		Config:    config.Defaults(),
		Store:     store,
		Pool:      pool,
		Transport: &recordingTransport{},
		Renderer:  &MarkdownRenderer{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })

	turnCtx, err := eng.StartTurn(context.Background(), "chan-1", "hello")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	// A running turn pins the session.
	if err := eng.ResetSession(context.Background(), "chan-1"); !errors.Is(err, turn.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	if err := eng.Abort(context.Background(), "chan-1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	<-turnCtx.Done()
	waitForState(t, func() bool { return !eng.Tracker().IsBusy(turnCtx.SessionID()) })

	if err := eng.ResetSession(context.Background(), "chan-1"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if _, err := store.Get(context.Background(), "chan-1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("record survived reset: %v", err)
	}
	if _, ok := pool.Lookup("chan-1"); ok {
		t.Fatalf("backend still attached after reset")
	}
}
