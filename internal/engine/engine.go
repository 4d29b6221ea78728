// Package engine wires the engine components together: one backend
// instance, event multiplexer, HTTP client and orchestrator per
// channel's backend, with the shared tracker, store and fork
// coordinator on top.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/backend"
	"relay/internal/client"
	"relay/internal/config"
	"relay/internal/event"
	"relay/internal/fork"
	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/retry"
	"relay/internal/session"
	"relay/internal/turn"
)

var ErrUnknownSession = errors.New("session not routed to any backend")

type Options struct {
	Config    config.Config
	Store     session.Store
	Pool      *backend.Pool
	Transport turn.Transport
	Renderer  turn.Renderer
	Prompter  turn.PermissionPrompter
	Logger    *logging.Logger
	Registry  *metrics.Registry
}

// runtime is the per-backend-instance plumbing: HTTP client, event
// multiplexer and orchestrator, created lazily on first use.
type runtime struct {
	instance     *backend.Instance
	client       *client.Client
	mux          *event.Multiplexer
	orchestrator *turn.Orchestrator
}

type Engine struct {
	options Options
	tracker *session.Tracker[*turn.TurnContext]
	forks   *fork.Coordinator
	cfg     atomic.Pointer[config.Config]

	mu       sync.Mutex
	runtimes map[string]*runtime // instance id -> runtime
	routes   map[string]string   // backend session id -> channel key
}

func New(options Options) (*Engine, error) {
	if options.Store == nil || options.Pool == nil {
		return nil, errors.New("store and pool are required")
	}
	if options.Transport == nil || options.Renderer == nil {
		return nil, errors.New("transport and renderer are required")
	}
	if options.Registry == nil {
		options.Registry = &metrics.Registry{}
	}
	e := &Engine{
		options:  options,
		tracker:  session.NewTracker[*turn.TurnContext](),
		runtimes: make(map[string]*runtime),
		routes:   make(map[string]string),
	}
	e.cfg.Store(&options.Config)

	coordinator, err := fork.NewCoordinator(fork.Options{
		API:     engineForkAPI{e},
		Tracker: e.tracker,
		Store:   options.Store,
		Sharer:  e,
		Logger:  options.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.forks = coordinator

	// Backend removal must fail the turns it strands, and a backend
	// with a busy channel must not be idle-evicted under them.
	options.Pool.SetOnUnavailable(e.handleBackendUnavailable)
	options.Pool.SetBusyCheck(e.channelBusy)
	return e, nil
}

// handleBackendUnavailable fails every in-flight turn served by the
// removed instance, then drops its cached runtime. The error is nil
// for idle eviction, where the busy check guarantees no active turn.
func (e *Engine) handleBackendUnavailable(instance *backend.Instance, cause error) {
	e.mu.Lock()
	rt, ok := e.runtimes[instance.ID()]
	delete(e.runtimes, instance.ID())
	e.mu.Unlock()

	if ok && cause != nil {
		orchestrator := rt.orchestratorRef(e)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, channelKey := range instance.Channels() {
			record, err := e.options.Store.Get(ctx, channelKey)
			if err != nil {
				continue
			}
			if orchestrator.FailActive(record.BackendSessionID, cause) {
				e.logWarn("turn failed with backend", map[string]string{
					"channel": channelKey,
					"error":   cause.Error(),
				})
			}
		}
	}
	if ok && rt.mux != nil {
		rt.mux.Close()
	}
}

// channelBusy reports whether the channel's session has an active
// turn, resolved through its stored backend session id.
func (e *Engine) channelBusy(channelKey string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := e.options.Store.Get(ctx, channelKey)
	if err != nil {
		return false
	}
	return e.tracker.IsBusy(record.BackendSessionID)
}

// ApplyConfig swaps the tunables consulted on later turns. Running
// turns keep the settings they started with.
func (e *Engine) ApplyConfig(cfg config.Config) {
	e.cfg.Store(&cfg)
	// New orchestrators pick up the new turn tunables.
	e.mu.Lock()
	for _, rt := range e.runtimes {
		rt.orchestrator = nil
	}
	e.mu.Unlock()
}

func (e *Engine) Tracker() *session.Tracker[*turn.TurnContext] {
	return e.tracker
}

// StartTurn resolves the channel's session and backend, makes sure a
// backend session exists, and hands the prompt to the orchestrator.
func (e *Engine) StartTurn(ctx context.Context, channelKey, prompt string) (*turn.TurnContext, error) {
	record, err := e.options.Store.GetOrCreateWithFork(ctx, channelKey, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve session record: %w", err)
	}
	instance, err := e.options.Pool.GetOrCreate(ctx, channelKey)
	if err != nil {
		return nil, err
	}
	rt, err := e.runtimeFor(instance)
	if err != nil {
		return nil, err
	}

	sessionID, err := e.ensureBackendSession(ctx, rt, channelKey, record)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.routes[sessionID] = channelKey
	e.mu.Unlock()

	return rt.orchestratorRef(e).StartTurn(ctx, channelKey, sessionID, prompt)
}

// Abort cancels the channel's active turn, if any.
func (e *Engine) Abort(ctx context.Context, channelKey string) error {
	record, err := e.options.Store.Get(ctx, channelKey)
	if err != nil {
		return fmt.Errorf("resolve session record: %w", err)
	}
	instance, ok := e.options.Pool.Lookup(channelKey)
	if !ok {
		return fmt.Errorf("%w: %s", turn.ErrNoActiveTurn, channelKey)
	}
	rt, err := e.runtimeFor(instance)
	if err != nil {
		return err
	}
	return rt.orchestratorRef(e).Abort(ctx, record.BackendSessionID)
}

// ResolvePermission relays a collaborator's permission answer to the
// channel's active turn.
func (e *Engine) ResolvePermission(ctx context.Context, channelKey, requestID string, approve bool) error {
	record, err := e.options.Store.Get(ctx, channelKey)
	if err != nil {
		return fmt.Errorf("resolve session record: %w", err)
	}
	instance, ok := e.options.Pool.Lookup(channelKey)
	if !ok {
		return fmt.Errorf("%w: %s", turn.ErrNoActiveTurn, channelKey)
	}
	rt, err := e.runtimeFor(instance)
	if err != nil {
		return err
	}
	return rt.orchestratorRef(e).ResolvePermission(ctx, record.BackendSessionID, requestID, approve)
}

// ForkAt branches the source channel's conversation.
func (e *Engine) ForkAt(ctx context.Context, sourceChannel string, point client.ForkPoint, opts fork.ForkOptions) (fork.Record, error) {
	// Make sure the parent's backend is up and its session is routed,
	// so the coordinator can read the transcript.
	source, err := e.options.Store.Get(ctx, sourceChannel)
	if err != nil {
		return fork.Record{}, fmt.Errorf("resolve source record: %w", err)
	}
	if source.BackendSessionID != "" {
		if _, err := e.options.Pool.GetOrCreate(ctx, sourceChannel); err != nil {
			return fork.Record{}, err
		}
		e.mu.Lock()
		e.routes[source.BackendSessionID] = sourceChannel
		e.mu.Unlock()
	}

	record, err := e.forks.ForkAt(ctx, sourceChannel, point, opts)
	if err != nil {
		return fork.Record{}, err
	}
	e.mu.Lock()
	// The child's session lives on the parent's backend until the
	// child channel spawns (or shares) its own instance.
	e.routes[record.ChildSessionID] = sourceChannel
	e.mu.Unlock()
	return record, nil
}

func (e *Engine) Forks() []fork.Record { return e.forks.Records() }

// ShareBackend implements fork.BackendSharer: the child channel rides
// on the parent's instance.
func (e *Engine) ShareBackend(sourceChannel, childChannel string) error {
	instance, ok := e.options.Pool.Lookup(sourceChannel)
	if !ok {
		return fmt.Errorf("no backend instance for %q", sourceChannel)
	}
	return e.options.Pool.AttachChannel(childChannel, instance)
}

// Shutdown releases the channel's backend claim.
func (e *Engine) Shutdown(ctx context.Context, channelKey string) error {
	return e.options.Pool.Shutdown(ctx, channelKey)
}

// ResetSession forgets the channel's conversation: the backend claim
// is released and the stored record deleted, so the next prompt
// starts a fresh session. Rejected while a turn is active.
func (e *Engine) ResetSession(ctx context.Context, channelKey string) error {
	record, err := e.options.Store.Get(ctx, channelKey)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return e.options.Pool.Shutdown(ctx, channelKey)
		}
		return fmt.Errorf("resolve session record: %w", err)
	}
	if e.tracker.IsBusy(record.BackendSessionID) {
		return fmt.Errorf("%w: %s", turn.ErrSessionBusy, channelKey)
	}

	e.mu.Lock()
	delete(e.routes, record.BackendSessionID)
	e.mu.Unlock()

	if err := e.options.Pool.Shutdown(ctx, channelKey); err != nil {
		return err
	}
	return e.options.Store.Delete(ctx, channelKey)
}

func (e *Engine) logWarn(message string, fields map[string]string) {
	if e.options.Logger != nil {
		e.options.Logger.Warn(message, fields)
	}
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	runtimes := make([]*runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		runtimes = append(runtimes, rt)
	}
	e.runtimes = make(map[string]*runtime)
	e.mu.Unlock()
	for _, rt := range runtimes {
		if rt.mux != nil {
			rt.mux.Close()
		}
	}
	return e.options.Pool.Close(ctx)
}

func (e *Engine) ensureBackendSession(ctx context.Context, rt *runtime, channelKey string, record session.Session) (string, error) {
	cfg := e.cfg.Load()
	if record.BackendSessionID != "" {
		_, err := rt.client.ResumeSession(ctx, record.BackendSessionID)
		if err == nil {
			return record.BackendSessionID, nil
		}
		var httpErr *client.HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
			return "", fmt.Errorf("resume session: %w", err)
		}
		// The backend no longer knows the session; start a fresh one
		// and keep the stale id in the lineage.
	}

	workingDir := record.WorkingDir
	if workingDir == "" {
		workingDir = cfg.Backend.WorkDir
	}
	info, err := rt.client.CreateSession(ctx, client.CreateSessionRequest{
		WorkingDir: workingDir,
		Model:      record.Model,
		Mode:       record.Mode,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	update := session.Update{BackendSessionID: &info.SessionID}
	if record.BackendSessionID != "" {
		stale := record.BackendSessionID
		update.AppendPreviousSessionID = &stale
	}
	if record.WorkingDir == "" && info.WorkingDir != "" {
		update.WorkingDir = &info.WorkingDir
	}
	if _, err := e.options.Store.Save(ctx, channelKey, update); err != nil {
		return "", fmt.Errorf("save session record: %w", err)
	}
	return info.SessionID, nil
}

// runtimeFor returns the per-instance plumbing, building it on first
// access.
func (e *Engine) runtimeFor(instance *backend.Instance) (*runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.runtimes[instance.ID()]; ok {
		return rt, nil
	}

	cfg := e.cfg.Load()
	apiClient, err := client.New(instance.BaseURL(), cfg.AuthToken, &http.Client{Timeout: 60 * time.Second})
	if err != nil {
		return nil, err
	}
	mux := event.NewMultiplexer(event.MuxOptions{
		URL:      instance.EventStreamURL(),
		Token:    cfg.AuthToken,
		Logger:   e.options.Logger,
		Registry: e.options.Registry,
	})
	rt := &runtime{
		instance: instance,
		client:   apiClient,
		mux:      mux,
	}
	e.runtimes[instance.ID()] = rt
	return rt, nil
}

// orchestratorRef returns the runtime's orchestrator, building it
// against the current config when missing or invalidated.
func (rt *runtime) orchestratorRef(e *Engine) *turn.Orchestrator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt.orchestrator != nil {
		return rt.orchestrator
	}
	cfg := e.cfg.Load()
	orchestrator, err := turn.NewOrchestrator(turn.Options{
		API:            rt.client,
		Events:         rt.mux,
		Tracker:        e.tracker,
		Renderer:       e.options.Renderer,
		Transport:      e.options.Transport,
		Store:          e.options.Store,
		Prompter:       e.options.Prompter,
		AutoApprove:    cfg.Turn.AutoApprove,
		RenderInterval: cfg.Turn.RenderInterval(),
		Push: retry.PushPolicy{
			Intermediate: retry.Backoff{MaxAttempts: 1},
			Final:        retry.Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second, MaxAttempts: cfg.Turn.FinalPushAttempts},
		},
		Logger:   e.options.Logger,
		Registry: e.options.Registry,
	})
	if err != nil {
		// Options are fully populated here; this cannot fail.
		panic(err)
	}
	rt.orchestrator = orchestrator
	return orchestrator
}

// clientForSession resolves the HTTP client serving a backend session
// id, following the session -> channel -> instance routing.
func (e *Engine) clientForSession(sessionID string) (*client.Client, error) {
	e.mu.Lock()
	channelKey, ok := e.routes[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	instance, ok := e.options.Pool.Lookup(channelKey)
	if !ok {
		return nil, fmt.Errorf("%w: backend gone for %s", ErrUnknownSession, sessionID)
	}
	rt, err := e.runtimeFor(instance)
	if err != nil {
		return nil, err
	}
	return rt.client, nil
}

// engineForkAPI adapts the engine's session routing to the fork
// coordinator's API surface.
type engineForkAPI struct{ engine *Engine }

func (a engineForkAPI) GetTranscript(ctx context.Context, sessionID string) (client.Transcript, error) {
	apiClient, err := a.engine.clientForSession(sessionID)
	if err != nil {
		return client.Transcript{}, err
	}
	return apiClient.GetTranscript(ctx, sessionID)
}

func (a engineForkAPI) ForkSession(ctx context.Context, parentID string, point client.ForkPoint) (client.SessionInfo, error) {
	apiClient, err := a.engine.clientForSession(parentID)
	if err != nil {
		return client.SessionInfo{}, err
	}
	return apiClient.ForkSession(ctx, parentID, point)
}
