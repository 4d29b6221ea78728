package turn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/event"
	"relay/internal/session"
)

// Stats is the per-turn counter block included in every snapshot.
type Stats struct {
	Elapsed      time.Duration
	ToolCalls    int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Snapshot is an immutable view of a turn handed to the Renderer.
type Snapshot struct {
	TurnID    string
	SessionID string
	State     State
	Entries   []Entry
	Stats     Stats
	Failure   string
}

// TurnContext is the ephemeral state of one active turn. Exactly one
// exists per busy session; it is owned by the orchestrator invocation
// that created it and destroyed on terminal transition.
type TurnContext struct {
	TurnID     string
	ChannelKey string

	// trackerKey is the session id the tracker claim was taken under;
	// it stays fixed even when the backend rotates session ids.
	trackerKey string

	mu         sync.Mutex
	sessionID  string
	messageID  string
	startedAt  time.Time
	state      State
	log        *activityLog
	usage      session.Usage
	failure    string
	finalizing bool
	rotatedIDs []string
	pending    map[string]event.PermissionRequest

	renderStop  chan struct{}
	stopRender  sync.Once
	unsubscribe func()
	done        chan struct{}
}

func newTurnContext(channelKey, sessionID string, now time.Time) *TurnContext {
	log := newActivityLog()
	log.append(Entry{Kind: EntryStarting, At: now})
	return &TurnContext{
		TurnID:     uuid.NewString(),
		ChannelKey: channelKey,
		trackerKey: sessionID,
		sessionID:  sessionID,
		startedAt:  now,
		state:      StateStarting,
		log:        log,
		pending:    make(map[string]event.PermissionRequest),
		renderStop: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (t *TurnContext) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TurnContext) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *TurnContext) MessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

// Done is closed once the turn has fully finished: terminal state
// reached, final push attempted, tracker released.
func (t *TurnContext) Done() <-chan struct{} {
	return t.done
}

// matches reports whether an event's session id belongs to this turn,
// including ids the backend rotated away from mid-turn.
func (t *TurnContext) matches(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sessionID == t.sessionID {
		return true
	}
	for _, previous := range t.rotatedIDs {
		if sessionID == previous {
			return true
		}
	}
	return false
}

// cancelRenderLoop stops the render ticker. Safe to call multiple
// times; the channel closes exactly once.
func (t *TurnContext) cancelRenderLoop() {
	t.stopRender.Do(func() { close(t.renderStop) })
}

func (t *TurnContext) snapshotLocked(now time.Time) Snapshot {
	entries := t.log.snapshot()
	toolCalls := 0
	for _, entry := range entries {
		if entry.Kind == EntryToolStart {
			toolCalls++
		}
	}
	return Snapshot{
		TurnID:    t.TurnID,
		SessionID: t.sessionID,
		State:     t.state,
		Entries:   entries,
		Failure:   t.failure,
		Stats: Stats{
			Elapsed:      now.Sub(t.startedAt),
			ToolCalls:    toolCalls,
			InputTokens:  t.usage.InputTokens,
			OutputTokens: t.usage.OutputTokens,
			CostUSD:      t.usage.CostUSD,
		},
	}
}

// Snapshot returns a copy of the turn's current activity log and
// stats for rendering.
func (t *TurnContext) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(now)
}
