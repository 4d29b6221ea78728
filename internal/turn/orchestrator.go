// Package turn folds a backend's push events into a per-turn activity
// log and mirrors it to an external chat message through a timed
// render loop.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay/internal/client"
	"relay/internal/event"
	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/retry"
	"relay/internal/session"
)

var (
	ErrSessionBusy  = errors.New("session already processing a turn")
	ErrNoActiveTurn = errors.New("no active turn for session")
)

const (
	defaultRenderInterval = time.Second
	reconcileTimeout      = 30 * time.Second
	abortNotifyTimeout    = 10 * time.Second
)

// SessionAPI is the slice of the backend session API the orchestrator
// calls during a turn.
type SessionAPI interface {
	SendPrompt(ctx context.Context, sessionID, prompt string) error
	GetTranscript(ctx context.Context, sessionID string) (client.Transcript, error)
	Abort(ctx context.Context, sessionID string) error
	RespondToPermission(ctx context.Context, sessionID, requestID string, approve bool) error
}

// Subscriber registers a listener on a backend's event stream.
type Subscriber interface {
	Subscribe(listener func(event.Event)) func()
}

// Renderer turns a snapshot into the presentation payload the
// transport delivers. Called on every render tick and once more on
// terminal transition.
type Renderer interface {
	Render(snapshot Snapshot) (string, error)
}

// Transport posts and updates external chat messages. Implementations
// distinguish transient from permanent failures through the error
// classifier supplied in Options.
type Transport interface {
	PostMessage(ctx context.Context, channelKey, payload string) (messageID string, err error)
	UpdateMessage(ctx context.Context, channelKey, messageID, payload string) error
}

// PermissionPrompter surfaces a tool permission request to the
// external collaborator when auto-approval is off.
type PermissionPrompter interface {
	PromptPermission(request event.PermissionRequest)
}

type Options struct {
	API      SessionAPI
	Events   Subscriber
	Tracker  *session.Tracker[*TurnContext]
	Renderer Renderer
	Transport Transport

	// Store, when set, receives the session mutation on turn
	// completion (usage stats, rotated session id).
	Store session.Store

	// Prompter handles permission requests when AutoApprove is off.
	// With neither set, requests stay pending until ResolvePermission.
	Prompter    PermissionPrompter
	AutoApprove bool

	RenderInterval time.Duration
	Push           retry.PushPolicy
	CallBackoff    retry.Backoff
	Classify       retry.Classifier

	Logger   *logging.Logger
	Registry *metrics.Registry
	Clock    func() time.Time
}

// Orchestrator runs the turn state machine: starting, any mix of
// thinking, tool and generating, then exactly one of complete, error
// or aborted.
type Orchestrator struct {
	options Options
	locks   *messageLocks
}

func NewOrchestrator(options Options) (*Orchestrator, error) {
	if options.API == nil {
		return nil, errors.New("session api is required")
	}
	if options.Events == nil {
		return nil, errors.New("event subscriber is required")
	}
	if options.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if options.Renderer == nil || options.Transport == nil {
		return nil, errors.New("renderer and transport are required")
	}
	if options.RenderInterval <= 0 {
		options.RenderInterval = defaultRenderInterval
	}
	if options.Push == (retry.PushPolicy{}) {
		options.Push = retry.DefaultPushPolicy()
	}
	if options.Classify == nil {
		options.Classify = retry.IsTransient
	}
	if options.Registry == nil {
		options.Registry = &metrics.Registry{}
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &Orchestrator{options: options, locks: newMessageLocks()}, nil
}

// StartTurn claims the session, posts the initial status message,
// subscribes to the backend's events, submits the prompt, and starts
// the render loop. Returns ErrSessionBusy without side effects when a
// turn is already active for the session.
func (o *Orchestrator) StartTurn(ctx context.Context, channelKey, sessionID, prompt string) (*TurnContext, error) {
	turn := newTurnContext(channelKey, sessionID, o.options.Clock())
	if !o.options.Tracker.StartProcessing(sessionID, turn) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	o.options.Registry.IncTurnStarted()

	messageID, err := o.postInitial(ctx, turn)
	if err != nil {
		o.options.Tracker.StopProcessing(sessionID)
		o.options.Registry.IncTurnFailed()
		return nil, fmt.Errorf("post status message: %w", err)
	}
	turn.mu.Lock()
	turn.messageID = messageID
	turn.mu.Unlock()

	turn.unsubscribe = o.options.Events.Subscribe(func(ev event.Event) {
		if !turn.matches(ev.Session()) {
			return
		}
		o.handleEvent(turn, ev)
	})

	err = retry.Do(ctx, o.options.CallBackoff, o.options.Classify, func(ctx context.Context) error {
		return o.options.API.SendPrompt(ctx, sessionID, prompt)
	})
	if err != nil {
		o.finish(turn, StateError, fmt.Sprintf("send prompt: %v", err))
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	go o.renderLoop(turn)
	return turn, nil
}

// Abort flips the turn to aborted, appends the aborted entry and
// cancels the render ticker immediately. The backend is told
// asynchronously; its acknowledgement is not awaited.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) error {
	turn, ok := o.options.Tracker.GetContext(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveTurn, sessionID)
	}

	// The backend knows the turn by its current id, which may have
	// rotated since the tracker claim was taken.
	backendSession := turn.SessionID()
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), abortNotifyTimeout)
		defer cancel()
		err := retry.Do(notifyCtx, o.options.CallBackoff, o.options.Classify, func(ctx context.Context) error {
			return o.options.API.Abort(ctx, backendSession)
		})
		if err != nil {
			o.logWarn("backend abort notification failed", map[string]string{
				"session": backendSession,
				"error":   err.Error(),
			})
		}
	}()

	o.finish(turn, StateAborted, "")
	return nil
}

// FailActive ends the session's active turn in error without a
// backend round trip, used when the backend serving it is gone and no
// further events can arrive. Reports whether a turn was failed.
func (o *Orchestrator) FailActive(sessionID string, cause error) bool {
	turn, ok := o.options.Tracker.GetContext(sessionID)
	if !ok {
		return false
	}
	o.finish(turn, StateError, cause.Error())
	return true
}

// ResolvePermission relays the collaborator's answer for a pending
// permission request. It blocks only the tool call it belongs to.
func (o *Orchestrator) ResolvePermission(ctx context.Context, sessionID, requestID string, approve bool) error {
	turn, ok := o.options.Tracker.GetContext(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveTurn, sessionID)
	}
	turn.mu.Lock()
	_, pending := turn.pending[requestID]
	turn.mu.Unlock()
	if !pending {
		return fmt.Errorf("no pending permission request %q", requestID)
	}
	err := retry.Do(ctx, o.options.CallBackoff, o.options.Classify, func(ctx context.Context) error {
		return o.options.API.RespondToPermission(ctx, turn.SessionID(), requestID, approve)
	})
	if err != nil {
		return fmt.Errorf("respond to permission: %w", err)
	}
	turn.mu.Lock()
	delete(turn.pending, requestID)
	turn.mu.Unlock()
	return nil
}

func (o *Orchestrator) handleEvent(turn *TurnContext, ev event.Event) {
	switch typed := ev.(type) {
	case event.TextDelta:
		turn.mu.Lock()
		if !turn.state.Terminal() && !turn.finalizing {
			turn.log.mergeText(typed.PartID, typed.Text, typed.OccurredAt)
			turn.state = StateGenerating
		}
		turn.mu.Unlock()
	case event.ReasoningDelta:
		turn.mu.Lock()
		if !turn.state.Terminal() && !turn.finalizing {
			turn.log.mergeReasoning(typed.BlockID, typed.Text, typed.EndedAt != nil, typed.OccurredAt)
			turn.state = StateThinking
		}
		turn.mu.Unlock()
	case event.ToolStatus:
		turn.mu.Lock()
		if !turn.state.Terminal() && !turn.finalizing {
			turn.log.applyToolStatus(typed.CallID, typed.ToolName, typed.Status,
				typed.Input, typed.Output, typed.ErrorDetail, 0, typed.OccurredAt)
			turn.state = StateTool
		}
		turn.mu.Unlock()
	case event.PermissionRequest:
		o.handlePermission(turn, typed)
	case event.TurnIdle:
		o.handleIdle(turn, typed)
	case event.ModeChanged:
		turn.mu.Lock()
		if !turn.state.Terminal() && !turn.finalizing {
			turn.log.append(Entry{Kind: EntryModeChanged, At: typed.OccurredAt, Detail: typed.Mode})
		}
		turn.mu.Unlock()
	case event.SessionChanged:
		turn.mu.Lock()
		if !turn.state.Terminal() && turn.sessionID != typed.NewSessionID {
			turn.rotatedIDs = append(turn.rotatedIDs, turn.sessionID)
			turn.sessionID = typed.NewSessionID
			turn.log.append(Entry{Kind: EntrySessionChanged, At: typed.OccurredAt, Detail: typed.NewSessionID})
		}
		turn.mu.Unlock()
	}
}

func (o *Orchestrator) handlePermission(turn *TurnContext, request event.PermissionRequest) {
	turn.mu.Lock()
	if turn.state.Terminal() || turn.finalizing {
		turn.mu.Unlock()
		return
	}
	if _, duplicate := turn.pending[request.RequestID]; duplicate {
		turn.mu.Unlock()
		return
	}
	turn.pending[request.RequestID] = request
	turn.mu.Unlock()

	if o.options.AutoApprove {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), abortNotifyTimeout)
			defer cancel()
			if err := o.ResolvePermission(ctx, turn.SessionID(), request.RequestID, true); err != nil {
				o.logWarn("auto-approve failed", map[string]string{
					"session": turn.SessionID(),
					"request": request.RequestID,
					"error":   err.Error(),
				})
			}
		}()
		return
	}
	if o.options.Prompter != nil {
		o.options.Prompter.PromptPermission(request)
	}
}

// handleIdle freezes event folding and finishes the turn off the
// dispatch goroutine: reconcile against the durable transcript, then
// take the terminal transition the idle outcome names.
func (o *Orchestrator) handleIdle(turn *TurnContext, idle event.TurnIdle) {
	turn.mu.Lock()
	if turn.state.Terminal() || turn.finalizing {
		turn.mu.Unlock()
		return
	}
	turn.finalizing = true
	turn.usage = session.Usage{
		InputTokens:  idle.InputTokens,
		OutputTokens: idle.OutputTokens,
		CostUSD:      idle.CostUSD,
	}
	turn.mu.Unlock()

	go func() {
		o.reconcile(turn)
		switch idle.Outcome {
		case event.OutcomeError:
			o.finish(turn, StateError, idle.Message)
		case event.OutcomeAborted:
			o.finish(turn, StateAborted, "")
		default:
			o.finish(turn, StateComplete, "")
		}
	}()
}

// reconcile reads the durable transcript and recovers anything event
// delivery dropped: missing tool completions, missing reasoning
// blocks, and the authoritative final text. Event delivery is
// best-effort; the transcript is the source of truth.
func (o *Orchestrator) reconcile(turn *TurnContext) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	var transcript client.Transcript
	err := retry.Do(ctx, o.options.CallBackoff, o.options.Classify, func(ctx context.Context) error {
		var err error
		transcript, err = o.options.API.GetTranscript(ctx, turn.SessionID())
		return err
	})
	if err != nil {
		o.logWarn("transcript reconciliation failed", map[string]string{
			"session": turn.SessionID(),
			"error":   err.Error(),
		})
		return
	}

	var last *client.TranscriptEntry
	for index := range transcript.Entries {
		if transcript.Entries[index].Role == "assistant" {
			last = &transcript.Entries[index]
		}
	}
	if last == nil {
		return
	}

	now := o.options.Clock()
	turn.mu.Lock()
	defer turn.mu.Unlock()
	if turn.state.Terminal() {
		return
	}
	for _, call := range last.ToolCalls {
		if call.Status != event.ToolCompleted && call.Status != event.ToolError {
			continue
		}
		if turn.log.toolClosed(call.CallID) {
			continue
		}
		turn.log.applyToolStatus(call.CallID, call.ToolName, call.Status,
			"", call.Output, call.ErrorDetail, time.Duration(call.DurationMS)*time.Millisecond, now)
	}
	for _, block := range last.Reasoning {
		if !turn.log.hasReasoningBlock(block.BlockID) {
			turn.log.mergeReasoning(block.BlockID, block.Text, true, now)
		}
	}
	if last.Text != "" && last.Text != turn.log.generatingText() {
		turn.log.replaceGeneratingText(last.Text, now)
	}
}

// finish is the single terminal transition point. The first caller
// wins; later calls observe the terminal state and return.
func (o *Orchestrator) finish(turn *TurnContext, final State, failure string) {
	now := o.options.Clock()
	turn.mu.Lock()
	if turn.state.Terminal() {
		turn.mu.Unlock()
		return
	}
	turn.log.finalizeOpen()
	turn.state = final
	turn.failure = failure
	switch final {
	case StateError:
		turn.log.append(Entry{Kind: EntryError, At: now, Detail: failure})
	case StateAborted:
		turn.log.append(Entry{Kind: EntryAborted, At: now})
	}
	messageID := turn.messageID
	trackerKey := turn.trackerKey
	turn.mu.Unlock()

	turn.cancelRenderLoop()
	o.push(turn, o.options.Push.Final, "final")
	if turn.unsubscribe != nil {
		turn.unsubscribe()
	}
	o.persistOutcome(turn)
	o.options.Tracker.StopProcessing(trackerKey)
	if messageID != "" {
		o.locks.forget(messageID)
	}

	switch final {
	case StateComplete:
		o.options.Registry.IncTurnCompleted()
	case StateError:
		o.options.Registry.IncTurnFailed()
	case StateAborted:
		o.options.Registry.IncTurnAborted()
	}
	o.logInfo("turn finished", map[string]string{
		"session": turn.SessionID(),
		"state":   string(final),
	})
	close(turn.done)
}

// persistOutcome writes the turn's session mutation: latest usage,
// plus the rotated backend session id when the backend switched ids
// mid-turn.
func (o *Orchestrator) persistOutcome(turn *TurnContext) {
	if o.options.Store == nil {
		return
	}
	turn.mu.Lock()
	usage := turn.usage
	sessionID := turn.sessionID
	rotated := len(turn.rotatedIDs) > 0
	var previous string
	if rotated {
		previous = turn.rotatedIDs[len(turn.rotatedIDs)-1]
	}
	turn.mu.Unlock()

	update := session.Update{LastUsage: &usage}
	if rotated {
		update.BackendSessionID = &sessionID
		update.AppendPreviousSessionID = &previous
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortNotifyTimeout)
	defer cancel()
	if _, err := o.options.Store.Save(ctx, turn.ChannelKey, update); err != nil {
		o.logWarn("session save failed", map[string]string{
			"channel": turn.ChannelKey,
			"error":   err.Error(),
		})
	}
}

func (o *Orchestrator) logInfo(message string, fields map[string]string) {
	if o.options.Logger != nil {
		o.options.Logger.Info(message, fields)
	}
}

func (o *Orchestrator) logWarn(message string, fields map[string]string) {
	if o.options.Logger != nil {
		o.options.Logger.Warn(message, fields)
	}
}
