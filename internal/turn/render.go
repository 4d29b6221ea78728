package turn

import (
	"context"
	"fmt"
	"time"

	"relay/internal/retry"
)

const pushTimeout = 20 * time.Second

// postInitial creates the external status message the turn will keep
// updating. The initial post uses the final-push policy: without a
// message there is nothing to update later.
func (o *Orchestrator) postInitial(ctx context.Context, turn *TurnContext) (string, error) {
	payload, err := o.options.Renderer.Render(turn.Snapshot(o.options.Clock()))
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	var messageID string
	err = retry.Do(ctx, o.options.Push.Final, o.options.Classify, func(ctx context.Context) error {
		var err error
		messageID, err = o.options.Transport.PostMessage(ctx, turn.ChannelKey, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// renderLoop pushes a fresh snapshot at a fixed interval until the
// turn's first terminal transition cancels it. Push failures are
// logged and retried on the next tick, never fatal.
func (o *Orchestrator) renderLoop(turn *TurnContext) {
	ticker := time.NewTicker(o.options.RenderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-turn.renderStop:
			return
		case <-ticker.C:
			o.push(turn, o.options.Push.Intermediate, "intermediate")
		}
	}
}

// push renders the current snapshot and updates the external message,
// serialized per message identity so a slow push cannot race a
// concurrent push for the same message. The snapshot is taken under
// the message lock: a push that rendered before the terminal
// transition must not write after the final frame.
func (o *Orchestrator) push(turn *TurnContext, policy retry.Backoff, kind string) {
	messageID := turn.MessageID()
	if messageID == "" {
		return
	}

	lock := o.locks.lockFor(messageID)
	lock.Lock()
	defer lock.Unlock()

	if kind != "final" && turn.State().Terminal() {
		return
	}

	payload, err := o.options.Renderer.Render(turn.Snapshot(o.options.Clock()))
	if err != nil {
		o.logWarn("render failed", map[string]string{
			"session": turn.SessionID(),
			"error":   err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	started := o.options.Clock()
	attempts := 0
	err = retry.Do(ctx, policy, o.options.Classify, func(ctx context.Context) error {
		attempts++
		return o.options.Transport.UpdateMessage(ctx, turn.ChannelKey, messageID, payload)
	})
	o.options.Registry.RecordPush(kind, o.options.Clock().Sub(started), err, attempts)
	if err != nil {
		o.logWarn("snapshot push failed", map[string]string{
			"session": turn.SessionID(),
			"message": messageID,
			"kind":    kind,
			"error":   err.Error(),
		})
	}
}
