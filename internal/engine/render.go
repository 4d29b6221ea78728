package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay/internal/logging"
	"relay/internal/turn"
)

// MarkdownRenderer formats a turn snapshot as the chat status message:
// a state line, the activity log, and a stats footer.
type MarkdownRenderer struct {
	// MaxOutputChars truncates tool output blocks; zero means 500.
	MaxOutputChars int
}

func (r MarkdownRenderer) Render(snapshot turn.Snapshot) (string, error) {
	limit := r.MaxOutputChars
	if limit <= 0 {
		limit = 500
	}

	builder := strings.Builder{}
	builder.WriteString(stateLine(snapshot.State))
	builder.WriteString("\n")

	for _, entry := range snapshot.Entries {
		switch entry.Kind {
		case turn.EntryThinking:
			builder.WriteString("\n> ")
			builder.WriteString(strings.ReplaceAll(entry.Text, "\n", "\n> "))
			if entry.InProgress {
				builder.WriteString(" …")
			}
			builder.WriteString("\n")
		case turn.EntryToolStart:
			if entry.InProgress {
				builder.WriteString(fmt.Sprintf("\n`%s` running…\n", entry.ToolName))
			}
		case turn.EntryToolComplete:
			builder.WriteString(fmt.Sprintf("\n`%s` %s", entry.ToolName, entry.ToolStatus))
			if entry.Duration > 0 {
				builder.WriteString(fmt.Sprintf(" (%s)", entry.Duration.Round(time.Millisecond)))
			}
			builder.WriteString("\n")
			if entry.ErrorDetail != "" {
				builder.WriteString(fmt.Sprintf("```\n%s\n```\n", truncate(entry.ErrorDetail, limit)))
			} else if entry.Output != "" {
				builder.WriteString(fmt.Sprintf("```\n%s\n```\n", truncate(entry.Output, limit)))
			}
		case turn.EntryGenerating:
			builder.WriteString("\n")
			builder.WriteString(entry.Text)
			if entry.InProgress {
				builder.WriteString(" ▋")
			}
			builder.WriteString("\n")
		case turn.EntryError:
			builder.WriteString(fmt.Sprintf("\n**error:** %s\n", entry.Detail))
		case turn.EntryAborted:
			builder.WriteString("\n_aborted_\n")
		case turn.EntryModeChanged:
			builder.WriteString(fmt.Sprintf("\n_mode → %s_\n", entry.Detail))
		}
	}

	if snapshot.State.Terminal() {
		builder.WriteString(fmt.Sprintf("\n---\n%s · %d tool calls · %d/%d tokens",
			snapshot.Stats.Elapsed.Round(time.Second),
			snapshot.Stats.ToolCalls,
			snapshot.Stats.InputTokens,
			snapshot.Stats.OutputTokens))
		if snapshot.Stats.CostUSD > 0 {
			builder.WriteString(fmt.Sprintf(" · $%.4f", snapshot.Stats.CostUSD))
		}
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func stateLine(state turn.State) string {
	switch state {
	case turn.StateStarting:
		return "⏳ starting…"
	case turn.StateThinking:
		return "💭 thinking…"
	case turn.StateTool:
		return "🔧 working…"
	case turn.StateGenerating:
		return "✍️ writing…"
	case turn.StateComplete:
		return "✅ done"
	case turn.StateError:
		return "❌ failed"
	case turn.StateAborted:
		return "🛑 aborted"
	default:
		return string(state)
	}
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}

// LogTransport is the transport used when no chat platform is wired:
// messages land in the log, one entry per push. Useful for local runs
// and smoke tests.
type LogTransport struct {
	Logger *logging.Logger
}

func (t LogTransport) PostMessage(ctx context.Context, channelKey, payload string) (string, error) {
	messageID := uuid.NewString()
	if t.Logger != nil {
		t.Logger.Info("message posted", map[string]string{
			"channel": channelKey,
			"message": messageID,
			"payload": payload,
		})
	}
	return messageID, nil
}

func (t LogTransport) UpdateMessage(ctx context.Context, channelKey, messageID, payload string) error {
	if t.Logger != nil {
		t.Logger.Debug("message updated", map[string]string{
			"channel": channelKey,
			"message": messageID,
			"payload": payload,
		})
	}
	return nil
}
