package turn

import (
	"time"

	"relay/internal/event"
)

// State is the lifecycle position of a turn. Terminal states are
// absorbing: once reached, no event changes them.
type State string

const (
	StateStarting   State = "starting"
	StateThinking   State = "thinking"
	StateTool       State = "tool"
	StateGenerating State = "generating"
	StateComplete   State = "complete"
	StateError      State = "error"
	StateAborted    State = "aborted"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateAborted
}

// EntryKind tags one unit of observable turn progress.
type EntryKind string

const (
	EntryStarting       EntryKind = "starting"
	EntryThinking       EntryKind = "thinking"
	EntryToolStart      EntryKind = "tool_start"
	EntryToolComplete   EntryKind = "tool_complete"
	EntryGenerating     EntryKind = "generating"
	EntryError          EntryKind = "error"
	EntryAborted        EntryKind = "aborted"
	EntryModeChanged    EntryKind = "mode_changed"
	EntrySessionChanged EntryKind = "session_changed"
)

// Entry is one line of the activity log. The log is append-only except
// that in-progress thinking/generating entries mutate in place until
// finalized, and a tool entry's status fields update in place.
type Entry struct {
	Kind       EntryKind
	At         time.Time
	InProgress bool

	// thinking / generating
	PartID string
	Text   string

	// tool lifecycle
	CallID      string
	ToolName    string
	ToolStatus  string
	Input       string
	Output      string
	ErrorDetail string
	Duration    time.Duration

	// mode_changed / session_changed / error / aborted
	Detail string
}

func (e Entry) clone() Entry { return e }

// activityLog folds events into ordered entries. It is not
// goroutine-safe; the owning TurnContext serializes access.
type activityLog struct {
	entries []Entry

	// Indexes into entries for in-place mutation.
	textParts  map[string]int // part id -> generating entry
	reasoning  map[string]int // block id -> thinking entry
	toolStarts map[string]int // call id -> tool_start entry
	toolDone   map[string]int // call id -> tool_complete entry
	toolStatus map[string]string
}

func newActivityLog() *activityLog {
	return &activityLog{
		textParts:  make(map[string]int),
		reasoning:  make(map[string]int),
		toolStarts: make(map[string]int),
		toolDone:   make(map[string]int),
		toolStatus: make(map[string]string),
	}
}

func (l *activityLog) append(entry Entry) int {
	l.entries = append(l.entries, entry)
	return len(l.entries) - 1
}

// mergeText folds a text snapshot into the generating entry for the
// part, creating it on first sight.
func (l *activityLog) mergeText(partID, text string, at time.Time) {
	if index, ok := l.textParts[partID]; ok {
		l.entries[index].Text = mergeSnapshot(l.entries[index].Text, text)
		return
	}
	l.textParts[partID] = l.append(Entry{
		Kind:       EntryGenerating,
		At:         at,
		InProgress: true,
		PartID:     partID,
		Text:       text,
	})
}

// mergeReasoning folds a reasoning snapshot into the thinking entry
// for the block. A non-nil end time finalizes the block; later deltas
// for a finalized block are discarded.
func (l *activityLog) mergeReasoning(blockID, text string, ended bool, at time.Time) {
	if index, ok := l.reasoning[blockID]; ok {
		entry := &l.entries[index]
		if !entry.InProgress {
			return
		}
		entry.Text = mergeSnapshot(entry.Text, text)
		if ended {
			entry.InProgress = false
		}
		return
	}
	l.reasoning[blockID] = l.append(Entry{
		Kind:       EntryThinking,
		At:         at,
		InProgress: !ended,
		PartID:     blockID,
		Text:       text,
	})
}

// applyToolStatus is the deduplicated tool lifecycle fold. Repeating a
// status is a no-op; pending/running opens a tool_start; completed or
// error closes it, appending exactly one tool_complete.
func (l *activityLog) applyToolStatus(callID, toolName, status, input, output, errorDetail string, duration time.Duration, at time.Time) bool {
	if l.toolStatus[callID] == status {
		return false
	}
	if _, closed := l.toolDone[callID]; closed {
		return false
	}

	switch status {
	case event.ToolPending, event.ToolRunning:
		if index, ok := l.toolStarts[callID]; ok {
			l.entries[index].ToolStatus = status
			l.toolStatus[callID] = status
			return false
		}
		l.toolStarts[callID] = l.append(Entry{
			Kind:       EntryToolStart,
			At:         at,
			InProgress: true,
			CallID:     callID,
			ToolName:   toolName,
			ToolStatus: status,
			Input:      input,
		})
		l.toolStatus[callID] = status
		return true
	case event.ToolCompleted, event.ToolError:
		if index, ok := l.toolStarts[callID]; ok {
			l.entries[index].InProgress = false
			l.entries[index].ToolStatus = status
			if toolName == "" {
				toolName = l.entries[index].ToolName
			}
		} else {
			// Completion without an observed start, typically during
			// transcript reconciliation.
			l.toolStarts[callID] = l.append(Entry{
				Kind:       EntryToolStart,
				At:         at,
				CallID:     callID,
				ToolName:   toolName,
				ToolStatus: status,
				Input:      input,
			})
		}
		l.toolDone[callID] = l.append(Entry{
			Kind:        EntryToolComplete,
			At:          at,
			CallID:      callID,
			ToolName:    toolName,
			ToolStatus:  status,
			Output:      output,
			ErrorDetail: errorDetail,
			Duration:    duration,
		})
		l.toolStatus[callID] = status
		return true
	default:
		return false
	}
}

func (l *activityLog) toolClosed(callID string) bool {
	_, ok := l.toolDone[callID]
	return ok
}

// generatingText returns the concatenation of all generating parts in
// arrival order.
func (l *activityLog) generatingText() string {
	var text string
	for _, entry := range l.entries {
		if entry.Kind == EntryGenerating {
			text += entry.Text
		}
	}
	return text
}

func (l *activityLog) hasReasoningBlock(blockID string) bool {
	_, ok := l.reasoning[blockID]
	return ok
}

// replaceGeneratingText rewrites the generating portion of the log to
// hold the authoritative final text as a single finalized entry.
func (l *activityLog) replaceGeneratingText(text string, at time.Time) {
	kept := l.entries[:0]
	for _, entry := range l.entries {
		if entry.Kind != EntryGenerating {
			kept = append(kept, entry)
		}
	}
	l.entries = kept
	l.reindex()
	l.textParts["final"] = l.append(Entry{
		Kind:   EntryGenerating,
		At:     at,
		PartID: "final",
		Text:   text,
	})
}

func (l *activityLog) reindex() {
	l.textParts = make(map[string]int)
	l.reasoning = make(map[string]int)
	l.toolStarts = make(map[string]int)
	l.toolDone = make(map[string]int)
	for index, entry := range l.entries {
		switch entry.Kind {
		case EntryGenerating:
			l.textParts[entry.PartID] = index
		case EntryThinking:
			l.reasoning[entry.PartID] = index
		case EntryToolStart:
			l.toolStarts[entry.CallID] = index
		case EntryToolComplete:
			l.toolDone[entry.CallID] = index
		}
	}
}

// finalizeOpen clears the in-progress flag on every open entry.
func (l *activityLog) finalizeOpen() {
	for index := range l.entries {
		l.entries[index].InProgress = false
	}
}

func (l *activityLog) snapshot() []Entry {
	entries := make([]Entry, len(l.entries))
	for index, entry := range l.entries {
		entries[index] = entry.clone()
	}
	return entries
}
