package turn

import (
	"testing"
	"time"

	"relay/internal/event"
)

func TestMergeSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		incoming string
		want     string
	}{
		{"empty buffer", "", "Hello", "Hello"},
		{"empty incoming", "Hello", "", "Hello"},
		{"incoming extends", "Hello", "Hello world", "Hello world"},
		{"current extends", "Hello world", "Hello", "Hello world"},
		{"identical", "Hello", "Hello", "Hello"},
		{"disjoint concatenates", "foo", "bar", "foobar"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := mergeSnapshot(test.current, test.incoming); got != test.want {
				t.Fatalf("mergeSnapshot(%q, %q) = %q, want %q", test.current, test.incoming, got, test.want)
			}
		})
	}
}

func TestMergeTextToleratesReplayAndReorder(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.mergeText("p1", "Hello", now)
	log.mergeText("p1", "Hello world", now)
	log.mergeText("p1", "Hello", now) // late duplicate

	if got := log.generatingText(); got != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", got)
	}
	count := 0
	for _, entry := range log.entries {
		if entry.Kind == EntryGenerating {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one generating entry per part, got %d", count)
	}
}

func TestMergeTextKeepsPartsSeparate(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.mergeText("p1", "first", now)
	log.mergeText("p2", "second", now)
	log.mergeText("p1", "first part", now)

	if got := log.generatingText(); got != "first partsecond" {
		t.Fatalf("unexpected combined text %q", got)
	}
}

func TestToolLifecycleDedup(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.applyToolStatus("t1", "read_file", event.ToolRunning, "{}", "", "", 0, now)
	log.applyToolStatus("t1", "read_file", event.ToolRunning, "{}", "", "", 0, now)
	log.applyToolStatus("t1", "read_file", event.ToolCompleted, "", "ok", "", time.Second, now)
	log.applyToolStatus("t1", "read_file", event.ToolCompleted, "", "ok", "", time.Second, now)

	starts, completes := 0, 0
	for _, entry := range log.entries {
		switch entry.Kind {
		case EntryToolStart:
			starts++
			if entry.InProgress {
				t.Fatalf("tool_start still in progress after completion")
			}
		case EntryToolComplete:
			completes++
			if entry.Output != "ok" {
				t.Fatalf("unexpected output %q", entry.Output)
			}
		}
	}
	if starts != 1 || completes != 1 {
		t.Fatalf("expected exactly one tool_start and one tool_complete, got %d and %d", starts, completes)
	}
}

func TestToolStatusAfterTerminalIsNoOp(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.applyToolStatus("t1", "bash", event.ToolRunning, "", "", "", 0, now)
	log.applyToolStatus("t1", "bash", event.ToolError, "", "", "boom", 0, now)
	log.applyToolStatus("t1", "bash", event.ToolRunning, "", "", "", 0, now)
	log.applyToolStatus("t1", "bash", event.ToolCompleted, "", "late", "", 0, now)

	if len(log.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(log.entries))
	}
	if log.entries[1].ErrorDetail != "boom" {
		t.Fatalf("terminal status was overwritten: %+v", log.entries[1])
	}
}

func TestReasoningBlocksIndependent(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.mergeReasoning("b1", "thinking about", false, now)
	log.mergeReasoning("b2", "other thread", false, now)
	log.mergeReasoning("b1", "thinking about files", true, now)
	log.mergeReasoning("b1", "ignored after finalize", false, now)

	first := log.entries[log.reasoning["b1"]]
	if first.Text != "thinking about files" || first.InProgress {
		t.Fatalf("unexpected finalized block: %+v", first)
	}
	second := log.entries[log.reasoning["b2"]]
	if second.Text != "other thread" || !second.InProgress {
		t.Fatalf("unexpected open block: %+v", second)
	}
}

func TestReplaceGeneratingText(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.mergeText("p1", "partial", now)
	log.applyToolStatus("t1", "bash", event.ToolRunning, "", "", "", 0, now)
	log.mergeText("p2", " and more", now)

	log.replaceGeneratingText("the full final text", now)

	if got := log.generatingText(); got != "the full final text" {
		t.Fatalf("expected authoritative text, got %q", got)
	}
	if _, ok := log.toolStarts["t1"]; !ok {
		t.Fatalf("tool entries lost during text replacement")
	}
}

func TestFinalizeOpenClearsFlags(t *testing.T) {
	now := time.Now()
	log := newActivityLog()
	log.mergeText("p1", "text", now)
	log.mergeReasoning("b1", "thought", false, now)
	log.applyToolStatus("t1", "bash", event.ToolRunning, "", "", "", 0, now)

	log.finalizeOpen()
	for _, entry := range log.entries {
		if entry.InProgress {
			t.Fatalf("entry still in progress after finalize: %+v", entry)
		}
	}
}
