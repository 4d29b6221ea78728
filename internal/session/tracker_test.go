package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestStartProcessingExactlyOneWinner(t *testing.T) {
	tracker := NewTracker[int]()

	const contenders = 32
	var wins atomic.Int64
	var waitGroup sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		waitGroup.Add(1)
		go func(id int) {
			defer waitGroup.Done()
			<-start
			if tracker.StartProcessing("S1", id) {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	waitGroup.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if !tracker.IsBusy("S1") {
		t.Fatalf("expected S1 to be busy")
	}
}

func TestStopProcessingIsIdempotent(t *testing.T) {
	tracker := NewTracker[string]()
	if !tracker.StartProcessing("S1", "ctx") {
		t.Fatalf("expected claim to succeed")
	}

	tracker.StopProcessing("S1")
	tracker.StopProcessing("S1")

	if tracker.IsBusy("S1") {
		t.Fatalf("expected S1 to be idle")
	}
	if !tracker.StartProcessing("S1", "ctx2") {
		t.Fatalf("expected re-claim after release")
	}
}

func TestGetContextFindsActiveTurn(t *testing.T) {
	tracker := NewTracker[*struct{ Prompt string }]()
	turnContext := &struct{ Prompt string }{Prompt: "hello"}
	tracker.StartProcessing("S1", turnContext)

	found, busy := tracker.GetContext("S1")
	if !busy || found != turnContext {
		t.Fatalf("expected the active context back, got %v busy=%v", found, busy)
	}

	if _, busy := tracker.GetContext("S2"); busy {
		t.Fatalf("expected no context for idle session")
	}
}

func TestDistinctSessionsDoNotContend(t *testing.T) {
	tracker := NewTracker[int]()
	if !tracker.StartProcessing("S1", 1) || !tracker.StartProcessing("S2", 2) {
		t.Fatalf("distinct sessions must claim independently")
	}
	ids := tracker.ActiveSessions()
	if len(ids) != 2 {
		t.Fatalf("expected 2 active sessions, got %v", ids)
	}
}
