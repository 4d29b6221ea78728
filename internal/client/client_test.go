package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"relay/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(server.URL, "secret", server.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("missing bearer token, got %q", got)
		}
		var request CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if request.WorkingDir != "/work" {
			t.Fatalf("unexpected working dir %q", request.WorkingDir)
		}
		json.NewEncoder(w).Encode(SessionInfo{SessionID: "sess-1", Model: request.Model})
	})

	info, err := c.CreateSession(context.Background(), CreateSessionRequest{WorkingDir: "/work", Model: "opus"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.SessionID != "sess-1" || info.Model != "opus" {
		t.Fatalf("unexpected session info: %+v", info)
	}
}

func TestGetTranscript(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/sess-1/transcript" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Transcript{
			SessionID: "sess-1",
			TurnCount: 2,
			Entries: []TranscriptEntry{
				{MessageID: "m1", TurnIndex: 0, Role: "user", Text: "hi"},
				{MessageID: "m2", TurnIndex: 0, Role: "assistant", Text: "hello",
					ToolCalls: []ToolCallRecord{{CallID: "t1", ToolName: "bash", Status: "completed"}}},
			},
		})
	})

	transcript, err := c.GetTranscript(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if transcript.TurnCount != 2 || len(transcript.Entries) != 2 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	entry, found := transcript.FindMessage("m2")
	if !found || entry.ToolCalls[0].CallID != "t1" {
		t.Fatalf("FindMessage failed: %+v found=%v", entry, found)
	}
	if _, found := transcript.FindMessage("missing"); found {
		t.Fatalf("expected missing message to not resolve")
	}
}

func TestErrorClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": "slow down"})
	})

	err := c.SendPrompt(context.Background(), "sess-1", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "slow down" {
		t.Fatalf("expected wrapped HTTPError with message, got %v", err)
	}
	if !retry.IsTransient(err) {
		t.Fatalf("429 must classify transient")
	}

	status = http.StatusNotFound
	err = c.SendPrompt(context.Background(), "sess-1", "hello")
	if retry.IsTransient(err) {
		t.Fatalf("404 must classify permanent")
	}
}

func TestForkPointValidate(t *testing.T) {
	index := 2
	if err := (ForkPoint{TurnIndex: &index}).Validate(); err != nil {
		t.Fatalf("turn-index point should validate: %v", err)
	}
	if err := (ForkPoint{MessageID: "m1"}).Validate(); err != nil {
		t.Fatalf("message-id point should validate: %v", err)
	}
	if err := (ForkPoint{}).Validate(); err == nil {
		t.Fatalf("empty point must be rejected")
	}
	if err := (ForkPoint{TurnIndex: &index, MessageID: "m1"}).Validate(); err == nil {
		t.Fatalf("ambiguous point must be rejected")
	}
	negative := -1
	if err := (ForkPoint{TurnIndex: &negative}).Validate(); err == nil {
		t.Fatalf("negative index must be rejected")
	}
}

func TestForkSession(t *testing.T) {
	index := 3
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/parent/fork" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var point ForkPoint
		if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
			t.Fatalf("decode point: %v", err)
		}
		if point.TurnIndex == nil || *point.TurnIndex != 3 {
			t.Fatalf("unexpected point %+v", point)
		}
		json.NewEncoder(w).Encode(SessionInfo{SessionID: "child"})
	})

	info, err := c.ForkSession(context.Background(), "parent", ForkPoint{TurnIndex: &index})
	if err != nil {
		t.Fatalf("ForkSession: %v", err)
	}
	if info.SessionID != "child" {
		t.Fatalf("unexpected child id %q", info.SessionID)
	}
}

func TestRespondToPermission(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/sess-1/permissions/req-9" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]bool
		json.NewDecoder(r.Body).Decode(&payload)
		if !payload["approve"] {
			t.Fatalf("expected approval")
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.RespondToPermission(context.Background(), "sess-1", "req-9", true); err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New("  ", "", nil); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}
