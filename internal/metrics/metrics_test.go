package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, registry *Registry) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	registry.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 200 {
		t.Fatalf("scrape status = %d", recorder.Code)
	}
	return recorder.Body.String()
}

func TestRegistryCounters(t *testing.T) {
	registry := NewRegistry()
	registry.IncTurnStarted()
	registry.IncTurnStarted()
	registry.IncTurnCompleted()
	registry.IncBackendRestart()

	text := scrape(t, registry)
	for _, want := range []string{
		"relay_turns_started_total 2",
		"relay_turns_completed_total 1",
		"relay_backend_restarts_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestRegistryRecordPush(t *testing.T) {
	registry := NewRegistry()
	registry.RecordPush("final", 50*time.Millisecond, nil, 1)
	registry.RecordPush("final", 10*time.Millisecond, errors.New("rate limited"), 2)

	text := scrape(t, registry)
	for _, want := range []string{
		`relay_pushes_total{kind="final"} 2`,
		`relay_push_duration_seconds_count{kind="final"} 2`,
		`relay_push_failures_total{kind="final"} 1`,
		`relay_push_retries_total{kind="final"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestZeroValueRegistryIsNoOp(t *testing.T) {
	var registry *Registry
	registry.IncTurnStarted()
	registry.RecordPush("final", time.Millisecond, nil, 1)

	zero := &Registry{}
	zero.IncTurnStarted()
	zero.RecordPush("final", time.Millisecond, nil, 1)
	recorder := httptest.NewRecorder()
	zero.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 404 {
		t.Fatalf("zero-value handler status = %d, want 404", recorder.Code)
	}
}
