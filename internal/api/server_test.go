package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
)

type fakeProvider struct {
	last    *core.Cycle
	seen    dedupe.SeenSet
	seenErr error
	runErr  error
	runs    int
}

func (f *fakeProvider) LastCycle() *core.Cycle           { return f.last }
func (f *fakeProvider) ChannelNames() []string           { return []string{"local", "issue"} }
func (f *fakeProvider) BreakerStates() map[string]string { return map[string]string{"issue": "open"} }
func (f *fakeProvider) SeenSet(context.Context) (dedupe.SeenSet, error) {
	return f.seen, f.seenErr
}
func (f *fakeProvider) RunOnce(context.Context) (*core.Cycle, error) {
	f.runs++
	cycle := &core.Cycle{ID: "c-run", Status: core.CycleStatusCompleted}
	if f.runErr != nil {
		cycle.Status = core.CycleStatusFailed
	}
	return cycle, f.runErr
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := do(t, NewServer(nil, &fakeProvider{}), http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health response %d %v", rec.Code, body)
	}
}

func TestStatusReportsLastCycle(t *testing.T) {
	provider := &fakeProvider{}
	s := NewServer(nil, provider)

	_, body := do(t, s, http.MethodGet, "/api/v1/status")
	if body["status"] != "idle" || body["last_cycle"] != nil {
		t.Fatalf("unexpected idle status %v", body)
	}

	provider.last = &core.Cycle{
		ID:        "c-1",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    core.CycleStatusCompleted,
		Summary:   core.CycleSummary{Entries: 1, Channels: map[string]core.ChannelCounts{"local": {Delivered: 1}}},
	}
	_, body = do(t, s, http.MethodGet, "/api/v1/status")
	if body["status"] != "completed" {
		t.Fatalf("unexpected status %v", body)
	}
	last := body["last_cycle"].(map[string]interface{})
	if last["id"] != "c-1" {
		t.Fatalf("unexpected last cycle %v", last)
	}
	if diff := cmp.Diff(map[string]interface{}{"issue": "open"}, body["breakers"]); diff != "" {
		t.Fatalf("breakers mismatch (-want +got):\n%s", diff)
	}
}

func TestSeenIsSorted(t *testing.T) {
	provider := &fakeProvider{seen: dedupe.SeenSet{
		"nix/zed": {Channels: map[string]string{"local": "2"}},
		"nix/abc": {Channels: map[string]string{"local": "1", "issue": "1"}},
	}}
	_, body := do(t, NewServer(nil, provider), http.MethodGet, "/api/v1/seen")
	packages := body["packages"].([]interface{})
	if body["count"] != float64(2) || len(packages) != 2 {
		t.Fatalf("unexpected seen response %v", body)
	}
	if packages[0].(map[string]interface{})["identity"] != "nix/abc" {
		t.Fatalf("expected sorted identities, got %v", packages)
	}
}

func TestSeenCorruptStore(t *testing.T) {
	provider := &fakeProvider{seenErr: &dedupe.StoreCorruptError{Backend: "file", Path: "x.json", Err: errors.New("bad json")}}
	rec, _ := do(t, NewServer(nil, provider), http.MethodGet, "/api/v1/seen")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRunTriggersCycle(t *testing.T) {
	provider := &fakeProvider{}
	s := NewServer(nil, provider)
	rec, body := do(t, s, http.MethodPost, "/api/v1/run")
	if rec.Code != http.StatusOK || body["id"] != "c-run" || provider.runs != 1 {
		t.Fatalf("unexpected run response %d %v", rec.Code, body)
	}

	provider.runErr = errors.New("feed down")
	rec, body = do(t, s, http.MethodPost, "/api/v1/run")
	if rec.Code != http.StatusBadGateway || body["error"] != "feed down" {
		t.Fatalf("unexpected failed run response %d %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec, _ := do(t, NewServer(nil, &fakeProvider{}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
