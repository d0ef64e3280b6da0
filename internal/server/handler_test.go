package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/modules/securitypolicies/services"
)

type stubTrigger struct {
	mu    sync.Mutex
	calls [][2]string
}

func (s *stubTrigger) Enqueue(projectID string, configurationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]string{projectID, configurationID})
}

func (s *stubTrigger) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestHandler(trigger *stubTrigger) http.Handler {
	return NewHandler(HandlerOptions{Trigger: trigger})
}

func post(t *testing.T, h http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleReconcile(t *testing.T) {
	trigger := &stubTrigger{}
	h := newTestHandler(trigger)

	rec := post(t, h, "/internal/reconcile", `{"project_id":"p-1","configuration_id":"cfg-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if trigger.count() != 1 {
		t.Fatalf("enqueues = %d, want 1", trigger.count())
	}
	if trigger.calls[0] != [2]string{"p-1", "cfg-1"} {
		t.Fatalf("unexpected enqueue: %v", trigger.calls[0])
	}
}

func TestHandleReconcile_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"bad json", `{`},
		{"unknown field", `{"project_id":"p-1","configuration_id":"cfg-1","extra":true}`},
		{"missing project", `{"configuration_id":"cfg-1"}`},
		{"missing configuration", `{"project_id":"p-1"}`},
		{"blank values", `{"project_id":"  ","configuration_id":"cfg-1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := &stubTrigger{}
			h := newTestHandler(trigger)

			rec := post(t, h, "/internal/reconcile", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if trigger.count() != 0 {
				t.Fatalf("invalid request reached the queue")
			}
		})
	}
}

func TestHandleAuthorizationEvent_Validation(t *testing.T) {
	h := NewHandler(HandlerOptions{Refresh: services.NewEventRefresh(nil, nil, 0)})

	rec := post(t, h, "/internal/events/authorization", `{"project_id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type stubResolver struct {
	byProject map[string]string
}

func (s stubResolver) ConfigurationForProject(_ context.Context, projectID string) (string, error) {
	id, ok := s.byProject[projectID]
	if !ok {
		return "", types.ErrNotFound
	}
	return id, nil
}

func TestHandleConfigurationLookup(t *testing.T) {
	h := NewHandler(HandlerOptions{Resolver: stubResolver{byProject: map[string]string{"p-1": "cfg-1"}}})

	req := httptest.NewRequest(http.MethodGet, "/internal/projects/p-1/configuration", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["configuration_id"] != "cfg-1" {
		t.Fatalf("configuration_id = %q, want cfg-1", body["configuration_id"])
	}
}

func TestHandleConfigurationLookup_Unknown(t *testing.T) {
	h := NewHandler(HandlerOptions{Resolver: stubResolver{}})

	req := httptest.NewRequest(http.MethodGet, "/internal/projects/p-unknown/configuration", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(&stubTrigger{})

	req := httptest.NewRequest(http.MethodGet, "/internal/reconcile", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(&stubTrigger{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
