package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeStatus struct{ fields map[string]interface{} }

func (f fakeStatus) Status() map[string]interface{} { return f.fields }

type fakeConfig struct{ snapshot json.RawMessage }

func (f fakeConfig) ConfigSnapshot() json.RawMessage { return f.snapshot }

func TestHandleStatus(t *testing.T) {
	s := NewServer(fakeStatus{fields: map[string]interface{}{"status": "running"}}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json response: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("expected status running, got %v", body["status"])
	}
}

func TestHandleConfig(t *testing.T) {
	s := NewServer(nil, fakeConfig{snapshot: json.RawMessage(`{"listen":":5000"}`)}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"listen":":5000"}` {
		t.Errorf("unexpected config body: %s", rec.Body.String())
	}
}

func TestHandleConfigUnavailable(t *testing.T) {
	s := NewServer(nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
