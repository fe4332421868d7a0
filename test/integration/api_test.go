package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/openmic/internal/api"
	"github.com/eugenenazirov/openmic/internal/launch"
	"github.com/eugenenazirov/openmic/internal/storage"
)

// newRouter wires the stack the way a proxied deployment resolves it: origin
// and forgery checks on, forwarded headers trusted.
func newRouter(t *testing.T) http.Handler {
	t.Helper()

	cfg := launch.Config{
		TrustForwardedHeaders:      true,
		EnforceOriginCheck:         true,
		EnforceRequestForgeryCheck: true,
	}
	store := storage.NewMemoryStore()
	handler := api.NewHandler(store, api.WithHostPIN("4242"))
	return api.NewRouter(handler, zaptest.NewLogger(t),
		api.WithPolicy(api.PolicyFromConfig(cfg)))
}

func TestIntegrationFlow(t *testing.T) {
	router := newRouter(t)

	// A browser session starts with a safe request that issues the forgery token.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}
	var token string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "openmic_csrf" {
			token = c.Value
		}
	}
	if token == "" {
		t.Fatalf("expected a forgery token cookie")
	}

	send := func(method, target string, payload any, host bool) *httptest.ResponseRecorder {
		t.Helper()
		var body *bytes.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			body = bytes.NewReader(data)
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, target, body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("X-CSRF-Token", token)
		req.AddCookie(&http.Cookie{Name: "openmic_csrf", Value: token})
		if host {
			req.Header.Set("X-Host-Pin", "4242")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec = send(http.MethodPost, "/api/signups", map[string]string{
		"name": "Sam", "song": "Blink-182 - All the Small Things",
	}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d: %s", rec.Code, rec.Body.String())
	}
	var created storage.Signup
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode signup: %v", err)
	}

	rec = send(http.MethodPut, "/api/songs", map[string][]string{
		"songs": {"Only Song"},
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from catalog update, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = send(http.MethodPost, fmt.Sprintf("/api/signups/%d/done", created.ID), nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from mark done, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from queue, got %d", rec.Code)
	}
	var queue struct {
		Queue []storage.Signup `json:"queue"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&queue); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if len(queue.Queue) != 1 || !queue.Queue[0].Done {
		t.Fatalf("unexpected queue state %+v", queue.Queue)
	}

	// A cross-site request without the token must be rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/signups", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a cross-site request, got %d", rec.Code)
	}
}
