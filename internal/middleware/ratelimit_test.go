package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func hit(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	h := NewRateLimiter(0.001, 3, nil).Handler(http.HandlerFunc(okHandler))

	for i := range 3 {
		if rec := hit(h, http.MethodGet, "/", "192.168.1.1:4000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := hit(h, http.MethodGet, "/", "192.168.1.1:4001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec := hit(h, http.MethodGet, "/", "10.0.0.2:4000"); rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
}

func TestRateLimiterKeyedByTask(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, URLParam("id"))
	r := chi.NewRouter()
	r.With(rl.Handler).Post("/tasks/{id}/run", okHandler)

	if rec := hit(r, http.MethodPost, "/tasks/TASK_001/run", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("first run: %d", rec.Code)
	}
	if rec := hit(r, http.MethodPost, "/tasks/TASK_001/run", "10.0.0.9:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same task from another client: expected 429, got %d", rec.Code)
	}
	if rec := hit(r, http.MethodPost, "/tasks/TASK_002/run", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("other task limited: %d", rec.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 1, nil)
	h := rl.Handler(http.HandlerFunc(okHandler))
	hit(h, http.MethodGet, "/", "10.0.0.1:1")
	hit(h, http.MethodGet, "/", "10.0.0.2:1")
	if rl.Len() != 2 {
		t.Fatalf("tracked %d keys", rl.Len())
	}
	rl.cleanup(-time.Second)
	if rl.Len() != 0 {
		t.Fatalf("cleanup left %d keys", rl.Len())
	}
}
