package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/atlasvet/clinical-ai-gateway/internal/auth"
	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("expected request ID in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("header %q does not match context value %q", got, seen)
	}
}

func TestAuthMiddleware(t *testing.T) {
	authenticator := auth.NewAuthenticator([]auth.Credential{
		{ClinicID: "clinic-1", KeyHash: auth.HashAPIKey("valid-key")},
	})

	var clinicID string
	handler := AuthMiddleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID = GetClinicID(r.Context())
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantClinic string
	}{
		{name: "valid key", header: "Bearer valid-key", wantStatus: http.StatusOK, wantClinic: "clinic-1"},
		{name: "invalid key", header: "Bearer wrong-key", wantStatus: http.StatusUnauthorized},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", header: "valid-key", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clinicID = ""
			r := httptest.NewRequest(http.MethodPost, "/api/analyze-recording", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if clinicID != tt.wantClinic {
				t.Errorf("clinic = %q, want %q", clinicID, tt.wantClinic)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("error body not JSON: %v", err)
				}
				if body["error"] == "" {
					t.Error("expected error message in envelope")
				}
			}
		})
	}
}

func TestRateLimitMiddlewareAllowsAndCounts(t *testing.T) {
	limiter := ratelimit.NewLimiter(memory.New(), map[string]ratelimit.Policy{
		"analyze": {MaxAttempts: 2, Window: time.Hour},
	}, testLogger())
	handler := RateLimitMiddleware(limiter, "analyze")(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		wantRemaining := strconv.Itoa(2 - i)
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Errorf("request %d: remaining %q, want %q", i+1, got, wantRemaining)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body["code"] != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", body["code"])
	}
}

func TestRateLimitMiddlewareLockout(t *testing.T) {
	limiter := ratelimit.NewLimiter(memory.New(), map[string]ratelimit.Policy{
		"analyze": {
			MaxAttempts:      100,
			Window:           time.Hour,
			LockoutThreshold: 3,
			LockoutDuration:  time.Hour,
		},
	}, testLogger())

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	handler := RateLimitMiddleware(limiter, "analyze")(failing)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked-out request status %d, want 429", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body["code"] != "LOCKED_OUT" {
		t.Errorf("code = %q, want LOCKED_OUT", body["code"])
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadlineSet bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !deadlineSet {
		t.Error("expected deadline on request context")
	}
}

func TestAddLogFieldOutsideMiddleware(t *testing.T) {
	// Must be a no-op rather than a panic when the middleware isn't present.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	AddLogField(r.Context(), "key", "value")
	AddError(r.Context(), nil)
}
