package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
)

// decisionContextKey is the context key for the rate-limit decision.
type decisionContextKey struct{}

// GetRateLimitDecision retrieves the rate-limit decision from context.
// Returns nil before RateLimitMiddleware has run.
func GetRateLimitDecision(ctx context.Context) *ratelimit.Decision {
	if d, ok := ctx.Value(decisionContextKey{}).(*ratelimit.Decision); ok {
		return d
	}
	return nil
}

// RateLimitMiddleware checks the limiter before the handler runs and records
// the attempt afterwards. Denials answer 429 with a Retry-After hint; allowed
// requests carry X-RateLimit-Remaining. The attempt is recorded as failed when
// the handler answers 5xx, which is what feeds lockout escalation.
func RateLimitMiddleware(limiter *ratelimit.Limiter, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := GetClinicID(r.Context())
			if identifier == "" {
				identifier = r.RemoteAddr
			}

			decision := limiter.Check(r.Context(), identifier, action)
			if !decision.Allowed {
				if !decision.RetryAfter.IsZero() {
					w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
				}
				if decision.LockedOut {
					AddLogField(r.Context(), "lockout_reason", decision.Reason)
					WriteError(w, domain.ErrRateLimited("too many failed attempts, try again later").
						WithCode(domain.ErrorCodeLockedOut))
					return
				}
				WriteError(w, domain.ErrRateLimited("rate limit exceeded, try again later"))
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			ctx := context.WithValue(r.Context(), decisionContextKey{}, &decision)

			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			success := wrapped.statusCode < http.StatusInternalServerError
			if err := limiter.Record(r.Context(), identifier, action, success); err != nil {
				AddLogField(r.Context(), "ratelimit_record_error", err.Error())
			}
		})
	}
}

func retryAfterSeconds(t time.Time) string {
	secs := int(time.Until(t).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
