package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/atlasvet/clinical-ai-gateway/internal/auth"
	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// clinicContextKey is the context key for the authenticated clinic ID.
type clinicContextKey struct{}

// AuthMiddleware validates API keys and injects the clinic ID into the
// request context. If the authenticator is nil, the middleware is a no-op.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authenticator == nil {
				next.ServeHTTP(w, r)
				return
			}

			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, domain.ErrAuthentication("missing or malformed Authorization header"))
				return
			}

			clinicID, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, domain.ErrAuthentication("invalid API key"))
				return
			}

			AddLogField(r.Context(), "clinic_id", clinicID)
			ctx := context.WithValue(r.Context(), clinicContextKey{}, clinicID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClinicID retrieves the authenticated clinic ID from context.
// Returns an empty string if no clinic is set.
func GetClinicID(ctx context.Context) string {
	if clinicID, ok := ctx.Value(clinicContextKey{}).(string); ok {
		return clinicID
	}
	return ""
}

// errorEnvelope is the JSON error body shared by middleware and handlers.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteError writes a domain error as the standard JSON error envelope.
// Unrecognized errors become a generic 500 so upstream detail never leaks.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		apiErr = domain.ErrServer("An error occurred processing your request")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorEnvelope{
		Error: apiErr.Message,
		Code:  string(apiErr.Code),
	})
}
