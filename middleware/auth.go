package middleware

import (
	"context"
	"net/http"

	"fieldsync/models"

	"github.com/goccy/go-json"
)

type contextKey string

const AuthStateContextKey contextKey = "auth_state"

// AuthStateFunc returns the current session snapshot.
type AuthStateFunc func() models.AuthState

// RequireSession rejects requests unless a field user is logged in, online
// or offline, and injects the auth snapshot into the context.
func RequireSession(state AuthStateFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := state()
			if !st.Authenticated {
				writeError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthStateContextKey, st)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthStateFromContext retrieves the auth snapshot from the request context
func GetAuthStateFromContext(ctx context.Context) (models.AuthState, bool) {
	st, ok := ctx.Value(AuthStateContextKey).(models.AuthState)
	return st, ok
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
