// Package handlers exposes the client core to the local UI shell over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"fieldsync/connectivity"
	"fieldsync/models"
	"fieldsync/syncer"

	"github.com/goccy/go-json"
)

// Client is the slice of core.Client the handlers need.
type Client interface {
	SubmitRecord(ctx context.Context, kind models.Kind, payload map[string]any) (string, error)
	GetAuthState() models.AuthState
	Login(ctx context.Context, username, password string) (models.AuthState, error)
	Logout(ctx context.Context) error
	SubscribeAuth(fn func(models.AuthState)) (unsubscribe func())
	SubscribeSyncEvents(fn func(models.SyncEvent)) (unsubscribe func())
	SubscribeConnectivity(fn func(models.ConnectivityEvent)) (unsubscribe func())
	GetPendingCount(ctx context.Context) (int, error)
	PendingByKind(ctx context.Context) (map[models.Kind]int, error)
	Records(ctx context.Context, kind models.Kind) ([]*models.Record, error)
	Sync(ctx context.Context) (syncer.Result, error)
	Syncing() bool
}

// Monitor accepts platform reachability signals.
type Monitor interface {
	Status() connectivity.Status
	Update(sig connectivity.Signal)
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeFailure maps the error taxonomy to a status. Raw transport text never
// reaches the UI.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Validation failed", Fields: verr.Errors})
	case errors.Is(err, models.ErrUnknownKind):
		writeError(w, "Unknown record kind", http.StatusNotFound)
	case errors.Is(err, models.ErrOffline):
		writeError(w, "Device is offline", http.StatusServiceUnavailable)
	case errors.Is(err, models.ErrAuthentication):
		writeError(w, "Invalid username or password", http.StatusUnauthorized)
	case errors.Is(err, models.ErrSweepInProgress):
		writeError(w, "Sync already in progress", http.StatusConflict)
	case errors.Is(err, models.ErrStoreUnavailable):
		writeError(w, "Local storage unavailable", http.StatusInternalServerError)
	default:
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}
