package handlers

import (
	"net/http"

	"fieldsync/auth"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type AuthHandler struct {
	client Client
	log    zerolog.Logger
}

func NewAuthHandler(client Client, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		client: client,
		log:    logger.With().Str("component", "handlers").Logger(),
	}
}

// State returns the current auth snapshot.
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.GetAuthState())
}

// Login handles user authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	st, err := h.client.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Logout clears the local session. It succeeds offline.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Logout(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("logout could not clear the cached session")
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.client.GetAuthState())
}
