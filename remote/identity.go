package remote

import (
	"net/http"

	"fieldsync/auth"
	"fieldsync/models"

	"github.com/goccy/go-json"
)

// Login handles user authentication
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Username]
	s.mu.Unlock()
	if !ok {
		s.log.Info().Str("username", req.Username).Msg("login failed: user not found")
		writeError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	if err := auth.CheckPassword(req.Password, acct.hash); err != nil {
		s.log.Info().Str("username", req.Username).Msg("login failed: invalid password")
		writeError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	id := identityOf(acct.user)
	token, expiresAt, err := s.jwt.GenerateToken(id)
	if err != nil {
		s.log.Error().Err(err).Str("username", req.Username).Msg("failed to generate token")
		writeError(w, "Failed to generate authentication token", http.StatusInternalServerError)
		return
	}
	refresh, err := s.jwt.GenerateRefreshToken(id)
	if err != nil {
		s.log.Error().Err(err).Str("username", req.Username).Msg("failed to generate refresh token")
		writeError(w, "Failed to generate refresh token", http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("username", req.Username).Msg("user logged in")
	user := acct.user
	writeJSON(w, http.StatusOK, auth.LoginResponse{
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    &expiresAt,
		User:         &user,
	})
}

// RefreshToken handles token refresh
func (s *Server) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	claims, err := s.jwt.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, "Invalid or expired refresh token", http.StatusUnauthorized)
		return
	}
	if _, ok := s.userByID(claims.UID); !ok {
		writeError(w, "User not found", http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := s.jwt.GenerateToken(claims.Identity())
	if err != nil {
		s.log.Error().Err(err).Str("uid", claims.UID).Msg("failed to generate token")
		writeError(w, "Failed to generate authentication token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, auth.RefreshTokenResponse{
		Token:     token,
		ExpiresAt: &expiresAt,
	})
}

// Me returns the account bound to the bearer token.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	claims, err := s.validate(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}
	user, ok := s.userByID(claims.UID)
	if !ok {
		writeError(w, "User not found", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Logout revokes the presented access token.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.revoked[token] = struct{}{}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) userByID(uid string) (auth.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.user.UserID == uid {
			return acct.user, true
		}
	}
	return auth.User{}, false
}

func identityOf(u auth.User) models.Identity {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return models.Identity{UID: u.UserID, Name: name, Email: u.Email}
}
