// Package remote is a reference implementation of the remote side: the
// idempotent accept-record endpoints and the identity endpoints. It backs the
// dev server binary and the end-to-end tests.
package remote

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldsync/auth"
	"fieldsync/models"
	"fieldsync/transport"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// maxBody bounds an accept-record request after decompression.
const maxBody = 32 << 20

type account struct {
	user auth.User
	hash string
}

// Server holds accepted records in memory, keyed by kind and local id.
type Server struct {
	jwt *auth.JWTManager
	log zerolog.Logger

	mu         sync.Mutex
	accounts   map[string]account // by username
	revoked    map[string]struct{}
	records    map[models.Kind]map[string]transport.Envelope
	deliveries map[string]int // accept calls per local id, duplicates included

	failNext     int
	emptyAck     bool
	dropAckAfter int
}

// NewServer creates an empty server issuing tokens with jwt.
func NewServer(jwt *auth.JWTManager, logger zerolog.Logger) *Server {
	records := make(map[models.Kind]map[string]transport.Envelope, len(models.Kinds))
	for _, k := range models.Kinds {
		records[k] = make(map[string]transport.Envelope)
	}
	return &Server{
		jwt:        jwt,
		log:        logger.With().Str("component", "remote").Logger(),
		accounts:   make(map[string]account),
		revoked:    make(map[string]struct{}),
		records:    records,
		deliveries: make(map[string]int),
	}
}

// AddUser registers a field account. The password is bcrypt-hashed at cost.
func (s *Server) AddUser(user auth.User, password string, cost int) error {
	hash, err := auth.HashPassword(password, cost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[user.Username] = account{user: user, hash: hash}
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().Unix()})
	})
	r.Post("/api/login", s.Login)
	r.Post("/api/refresh", s.RefreshToken)
	r.Get("/api/me", s.Me)
	r.Post("/api/logout", s.Logout)
	r.Post("/api/reports/{endpoint}", s.Accept)
	return r
}

// FailNext makes the next n accept calls answer 503 without storing.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetEmptyAck makes accept calls store the record but answer 200 with no body.
func (s *Server) SetEmptyAck(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyAck = on
}

// DropAckNext makes the next n accept calls store the record and then answer 500,
// simulating an acknowledgement lost on the way back.
func (s *Server) DropAckNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAckAfter = n
}

// Count returns the number of distinct records held for kind.
func (s *Server) Count(kind models.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[kind])
}

// Record returns the stored envelope for kind/id.
func (s *Server) Record(kind models.Kind, id string) (transport.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.records[kind][id]
	return env, ok
}

// Deliveries returns how many accept calls carried id.
func (s *Server) Deliveries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id]
}

// Accept handles POST /api/reports/{endpoint}. Replays of a known local id
// are answered with the original receipt and not stored again.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindForEndpoint(chi.URLParam(r, "endpoint"))
	if !ok {
		writeError(w, "Unknown report type", http.StatusNotFound)
		return
	}

	principal, status, msg := s.principal(r)
	if status != 0 {
		writeError(w, msg, status)
		return
	}

	env, err := decodeEnvelope(r)
	if err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if env.LocalID == "" {
		env.LocalID = env.ID
	}
	if env.LocalID == "" {
		writeError(w, "local_id is required", http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != env.LocalID {
		writeError(w, "Idempotency-Key does not match local_id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.deliveries[env.LocalID]++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		writeError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	_, duplicate := s.records[kind][env.LocalID]
	if !duplicate {
		env.Kind = kind
		s.records[kind][env.LocalID] = env
	}
	emptyAck := s.emptyAck
	dropAck := s.dropAckAfter > 0
	if dropAck {
		s.dropAckAfter--
	}
	s.mu.Unlock()

	s.log.Info().
		Str("kind", string(kind)).
		Str("local_id", env.LocalID).
		Str("principal", principal).
		Bool("duplicate", duplicate).
		Msg("record received")

	switch {
	case dropAck:
		writeError(w, "Internal server error", http.StatusInternalServerError)
	case emptyAck:
		w.WriteHeader(http.StatusOK)
	case duplicate:
		writeJSON(w, http.StatusOK, models.Receipt{ID: env.LocalID, LocalID: env.LocalID, Status: "duplicate"})
	default:
		writeJSON(w, http.StatusCreated, models.Receipt{ID: env.LocalID, LocalID: env.LocalID, Status: "created"})
	}
}

// principal resolves the caller: a valid bearer token, or the device id in
// anonymous mode. A present but invalid token is rejected.
func (s *Server) principal(r *http.Request) (string, int, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		claims, err := s.validate(header)
		if err != nil {
			return "", http.StatusUnauthorized, "Invalid or expired token"
		}
		return "user:" + claims.UID, 0, ""
	}
	if device := strings.TrimSpace(r.Header.Get("X-Device-ID")); device != "" {
		return "device:" + device, 0, ""
	}
	return "", http.StatusUnauthorized, "Authentication required"
}

func (s *Server) validate(header string) (*auth.Claims, error) {
	token, err := auth.ExtractToken(header)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return nil, models.ErrNoRemoteSession
	}
	return s.jwt.ValidateToken(token)
}

func decodeEnvelope(r *http.Request) (transport.Envelope, error) {
	var body io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return transport.Envelope{}, err
		}
		defer zr.Close()
		body = zr
	}

	var env transport.Envelope
	if err := json.NewDecoder(io.LimitReader(body, maxBody)).Decode(&env); err != nil {
		return transport.Envelope{}, err
	}
	return env, nil
}

func kindForEndpoint(endpoint string) (models.Kind, bool) {
	for _, k := range models.Kinds {
		if k.Endpoint() == endpoint {
			return k, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, auth.ErrorResponse{Error: message})
}
