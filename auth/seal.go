package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"fieldsync/models"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// ErrTampered is returned when a sealed session fails MAC verification.
var ErrTampered = errors.New("sealed session failed verification")

const sealVersion = "v1"

// Sealer authenticates a persisted session with a keyed BLAKE2b-256 MAC.
// The body stays readable; the MAC only detects edits made outside the app.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer. The key must be 1..64 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("session key must be 1..%d bytes, got %d", blake2b.Size, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encodes the session as "v1.<body>.<mac>".
func (s *Sealer) Seal(sess *models.Session) (string, error) {
	body, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	mac, err := s.mac(body)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return sealVersion + "." + enc.EncodeToString(body) + "." + enc.EncodeToString(mac), nil
}

// Open verifies and decodes a sealed session.
func (s *Sealer) Open(sealed string) (*models.Session, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 || parts[0] != sealVersion {
		return nil, fmt.Errorf("%w: malformed envelope", ErrTampered)
	}

	enc := base64.RawURLEncoding
	body, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrTampered, err)
	}
	got, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: mac: %v", ErrTampered, err)
	}

	want, err := s.mac(body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, ErrTampered
	}

	var sess models.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *Sealer) mac(body []byte) ([]byte, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return nil, fmt.Errorf("init mac: %w", err)
	}
	h.Write(body)
	return h.Sum(nil), nil
}
