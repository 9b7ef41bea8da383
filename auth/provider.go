package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldsync/models"

	"github.com/goccy/go-json"
)

// DefaultCredentialTTL is assumed when neither the response nor the token carries an expiry.
const DefaultCredentialTTL = time.Hour

// Client talks to the remote identity provider.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewClient creates an identity client. Every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Login exchanges a username and password for an identity and credential.
// Every failure is reported as ErrAuthentication.
func (c *Client) Login(ctx context.Context, username, password string) (models.Identity, models.Credential, error) {
	var out LoginResponse
	status, err := c.do(ctx, http.MethodPost, "/api/login", "", LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return models.Identity{}, models.Credential{}, fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}
	if status != http.StatusOK {
		return models.Identity{}, models.Credential{}, fmt.Errorf("%w: login returned %d", models.ErrAuthentication, status)
	}
	if out.Token == "" || out.User == nil || out.User.UserID == "" {
		return models.Identity{}, models.Credential{}, fmt.Errorf("%w: incomplete login response", models.ErrAuthentication)
	}

	id := models.Identity{UID: out.User.UserID, Name: out.User.Name, Email: out.User.Email}
	if id.Name == "" {
		id.Name = out.User.Username
	}
	cred := models.Credential{
		Token:        out.Token,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    c.expiry(out.Token, out.ExpiresAt),
	}
	return id, cred, nil
}

// Refresh obtains a new credential. A 401/403 means the provider no longer
// knows the session and is reported as ErrNoRemoteSession.
func (c *Client) Refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	if cred.RefreshToken == "" {
		return models.Credential{}, fmt.Errorf("refresh: %w", models.ErrNoRemoteSession)
	}

	var out RefreshTokenResponse
	status, err := c.do(ctx, http.MethodPost, "/api/refresh", "", RefreshTokenRequest{RefreshToken: cred.RefreshToken}, &out)
	if err != nil {
		return models.Credential{}, fmt.Errorf("refresh: %w", err)
	}
	if err := statusError("refresh", status); err != nil {
		return models.Credential{}, err
	}
	if out.Token == "" {
		return models.Credential{}, fmt.Errorf("refresh: empty token in response")
	}

	next := models.Credential{
		Token:        out.Token,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    c.expiry(out.Token, out.ExpiresAt),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	return next, nil
}

// Me fetches the identity bound to token. Advisory only.
func (c *Client) Me(ctx context.Context, token string) (models.Identity, error) {
	var out User
	status, err := c.do(ctx, http.MethodGet, "/api/me", token, nil, &out)
	if err != nil {
		return models.Identity{}, fmt.Errorf("me: %w", err)
	}
	if err := statusError("me", status); err != nil {
		return models.Identity{}, err
	}
	id := models.Identity{UID: out.UserID, Name: out.Name, Email: out.Email}
	if id.Name == "" {
		id.Name = out.Username
	}
	return id, nil
}

// SignOut ends the remote session.
func (c *Client) SignOut(ctx context.Context, token string) error {
	status, err := c.do(ctx, http.MethodPost, "/api/logout", token, nil, nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return statusError("sign out", status)
}

func (c *Client) expiry(token string, explicit *time.Time) time.Time {
	if explicit != nil && !explicit.IsZero() {
		return explicit.UTC()
	}
	if exp, ok := TokenExpiry(token); ok {
		return exp
	}
	return c.now().Add(DefaultCredentialTTL)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func statusError(op string, status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, models.ErrNoRemoteSession)
	default:
		return fmt.Errorf("%s: %w", op, &models.RejectionError{StatusCode: status})
	}
}
