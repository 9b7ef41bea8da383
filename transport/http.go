// Package transport delivers records to the remote accept-record endpoints.
package transport

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
	"github.com/klauspost/compress/gzip"
)

// maxErrorBody bounds how much of a rejection body is kept for logs.
const maxErrorBody = 512

// Envelope is the request body of an accept-record call.
type Envelope struct {
	ID        string           `json:"id"`
	LocalID   string           `json:"local_id"`
	Kind      models.Kind      `json:"kind"`
	DeviceID  string           `json:"device_id"`
	CreatedAt time.Time        `json:"created_at"`
	Author    *models.Identity `json:"author,omitempty"`
	Payload   map[string]any   `json:"payload"`
}

// NewEnvelope builds the wire body for rec. The record id travels as both
// id and local_id so the server can deduplicate on either.
func NewEnvelope(rec *models.Record) Envelope {
	return Envelope{
		ID:        rec.ID,
		LocalID:   rec.ID,
		Kind:      rec.Kind,
		DeviceID:  rec.DeviceID,
		CreatedAt: rec.CreatedAt.UTC(),
		Author:    rec.Author,
		Payload:   rec.Payload,
	}
}

// HTTPClient posts records to {base}/api/reports/{endpoint}.
type HTTPClient struct {
	baseURL          string
	http             *http.Client
	timeout          time.Duration
	compressMinBytes int
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithCompressMinBytes sets the body size from which requests are gzip-encoded.
// Zero or negative disables compression.
func WithCompressMinBytes(n int) Option {
	return func(h *HTTPClient) { h.compressMinBytes = n }
}

// NewHTTPClient creates a client. timeout bounds each attempt.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &HTTPClient{
		baseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:             &http.Client{},
		timeout:          timeout,
		compressMinBytes: 8 << 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver sends one record. Any non-2xx answer is a *models.RejectionError;
// a 2xx answer that does not echo the record id is ErrMalformedReceipt.
func (c *HTTPClient) Deliver(ctx context.Context, rec *models.Record, authz models.Authorization) (*models.Receipt, error) {
	endpoint := rec.Kind.Endpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("deliver: %w: %q", models.ErrUnknownKind, rec.Kind)
	}

	body, err := json.Marshal(NewEnvelope(rec))
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	compressed := c.compressMinBytes > 0 && len(body) >= c.compressMinBytes
	if compressed {
		if body, err = gzipBytes(body); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/reports/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if authz.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+authz.BearerToken)
	}
	if authz.DeviceID != "" {
		req.Header.Set("X-Device-ID", authz.DeviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s %s: %w", rec.Kind, rec.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &models.RejectionError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}

	var receipt models.Receipt
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", models.ErrMalformedReceipt)
	}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedReceipt, err)
	}
	if !receipt.Confirms(rec.ID) {
		return nil, fmt.Errorf("%w: got id=%q local_id=%q", models.ErrMalformedReceipt, receipt.ID, receipt.LocalID)
	}
	return &receipt, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return buf.Bytes(), nil
}
