// Package collaborator holds HTTP clients for the services a registration
// saga calls: the user service and the profile service.
//
// Every call is bounded by the client timeout and carries W3C trace context
// headers. Failures come back as one of two kinds:
//
//   - *RemoteError: the service answered with an unexpected status. The
//     remote operation is known to have not happened (or to have been
//     rejected).
//   - an error matching ErrTransport: the request or response was lost.
//     The remote state is unknown.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout bounds every collaborator call.
const DefaultTimeout = 10 * time.Second

// ErrTransport matches errors where the remote service could not be reached
// or its answer could not be read.
var ErrTransport = errors.New("collaborator transport error")

// RemoteError is a non-success answer from a collaborator.
type RemoteError struct {
	Service    string
	StatusCode int
	Message    string
	Body       map[string]any
}

func (e *RemoteError) Error() string {
	return e.Message
}

// transportError keeps the underlying message while matching ErrTransport.
type transportError struct {
	err error
}

func (e *transportError) Error() string   { return e.err.Error() }
func (e *transportError) Unwrap() []error { return []error{ErrTransport, e.err} }

// Option configures a client
type Option func(*client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client. Its Timeout is replaced by the
// configured per-call timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}

type client struct {
	service string
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func newClient(service, baseURL string, opts ...Option) *client {
	c := &client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "collaborator>"+service),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Timeout = c.timeout
	c.http = &hc
	return c
}

// do sends a JSON request and decodes the answer into out when the status
// is one of ok. Any other status yields a *RemoteError.
func (c *client) do(ctx context.Context, method, path string, body, out any, ok ...int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "method", method, "path", path, "error", err)
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug("request done", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if !slices.Contains(ok, resp.StatusCode) {
		return c.remoteError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &transportError{err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (c *client) remoteError(status int, data []byte) *RemoteError {
	e := &RemoteError{Service: c.service, StatusCode: status, Message: "Unknown error"}
	var body map[string]any
	if json.Unmarshal(data, &body) == nil {
		e.Body = body
		if msg, ok := body["error"].(string); ok && msg != "" {
			e.Message = msg
		}
	}
	return e
}

// CompensationResponse is the answer to a compensating delete.
type CompensationResponse struct {
	Success     bool   `json:"success"`
	Compensated bool   `json:"compensated"`
	Message     string `json:"message,omitempty"`
	UserID      *int64 `json:"user_id,omitempty"`
	ProfileID   *int64 `json:"profile_id,omitempty"`
}
