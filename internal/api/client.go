package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/fieldops/internal/circuitbreaker"
	"github.com/sirupsen/logrus"
)

// API areas, one circuit breaker each.
const (
	AreaDeliveries = "deliveries"
	AreaDrivers    = "drivers"
	AreaPayments   = "payments"
)

const maxErrorBody = 64 << 10

// Client talks JSON to the remote sales/distribution API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     *logrus.Logger
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithBreakers(breakers *circuitbreaker.Manager) Option {
	return func(c *Client) { c.breakers = breakers }
}

func NewClient(baseURL string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = circuitbreaker.NewManager(circuitbreaker.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			IsFailure:   IsFailure,
		}, logger)
	}
	return c
}

type bearerKey struct{}

// WithBearer makes requests issued with ctx authenticate as token instead of
// the client's own token. The storefront uses it to act for the customer.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

func (c *Client) tokenFor(ctx context.Context) string {
	if token, ok := ctx.Value(bearerKey{}).(string); ok && token != "" {
		return token
	}
	return c.token
}

// Breakers exposes the per-area breakers for health reporting.
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

func (c *Client) doJSON(ctx context.Context, area, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return c.do(ctx, area, method, path, "application/json", payload, out)
}

func (c *Client) doMultipart(ctx context.Context, area, path, field, filename string, content io.Reader, out interface{}) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to write multipart content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return c.do(ctx, area, http.MethodPost, path, writer.FormDataContentType(), buf.Bytes(), out)
}

func (c *Client) do(ctx context.Context, area, method, path, contentType string, payload []byte, out interface{}) error {
	requestID := uuid.New().String()
	start := time.Now()

	err := c.breakers.For(area).Execute(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		if payload != nil {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if token := c.tokenFor(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request to %s api: %w", area, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return newError(method, path, resp)
		}

		if out == nil {
			return nil
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read %s api response: %w", area, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s api response: %w", area, err)
		}
		return nil
	})

	entry := c.logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"request_id":  requestID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Debug("API request failed")
		return err
	}
	entry.Debug("API request completed")
	return nil
}

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int
	Message    string
	Method     string
	Path       string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: api returned error status: %d", e.Method, e.Path, e.StatusCode)
}

func newError(method, path string, resp *http.Response) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode, Method: method, Path: path}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}

// Message returns the server's message when err carries one, and err's text
// otherwise.
func Message(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsFailure reports whether err says something is wrong with the API itself,
// as opposed to the API rejecting a request. Client errors do not trip the
// breakers, except timeouts and throttling.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	if code == 0 {
		return true
	}
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}
