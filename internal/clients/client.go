// Package clients holds the HTTP clients the circulation service uses to
// reach the catalog and membership services.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// StatusError is returned when a service answers with an unexpected status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.URL, e.Code)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Option configures a client.
type Option func(*client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *client) { c.logger = logger }
}

// WithMaxTries bounds the attempts made for idempotent requests.
func WithMaxTries(n uint) Option {
	return func(c *client) { c.maxTries = n }
}

// client sends JSON requests through a circuit breaker. GETs are retried
// with exponential backoff on transport errors and 5xx answers.
type client struct {
	baseURL  string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	maxTries uint
}

func newClient(name, baseURL string, opts ...Option) *client {
	c := &client{
		baseURL:  baseURL,
		http:     http.DefaultClient,
		logger:   zap.NewNop(),
		maxTries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named(name)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 4xx answer means the service is up.
		IsSuccessful: func(err error) bool {
			code := statusCode(err)
			return err == nil || (code >= 400 && code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// get decodes the JSON body of a GET into out.
func (c *client) get(ctx context.Context, path string, out any) error {
	operation := func() (struct{}, error) {
		err := c.send(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return struct{}{}, nil
		}
		if code := statusCode(err); code >= 400 && code < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Debug("retrying request", zap.String("path", path), zap.Error(err))
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	return err
}

func (c *client) send(ctx context.Context, method, path string, in, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, in, out)
	})
	return err
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
