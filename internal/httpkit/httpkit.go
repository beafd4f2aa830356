// Package httpkit builds the outbound HTTP clients used to reach the
// completion providers and turns their error responses into typed
// errors. Every client shares the same dial and TLS timeouts, idle
// connection limits and User-Agent.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/vanguard/internal/buildinfo"
)

const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 10

	// StreamHeaderTimeout bounds the wait for the first response byte
	// of a completion stream. Providers queue requests under load.
	StreamHeaderTimeout = 120 * time.Second

	// errorBodyLimit caps how much of an error response is kept.
	errorBodyLimit = 4096
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	headers       http.Header
	retries       int
	backoff       time.Duration
	logger        *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// streaming clients need; their context bounds the request instead.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout sets how long to wait for response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithHeader adds a header to every request that does not already
// carry it.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Set(key, value) }
}

// WithRetry retries requests that failed while connecting, so the
// provider never saw them. The wait starts at backoff and doubles.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(o *options) {
		o.retries = retries
		o.backoff = backoff
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client with the shared defaults. Requests
// carry the Vanguard User-Agent.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:       30 * time.Second,
		headerTimeout: 15 * time.Second,
		headers:       http.Header{},
	}
	o.headers.Set("User-Agent", buildinfo.UserAgent())
	for _, opt := range opts {
		opt(o)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = &headerTransport{base: transport, headers: o.headers}
	if o.retries > 0 {
		rt = &retryTransport{base: rt, retries: o.retries, backoff: o.backoff, logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// NewStreamingClient returns the client used for completion streams: no
// overall timeout, a long header wait, and two connect retries.
func NewStreamingClient(logger *slog.Logger) *http.Client {
	return NewClient(
		WithTimeout(0),
		WithHeaderTimeout(StreamHeaderTimeout),
		WithRetry(2, 500*time.Millisecond),
		WithLogger(logger),
	)
}

// headerTransport fills default headers the caller did not set.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for key, values := range t.headers {
		if req.Header.Get(key) != "" {
			continue
		}
		if !cloned {
			// RoundTrippers must not mutate the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[key] = values
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if !isConnectError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	wait := t.backoff
	for attempt := 1; attempt <= t.retries; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying provider request after connect error",
				"host", req.URL.Host,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		wait *= 2

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}

		resp, err = t.base.RoundTrip(retry)
		if !isConnectError(err) {
			return resp, err
		}
	}
	return resp, err
}

// isConnectError reports whether err happened before the request left
// the host. ECONNRESET is excluded: the provider may already be
// generating (and billing) the completion.
func isConnectError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed (rate limits
// and server-side failures).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Unauthorized reports whether the provider rejected the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// CheckResponse returns nil for a 2xx response. Otherwise it consumes
// and closes the body and returns a *StatusError.
func CheckResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	DrainAndClose(resp.Body)

	msg := strings.TrimSpace(string(body))
	if err != nil {
		msg = fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: msg}
}

// DrainAndClose discards a bounded remainder of rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64*1024))
	rc.Close()
}
