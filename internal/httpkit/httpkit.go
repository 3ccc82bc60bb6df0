// Package httpkit builds the outbound HTTP client used for webhook
// delivery. One construction path gives every outbound request the same
// timeouts, connection limits, User-Agent, and retry behavior.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
)

// Option configures the client returned by NewClient.
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	userAgent  string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithRetry re-sends requests that fail with a transient connect error
// (host or network unreachable, connection refused). Requests with a
// body are retried only when GetBody can rewind it. Connect failures
// happen before any bytes reach the server, so a retry never duplicates
// a delivered request.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *settings) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewClient builds an *http.Client with pooled connections, explicit
// timeouts at every phase, and a stable User-Agent.
func NewClient(opts ...Option) *http.Client {
	s := settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(&s)
	}

	var rt http.RoundTripper = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
	rt = &uaTransport{base: rt, agent: s.userAgent}
	if s.maxRetries > 0 {
		rt = &retryTransport{
			base:    rt,
			retries: s.maxRetries,
			delay:   s.retryDelay,
			logger:  s.logger,
		}
	}

	return &http.Client{Timeout: s.timeout, Transport: rt}
}

// uaTransport sets the User-Agent header on requests that do not
// already carry one.
type uaTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// retryTransport re-sends a request after transient connect errors, up
// to retries additional attempts with a fixed delay between them.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)

	for attempt := 1; attempt <= t.retries; attempt++ {
		if err == nil || !retryable(err) {
			return resp, err
		}
		// A non-rewindable body cannot be sent a second time.
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, err
		}

		if t.logger != nil {
			t.logger.Debug("retrying after transient error",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, rewindErr := req.GetBody()
			if rewindErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", rewindErr)
			}
			next.Body = body
		}

		resp, err = t.base.RoundTrip(next)
		if err == nil && t.logger != nil {
			t.logger.Info("request succeeded after retry",
				"method", req.Method,
				"url", req.URL.String(),
				"attempts", attempt+1,
			)
		}
	}
	return resp, err
}

// retryable reports whether err is a connect-phase failure worth
// retrying. ECONNRESET is excluded: a reset can arrive after the server
// has acted on the request.
func retryable(err error) bool {
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

// DrainAndClose reads at most limit bytes from rc and closes it, so the
// underlying connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for error reporting,
// draining and closing the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(read error body: %v)", err)
	}
	return string(b)
}
