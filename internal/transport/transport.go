// Package transport performs single HTTP exchanges and returns a uniform
// Outcome. It records timing and status for every exchange but never applies
// retry or authentication policy; that belongs to the caller.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

// Default network settings.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultUserAgent      = "gdrive-go/0.1"
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	idleConnTimeout       = 90 * time.Second
)

// Options configures NewHTTPClient.
type Options struct {
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request (including its body) has been written. Zero means no limit.
	ResponseHeaderTimeout time.Duration
	InsecureSkipVerify    bool
	UserAgent             string
	Logger                *slog.Logger
	Metrics               *Metrics
}

// NewHTTPClient builds an *http.Client whose transport logs and measures
// every exchange. No overall Timeout is set; callers bound each call with a
// context.
func NewHTTPClient(opts Options) *http.Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: keepAlive,
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in via config for TLS-intercepting proxies
		},
	}

	return &http.Client{
		Transport: &instrumentedTransport{
			base:      base,
			userAgent: opts.UserAgent,
			logger:    opts.Logger,
			metrics:   opts.Metrics,
			nowFunc:   time.Now,
		},
	}
}

// NewSession returns a client sharing base's transport (and therefore its
// connection pool) but with its own cookie jar, so cookies persist across
// the phases of one transfer and nowhere else.
func NewSession(base *http.Client) *http.Client {
	if base == nil {
		base = Default()
	}

	jar, _ := cookiejar.New(nil) //nolint:errcheck // New never fails with nil options

	return &http.Client{
		Transport:     base.Transport,
		CheckRedirect: base.CheckRedirect,
		Jar:           jar,
		Timeout:       base.Timeout,
	}
}

var defaultClient = sync.OnceValue(func() *http.Client {
	return NewHTTPClient(Options{})
})

// Default returns the package-wide client used when Exchange is given none.
func Default() *http.Client {
	return defaultClient()
}

// Request is one HTTP exchange.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   io.Reader
	// ContentLength, when positive, is sent instead of chunked encoding.
	ContentLength int64
	// Stream returns a successful response body unread, as Outcome.Stream.
	Stream bool
}

// Outcome is the uniform result of an exchange.
type Outcome struct {
	StatusCode int
	Reason     string
	Header     http.Header
	// Body is the raw response body; empty when Stream is set.
	Body []byte
	// JSON is Body decoded as JSON, or nil when Body is not valid JSON.
	JSON any
	// Stream is the open response body for streamed 2xx responses.
	// The caller must close it.
	Stream io.ReadCloser
}

// Exchange performs req with hc (Default() when nil). Streamed requests with
// a 2xx status return the body as a handle; every other response is read in
// full and decoded as JSON when possible.
func Exchange(ctx context.Context, hc *http.Client, req Request) (*Outcome, error) {
	if hc == nil {
		hc = Default()
	}

	target := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("transport: parsing url: %w", err)
		}

		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
		target = u.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}

	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		StatusCode: resp.StatusCode,
		Reason:     http.StatusText(resp.StatusCode),
		Header:     resp.Header,
	}

	if req.Stream && resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		out.Stream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	out.Body = body
	out.JSON = decodeJSON(body)

	return out, nil
}

// decodeJSON returns the decoded body, or nil when it is not JSON.
func decodeJSON(body []byte) any {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}

	return v
}
