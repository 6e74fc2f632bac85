// Package drive is an authenticated client for the Google Drive v2 REST API.
// It classifies every response, refreshes an expired access token
// transparently, retries transient failures through internal/retry, and
// drives the two-phase resumable upload protocol.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/gdrive-go/internal/credfile"
	"github.com/tonimelisma/gdrive-go/internal/retry"
	"github.com/tonimelisma/gdrive-go/internal/transport"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://www.googleapis.com/"
	DefaultTokenURL = "https://accounts.google.com/o/oauth2/token"
)

// DefaultCallTimeout bounds one metadata exchange. Content transfers and
// streamed downloads are not bounded by it.
const DefaultCallTimeout = 60 * time.Second

const contentTypeJSON = "application/json"

// Options configures a Client. Zero values select the defaults; a policy
// with a zero Delay selects the matching preset from internal/retry.
type Options struct {
	BaseURL        string
	TokenURL       string
	HTTPClient     *http.Client
	CallTimeout    time.Duration
	RequestPolicy  retry.Policy
	RefreshPolicy  retry.Policy
	TransferPolicy retry.Policy
	Logger         *slog.Logger
}

// Client issues authenticated Drive API calls. It is safe for concurrent
// use; the credential store is the only state shared between calls.
type Client struct {
	store       *credfile.Store
	baseURL     *url.URL
	tokenURL    string
	httpClient  *http.Client
	callTimeout time.Duration
	logger      *slog.Logger

	requestPolicy  retry.Policy
	refreshPolicy  retry.Policy
	transferPolicy retry.Policy

	refreshGroup singleflight.Group

	errMu   sync.Mutex
	lastErr ErrorState
}

// New creates a Client reading and refreshing tokens through store.
// It returns a *retry.ConfigError when a supplied policy is invalid.
func New(store *credfile.Store, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = transport.Default()
	}

	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("drive: parsing base url %q: %w", opts.BaseURL, err)
	}

	c := &Client{
		store:          store,
		baseURL:        base,
		tokenURL:       opts.TokenURL,
		httpClient:     opts.HTTPClient,
		callTimeout:    opts.CallTimeout,
		logger:         opts.Logger,
		requestPolicy:  withDefaults(opts.RequestPolicy, retry.RequestPolicy(), opts.Logger),
		refreshPolicy:  withDefaults(opts.RefreshPolicy, retry.RefreshPolicy(), opts.Logger),
		transferPolicy: withDefaults(opts.TransferPolicy, retry.TransferPolicy(), opts.Logger),
	}

	for _, p := range []retry.Policy{c.requestPolicy, c.refreshPolicy, c.transferPolicy} {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func withDefaults(p, preset retry.Policy, logger *slog.Logger) retry.Policy {
	if p.Delay == 0 {
		p = preset
	}

	if p.Name == "" {
		p.Name = preset.Name
	}

	if p.Logger == nil {
		p.Logger = logger
	}

	return p
}

// LastError returns the status of the most recent exchange.
func (c *Client) LastError() ErrorState {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.lastErr
}

func (c *Client) setError(code int, reason string) {
	c.errMu.Lock()
	c.lastErr = ErrorState{Code: code, Reason: reason}
	c.errMu.Unlock()
}

// FormFile is one file part of a multipart/form-data request.
type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Call describes one authenticated request. Resource is a path resolved
// against the base URL, or an absolute http(s) URL used as is. Body is
// encoded as JSON unless Files is set, in which case the request is
// multipart/form-data and a map[string]string Body supplies plain fields
// (any other Body is sent as a JSON "metadata" part).
type Call struct {
	Method   string
	Resource string
	Params   url.Values
	Body     any
	Header   http.Header
	Files    []FormFile
	Stream   bool
}

// Response is the classified result of a call. Body holds the decoded JSON
// value, or the raw bytes when the body is not JSON. Stream is set instead
// for streamed calls; the caller must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       any
	Raw        []byte
	Stream     io.ReadCloser
}

// Decode unmarshals the raw JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("drive: decoding response: %w", err)
	}

	return nil
}

// Request performs call with the request retry budget. Transient failures
// are retried; a permanent failure returns the response together with an
// *APIError. A 401 whose refresh failed returns the 401 response and an
// error wrapping ErrAuthExpired.
func (c *Client) Request(ctx context.Context, call Call) (*Response, error) {
	return c.requestWith(ctx, c.requestPolicy, call)
}

func (c *Client) requestWith(ctx context.Context, p retry.Policy, call Call) (*Response, error) {
	ex, err := c.prepare(call)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, p, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, ex)
	})
}

// exchange is a fully prepared request that can be replayed on every
// attempt. Headers are rebuilt per attempt so a refreshed token is used.
type exchange struct {
	method string
	url    string
	query  url.Values
	header http.Header
	// contentType, when set, replaces the merged Content-Type.
	contentType string
	body        func() (io.ReadCloser, int64, error)
	stream      bool
	session     *http.Client
	// contentPhase enables the 404 retry rule of resumable content uploads.
	contentPhase bool
	// noDeadline skips the per-call timeout for long content transfers.
	noDeadline bool
}

func (c *Client) prepare(call Call) (*exchange, error) {
	target, err := c.resolve(call.Resource)
	if err != nil {
		return nil, err
	}

	ex := &exchange{
		method:     call.Method,
		url:        target,
		query:      call.Params,
		header:     call.Header,
		stream:     call.Stream,
		noDeadline: call.Stream,
	}

	switch {
	case len(call.Files) > 0:
		data, contentType, err := encodeMultipart(call.Body, call.Files)
		if err != nil {
			return nil, err
		}

		ex.contentType = contentType
		ex.body = bytesBody(data)
	case call.Body != nil:
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("drive: encoding request body: %w", err)
		}

		ex.body = bytesBody(data)
	}

	return ex, nil
}

// resolve returns resource unchanged when it is an absolute http(s) URL,
// else resolves it against the base URL.
func (c *Client) resolve(resource string) (string, error) {
	if strings.HasPrefix(resource, "http") {
		return resource, nil
	}

	ref, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("drive: parsing resource %q: %w", resource, err)
	}

	return c.baseURL.ResolveReference(ref).String(), nil
}

func bytesBody(data []byte) func() (io.ReadCloser, int64, error) {
	return func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}
}

func encodeMultipart(body any, files []FormFile) ([]byte, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	switch fields := body.(type) {
	case nil:
	case map[string]string:
		for _, k := range slices.Sorted(maps.Keys(fields)) {
			if err := w.WriteField(k, fields[k]); err != nil {
				return nil, "", fmt.Errorf("drive: writing form field %s: %w", k, err)
			}
		}
	default:
		meta, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("drive: encoding metadata part: %w", err)
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="metadata"`)
		h.Set("Content-Type", contentTypeJSON)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("drive: creating metadata part: %w", err)
		}

		if _, err := part.Write(meta); err != nil {
			return nil, "", fmt.Errorf("drive: writing metadata part: %w", err)
		}
	}

	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Filename))

		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}

		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("drive: creating file part %s: %w", f.Field, err)
		}

		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("drive: writing file part %s: %w", f.Field, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("drive: closing multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// defaultHeaders are sent with every authenticated call.
func defaultHeaders(token string) http.Header {
	h := make(http.Header, 2)
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", contentTypeJSON)

	return h
}

// mergeHeaders combines caller headers with the defaults. Without caller
// headers the defaults are used as is. With caller headers, the defaults
// are laid on top, so Authorization and Content-Type from the defaults
// always win over the caller's.
//
// TODO(headers): the second case means callers can never override
// Content-Type on an authenticated call; exchange.contentType works around
// it for content uploads. Revisit once nothing depends on the precedence.
func mergeHeaders(caller, defaults http.Header) http.Header {
	if len(caller) == 0 {
		return defaults.Clone()
	}

	merged := caller.Clone()
	for k, vs := range defaults {
		merged[k] = append([]string(nil), vs...)
	}

	return merged
}

// attempt performs ex once and classifies the outcome. It returns a
// transient error for anything the surrounding policy should retry.
func (c *Client) attempt(ctx context.Context, ex *exchange) (*Response, error) {
	token := c.store.AccessToken()

	header := mergeHeaders(ex.header, defaultHeaders(token))
	if ex.contentType != "" {
		header.Set("Content-Type", ex.contentType)
	}

	req := transport.Request{
		Method: ex.method,
		URL:    ex.url,
		Header: header,
		Query:  ex.query,
		Stream: ex.stream,
	}

	if ex.body != nil {
		body, size, err := ex.body()
		if err != nil {
			return nil, err
		}
		defer body.Close()

		req.Body = body
		req.ContentLength = size
	}

	hc := ex.session
	if hc == nil {
		hc = c.httpClient
	}

	callCtx, cancel := c.callContext(ctx, ex.noDeadline)
	defer cancel()

	out, err := transport.Exchange(callCtx, hc, req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	c.setError(out.StatusCode, out.Reason)

	resp := &Response{
		StatusCode: out.StatusCode,
		Header:     out.Header,
		Body:       out.JSON,
		Raw:        out.Body,
		Stream:     out.Stream,
	}

	if resp.Body == nil && resp.Stream == nil {
		resp.Body = out.Body
	}

	if err := c.classify(ctx, ex, token, resp); err != nil {
		return resp, err
	}

	return resp, nil
}

func (c *Client) callContext(ctx context.Context, noDeadline bool) (context.Context, context.CancelFunc) {
	if noDeadline {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.callTimeout)
}

// transportError tags a failed exchange. Cancellation of the caller's
// context is terminal; a per-call deadline and network failures are
// transient. Errors raised before the request was sent are permanent.
func (c *Client) transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("drive: request canceled: %w", parent.Err())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient(retry.KindDeadline, err)
	}

	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return fmt.Errorf("drive: %w", err)
	}

	return retry.Transient(retry.KindNetwork, err)
}

// classify maps a response to nil (success), a transient error or a
// permanent *APIError.
func (c *Client) classify(ctx context.Context, ex *exchange, token string, resp *Response) error {
	status := resp.StatusCode
	if !IsFailure(status) {
		return nil
	}

	apiErr := newAPIError(status, resp.Raw)

	switch {
	// IsServerError covers 500-510; the rest of 5xx is retried as well.
	case status >= http.StatusInternalServerError:
		return retry.Transient(retry.KindServer, apiErr)

	case status == http.StatusUnauthorized:
		c.logger.Debug("access token rejected, refreshing",
			slog.String("method", ex.method),
		)

		ok, err := c.refreshFor(ctx, token)
		if err != nil {
			return err
		}

		if ok {
			return retry.Transient(retry.KindAuthRefreshed, apiErr)
		}

		return apiErr

	case status == http.StatusForbidden && rateLimitReasons[apiErr.Reason]:
		c.logger.Debug("rate limited", slog.String("reason", apiErr.Reason))
		return retry.Transient(retry.KindRateLimit, apiErr)

	case status == http.StatusNotFound && ex.contentPhase:
		// The upload session URL may not have propagated yet.
		return retry.Transient(retry.KindEventualConsistency, apiErr)
	}

	c.logger.Debug("request failed",
		slog.String("method", ex.method),
		slog.Int("status", status),
		slog.String("message", apiErr.Message),
	)

	return apiErr
}
