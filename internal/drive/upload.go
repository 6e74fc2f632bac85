package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/gdrive-go/internal/retry"
	"github.com/tonimelisma/gdrive-go/internal/transport"
)

// Upload endpoints, relative to the base URL.
const (
	uploadFilesPath = "upload/drive/v2/files"
	filesPath       = "drive/v2/files"
)

// patchTries is the budget of the metadata patch that follows a transfer.
// It is separate from the transfer policy and never sleeps.
const patchTries = 3

const defaultMIMEType = "application/octet-stream"

// Content is the body of an upload. Open is called once per attempt and
// returns a fresh reader positioned at the start, plus the size in bytes
// or -1 when unknown.
type Content interface {
	Open() (io.ReadCloser, int64, error)
}

// FileContent reads the upload body from the file at path.
func FileContent(path string) Content {
	return fileContent{path: path}
}

type fileContent struct {
	path string
}

func (f fileContent) Open() (io.ReadCloser, int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, 0, fmt.Errorf("drive: opening %s: %w", f.path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("drive: stat %s: %w", f.path, err)
	}

	return file, info.Size(), nil
}

func (f fileContent) contentSize() (int64, bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, false
	}

	return info.Size(), true
}

func (f fileContent) detectMIME() string {
	mt, err := mimetype.DetectFile(f.path)
	if err != nil {
		return defaultMIMEType
	}

	return mt.String()
}

// ReaderContent reads the upload body from r, rewinding it on every Open.
// Opening a new attempt invalidates the previous attempt's body, so a
// request still being written cannot read r after it has been rewound.
func ReaderContent(r io.ReadSeeker) Content {
	return &readerContent{r: r}
}

type readerContent struct {
	mu      sync.Mutex
	r       io.ReadSeeker
	current *attemptBody
}

func (c *readerContent) Open() (io.ReadCloser, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.closed = true
	}

	size, err := c.r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("drive: measuring content: %w", err)
	}

	if _, err := c.r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("drive: rewinding content: %w", err)
	}

	c.current = &attemptBody{content: c}

	return c.current, size, nil
}

func (c *readerContent) contentSize() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := c.r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false
	}

	if _, err := c.r.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}

	return size, true
}

func (c *readerContent) detectMIME() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.r.Seek(0, io.SeekStart); err != nil {
		return defaultMIMEType
	}

	mt, err := mimetype.DetectReader(c.r)
	if err != nil {
		return defaultMIMEType
	}

	return mt.String()
}

// attemptBody is one attempt's view of a readerContent. Reads share the
// content's lock with Open, and fail once the body is closed or superseded.
type attemptBody struct {
	content *readerContent
	closed  bool // guarded by content.mu
}

func (b *attemptBody) Read(p []byte) (int, error) {
	b.content.mu.Lock()
	defer b.content.mu.Unlock()

	if b.closed {
		return 0, errBodySuperseded
	}

	return b.content.r.Read(p)
}

func (b *attemptBody) Close() error {
	b.content.mu.Lock()
	b.closed = true
	b.content.mu.Unlock()

	return nil
}

var errBodySuperseded = errors.New("drive: upload body closed or superseded by a newer attempt")

// StreamContent sends r as the upload body. A stream cannot be replayed,
// so a retry after the body has been sent fails with ErrContentConsumed.
func StreamContent(r io.Reader) Content {
	return &streamContent{r: r}
}

type streamContent struct {
	r    io.Reader
	used atomic.Bool
}

func (s *streamContent) Open() (io.ReadCloser, int64, error) {
	if s.used.Swap(true) {
		return nil, 0, ErrContentConsumed
	}

	return io.NopCloser(s.r), -1, nil
}

type mimeDetector interface {
	detectMIME() string
}

type sizer interface {
	contentSize() (int64, bool)
}

func detectMIME(content Content) string {
	if d, ok := content.(mimeDetector); ok {
		return d.detectMIME()
	}

	return defaultMIMEType
}

func contentBody(content Content) func() (io.ReadCloser, int64, error) {
	return func() (io.ReadCloser, int64, error) {
		return content.Open()
	}
}

// TransferOption adjusts a resumable or simple transfer.
type TransferOption func(*transferOptions)

type transferOptions struct {
	etag  string
	patch map[string]any
}

// WithETag makes the update conditional on the file still having etag.
// A mismatch fails with ErrPrecondition and is never retried.
func WithETag(etag string) TransferOption {
	return func(o *transferOptions) {
		o.etag = etag
	}
}

// WithPatch applies meta with a PATCH after the content transfer, for
// metadata the upload request itself could not carry.
func WithPatch(meta map[string]any) TransferOption {
	return func(o *transferOptions) {
		o.patch = meta
	}
}

func collectOptions(opts []TransferOption) transferOptions {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// normalizeMetadata copies meta with the title in NFC form, so names typed
// on macOS (NFD) match names created elsewhere.
func normalizeMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	maps.Copy(out, meta)

	if title, ok := out["title"].(string); ok {
		out["title"] = norm.NFC.String(title)
	}

	return out
}

// ResumableUpload creates a file from content with the resumable protocol.
// Phase one posts metadata and obtains a session URL from the Location
// header; phase two sends the content to that URL on the same HTTP
// session. Each phase has its own transfer budget.
func (c *Client) ResumableUpload(ctx context.Context, content Content, metadata map[string]any, opts ...TransferOption) (*File, error) {
	o := collectOptions(opts)

	meta := normalizeMetadata(metadata)
	mimeType, _ := meta["mimeType"].(string)
	if mimeType == "" {
		mimeType = detectMIME(content)
		meta["mimeType"] = mimeType
	}

	c.logger.Info("resumable upload", slog.Any("title", meta["title"]), slog.String("mime_type", mimeType))

	target, err := c.resolve(uploadFilesPath)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("drive: encoding metadata: %w", err)
	}

	session := transport.NewSession(c.httpClient)

	location, err := c.negotiate(ctx, &exchange{
		method:  http.MethodPost,
		url:     target,
		query:   url.Values{"uploadType": {"resumable"}},
		header:  uploadHeaders(content, mimeType, ""),
		body:    bytesBody(body),
		session: session,
	})
	if err != nil {
		return nil, err
	}

	file, err := c.sendContent(ctx, http.MethodPost, location, content, mimeType, session)
	if err != nil {
		return nil, err
	}

	if o.patch != nil {
		file = c.patchLoop(ctx, file, o.patch)
	}

	return file, nil
}

// ResumableUpdate replaces the content of file id. metadata, when non-nil,
// is sent with the session request; WithETag makes the update
// conditional and WithPatch applies metadata afterwards.
func (c *Client) ResumableUpdate(ctx context.Context, id string, content Content, metadata map[string]any, opts ...TransferOption) (*File, error) {
	o := collectOptions(opts)

	mimeType := detectMIME(content)

	var body func() (io.ReadCloser, int64, error)

	if metadata != nil {
		meta := normalizeMetadata(metadata)
		if mt, ok := meta["mimeType"].(string); ok && mt != "" {
			mimeType = mt
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("drive: encoding metadata: %w", err)
		}

		body = bytesBody(data)
	}

	c.logger.Info("resumable update", slog.String("file_id", id), slog.Bool("conditional", o.etag != ""))

	target, err := c.resolve(uploadFilesPath + "/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	session := transport.NewSession(c.httpClient)

	location, err := c.negotiate(ctx, &exchange{
		method:  http.MethodPut,
		url:     target,
		query:   url.Values{"uploadType": {"resumable"}},
		header:  uploadHeaders(content, mimeType, o.etag),
		body:    body,
		session: session,
	})
	if err != nil {
		return nil, err
	}

	file, err := c.sendContent(ctx, http.MethodPut, location, content, mimeType, session)
	if err != nil {
		return nil, err
	}

	if o.patch != nil {
		file = c.patchLoop(ctx, file, o.patch)
	}

	return file, nil
}

// SimpleUpload creates a file in a single media request. The media upload
// carries no metadata, so metadata is applied with the patch loop.
func (c *Client) SimpleUpload(ctx context.Context, content Content, metadata map[string]any) (*File, error) {
	meta := normalizeMetadata(metadata)

	mimeType, _ := meta["mimeType"].(string)
	if mimeType == "" {
		mimeType = detectMIME(content)
	}

	target, err := c.resolve(uploadFilesPath)
	if err != nil {
		return nil, err
	}

	c.logger.Info("simple upload", slog.Any("title", meta["title"]), slog.String("mime_type", mimeType))

	resp, err := retry.Do(ctx, c.transferPolicy, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, &exchange{
			method:      http.MethodPost,
			url:         target,
			query:       url.Values{"uploadType": {"media"}},
			contentType: mimeType,
			body:        contentBody(content),
			noDeadline:  true,
		})
	})
	if err != nil {
		return nil, err
	}

	file, err := decodeFile(resp)
	if err != nil {
		return nil, err
	}

	if len(meta) > 0 {
		file = c.patchLoop(ctx, file, meta)
	}

	return file, nil
}

func uploadHeaders(content Content, mimeType, etag string) http.Header {
	h := make(http.Header, 3)
	h.Set("X-Upload-Content-Type", mimeType)

	if s, ok := content.(sizer); ok {
		if n, known := s.contentSize(); known {
			h.Set("X-Upload-Content-Length", strconv.FormatInt(n, 10))
		}
	}

	if etag != "" {
		h.Set("If-Match", etag)
	}

	return h
}

// negotiate runs phase one and returns the session URL. A successful
// response without a Location header is a definitive failure.
func (c *Client) negotiate(ctx context.Context, ex *exchange) (string, error) {
	resp, err := retry.Do(ctx, c.transferPolicy, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, ex)
	})
	if err != nil {
		return "", err
	}

	location := resp.Header.Get("Location")
	if location == "" {
		c.setError(resp.StatusCode, fmt.Sprintf("No resumable url %v", resp.Header))
		c.logger.Warn("session request returned no location",
			slog.Int("status", resp.StatusCode),
		)

		return "", fmt.Errorf("%w (HTTP %d)", ErrNoResumableURL, resp.StatusCode)
	}

	c.logger.Debug("resumable session negotiated")

	return location, nil
}

// sendContent runs phase two: the content goes to the session URL on the
// session client, with 404 treated as not-yet-propagated and retried.
func (c *Client) sendContent(ctx context.Context, method, location string, content Content, mimeType string, session *http.Client) (*File, error) {
	ex := &exchange{
		method:       method,
		url:          location,
		contentType:  mimeType,
		body:         contentBody(content),
		session:      session,
		contentPhase: true,
		noDeadline:   true,
	}

	resp, err := retry.Do(ctx, c.transferPolicy, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, ex)
	})
	if err != nil {
		return nil, err
	}

	return decodeFile(resp)
}

// patchLoop applies meta to file with up to patchTries PATCH requests. A
// server error or a refreshed token moves on to the next try; any other
// failure ends the loop. On failure the last known file is returned.
func (c *Client) patchLoop(ctx context.Context, file *File, meta map[string]any) *File {
	target, err := c.resolve(filesPath + "/" + url.PathEscape(file.ID))
	if err != nil {
		c.logger.Warn("metadata patch skipped", slog.String("error", err.Error()))
		return file
	}

	data, err := json.Marshal(normalizeMetadata(meta))
	if err != nil {
		c.logger.Warn("metadata patch skipped", slog.String("error", err.Error()))
		return file
	}

	ex := &exchange{
		method: http.MethodPatch,
		url:    target,
		body:   bytesBody(data),
	}

	for try := range patchTries {
		resp, err := c.attempt(ctx, ex)
		if err == nil {
			patched, decErr := decodeFile(resp)
			if decErr != nil {
				c.logger.Warn("metadata patch response unreadable", slog.String("error", decErr.Error()))
				return file
			}

			return patched
		}

		if kind, ok := retry.IsTransient(err); ok && (kind == retry.KindServer || kind == retry.KindAuthRefreshed) {
			c.logger.Debug("retrying metadata patch",
				slog.String("file_id", file.ID),
				slog.Int("try", try+1),
				slog.String("kind", kind.String()),
			)

			continue
		}

		c.logger.Warn("metadata patch failed",
			slog.String("file_id", file.ID),
			slog.String("error", err.Error()),
		)

		return file
	}

	c.logger.Warn("metadata patch gave up",
		slog.String("file_id", file.ID),
		slog.Int("tries", patchTries),
	)

	return file
}
