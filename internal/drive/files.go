package drive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MIME types with special meaning to Drive.
const (
	FolderMIMEType = "application/vnd.google-apps.folder"
	FileMIMEType   = defaultMIMEType
)

// RootID addresses the user's My Drive root folder.
const RootID = "root"

// listPageSize is the page size used when listing files.
const listPageSize = 100

// File is the subset of the Drive v2 file resource this client uses.
type File struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	MimeType     string      `json:"mimeType"`
	Description  string      `json:"description,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	DownloadURL  string      `json:"downloadUrl,omitempty"`
	FileSize     int64       `json:"fileSize,string,omitempty"`
	MD5Checksum  string      `json:"md5Checksum,omitempty"`
	Parents      []ParentRef `json:"parents,omitempty"`
	Labels       Labels      `json:"labels"`
	ModifiedDate time.Time   `json:"modifiedDate"`
}

// ParentRef is a reference to a parent folder.
type ParentRef struct {
	ID string `json:"id"`
}

// Labels are the file's boolean flags.
type Labels struct {
	Trashed bool `json:"trashed"`
	Starred bool `json:"starred"`
}

// IsFolder reports whether f is a folder.
func (f *File) IsFolder() bool {
	return f.MimeType == FolderMIMEType
}

type fileList struct {
	Items         []File `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

func decodeFile(resp *Response) (*File, error) {
	var f File
	if err := resp.Decode(&f); err != nil {
		return nil, err
	}

	return &f, nil
}

func filePath(id string) string {
	return filesPath + "/" + url.PathEscape(id)
}

// GetFile fetches the metadata of file id.
func (c *Client) GetFile(ctx context.Context, id string) (*File, error) {
	c.logger.Debug("get file", slog.String("file_id", id))

	resp, err := c.Request(ctx, Call{Method: http.MethodGet, Resource: filePath(id)})
	if err != nil {
		return nil, fmt.Errorf("drive: getting file %s: %w", id, err)
	}

	return decodeFile(resp)
}

// ListFiles returns the files matching the search query q, following page
// tokens until limit results are collected (0 means all).
func (c *Client) ListFiles(ctx context.Context, q string, limit int) ([]File, error) {
	var (
		files     []File
		pageToken string
	)

	for {
		params := url.Values{"q": {q}}

		size := listPageSize
		if limit > 0 && limit-len(files) < size {
			size = limit - len(files)
		}

		params.Set("maxResults", strconv.Itoa(size))

		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		resp, err := c.Request(ctx, Call{Method: http.MethodGet, Resource: filesPath, Params: params})
		if err != nil {
			return nil, fmt.Errorf("drive: listing files: %w", err)
		}

		var page fileList
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}

		files = append(files, page.Items...)

		if page.NextPageToken == "" || (limit > 0 && len(files) >= limit) {
			return files, nil
		}

		pageToken = page.NextPageToken
	}
}

// ChildrenQuery returns the search query for the untrashed children of
// parentID, optionally restricted to one title.
func ChildrenQuery(parentID, title string) string {
	q := fmt.Sprintf("trashed=false and '%s' in parents", escapeQuery(parentID))
	if title != "" {
		q = fmt.Sprintf("trashed=false and title='%s' and '%s' in parents",
			escapeQuery(norm.NFC.String(title)), escapeQuery(parentID))
	}

	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// FindChild returns the first untrashed child of parentID titled title, or
// nil when there is none. folderOnly restricts the match to folders.
func (c *Client) FindChild(ctx context.Context, parentID, title string, folderOnly bool) (*File, error) {
	q := ChildrenQuery(parentID, title)
	if folderOnly {
		q += fmt.Sprintf(" and mimeType='%s'", FolderMIMEType)
	}

	files, err := c.ListFiles(ctx, q, 1)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, nil
	}

	return &files[0], nil
}

// CreateFolder creates a folder titled title under parentID. When such a
// folder already exists its id is returned instead.
func (c *Client) CreateFolder(ctx context.Context, parentID, title string) (string, error) {
	existing, err := c.FindChild(ctx, parentID, title, true)
	if err != nil {
		return "", err
	}

	if existing != nil {
		c.logger.Debug("folder exists", slog.String("title", title), slog.String("file_id", existing.ID))
		return existing.ID, nil
	}

	f, err := c.createMeta(ctx, map[string]any{
		"title":    norm.NFC.String(title),
		"parents":  []ParentRef{{ID: parentID}},
		"mimeType": FolderMIMEType,
	})
	if err != nil {
		return "", fmt.Errorf("drive: creating folder %q: %w", title, err)
	}

	c.logger.Info("created folder", slog.String("title", title), slog.String("file_id", f.ID))

	return f.ID, nil
}

// CreateMetaFile creates a file with metadata only and no content.
func (c *Client) CreateMetaFile(ctx context.Context, parentID, title, description string) (*File, error) {
	meta := map[string]any{
		"title":   norm.NFC.String(title),
		"parents": []ParentRef{{ID: parentID}},
	}

	if description != "" {
		meta["description"] = description
	}

	f, err := c.createMeta(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("drive: creating %q: %w", title, err)
	}

	return f, nil
}

func (c *Client) createMeta(ctx context.Context, meta map[string]any) (*File, error) {
	resp, err := c.Request(ctx, Call{Method: http.MethodPost, Resource: filesPath, Body: meta})
	if err != nil {
		return nil, err
	}

	return decodeFile(resp)
}

// CreateFile uploads content as a new file titled title under parentID.
// An empty mimeType is detected from the content.
func (c *Client) CreateFile(ctx context.Context, parentID, title string, content Content, description, mimeType string) (*File, error) {
	meta := map[string]any{
		"title":   title,
		"parents": []ParentRef{{ID: parentID}},
	}

	if mimeType != "" {
		meta["mimeType"] = mimeType
	}

	if description != "" {
		meta["description"] = description
	}

	return c.ResumableUpload(ctx, content, meta)
}

// UpdateFile replaces the content of file id.
func (c *Client) UpdateFile(ctx context.Context, id string, content Content, opts ...TransferOption) (*File, error) {
	return c.ResumableUpdate(ctx, id, content, nil, opts...)
}

// CreateOrUpdateFile updates the untrashed child of parentID titled title
// when it exists, and creates it otherwise.
func (c *Client) CreateOrUpdateFile(ctx context.Context, parentID, title string, content Content) (*File, error) {
	existing, err := c.FindChild(ctx, parentID, title, false)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return c.CreateFile(ctx, parentID, title, content, "", "")
	}

	return c.UpdateFile(ctx, existing.ID, content)
}

// Download streams the content of file id to w and returns the number of
// bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	f, err := c.GetFile(ctx, id)
	if err != nil {
		return 0, err
	}

	if f.DownloadURL == "" {
		return 0, fmt.Errorf("drive: downloading %s (%s): %w", id, f.MimeType, ErrNotDownloadable)
	}

	resp, err := c.Request(ctx, Call{Method: http.MethodGet, Resource: f.DownloadURL, Stream: true})
	if err != nil {
		return 0, fmt.Errorf("drive: downloading %s: %w", id, err)
	}

	if resp.Stream == nil {
		return 0, fmt.Errorf("drive: downloading %s: HTTP %d without body", id, resp.StatusCode)
	}
	defer resp.Stream.Close()

	n, err := io.Copy(w, resp.Stream)
	if err != nil {
		return n, fmt.Errorf("drive: downloading %s: %w", id, err)
	}

	c.logger.Info("downloaded file", slog.String("file_id", id), slog.Int64("bytes", n))

	return n, nil
}

// Trash moves file id to the trash.
func (c *Client) Trash(ctx context.Context, id string) (*File, error) {
	resp, err := c.Request(ctx, Call{Method: http.MethodPost, Resource: filePath(id) + "/trash"})
	if err != nil {
		return nil, fmt.Errorf("drive: trashing %s: %w", id, err)
	}

	return decodeFile(resp)
}
