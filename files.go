package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gdrive-go/internal/drive"
	"github.com/tonimelisma/gdrive-go/internal/ledger"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [folder-id]",
		Short: "List the files in a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().String("query", "", "raw Drive search query (overrides folder-id)")
	cmd.Flags().Int("limit", 0, "maximum number of files (0 = all)")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <file-id>",
		Short: "Display file metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <file-id> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path>",
		Short: "Upload a file",
		Long: `Upload a local file with a resumable upload.

Uploads are remembered in a local ledger. Putting the same path again skips
the upload when size and modification time are unchanged, and otherwise
replaces the content of the file created last time. The replacement is
conditional on the remote file being unchanged since; use --force to
overwrite remote edits.`,
		Args: cobra.ExactArgs(1),
		RunE: runPut,
	}

	cmd.Flags().String("parent", drive.RootID, "destination folder id")
	cmd.Flags().String("title", "", "remote title (default: local file name)")
	cmd.Flags().String("description", "", "file description")
	cmd.Flags().Bool("force", false, "upload even if unchanged and overwrite remote edits")
	cmd.Flags().Bool("simple", false, "use a single-request media upload")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkdir <title>",
		Short: "Create a folder, or return the existing one with that title",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}

	cmd.Flags().String("parent", drive.RootID, "parent folder id")

	return cmd
}

func newTouchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touch <title>",
		Short: "Create an empty metadata-only file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTouch,
	}

	cmd.Flags().String("parent", drive.RootID, "parent folder id")
	cmd.Flags().String("description", "", "file description")

	return cmd
}

func newTrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash <file-id>",
		Short: "Move a file to the trash",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrash,
	}
}

// fileJSON is the JSON output schema for a file.
type fileJSON struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	IsFolder    bool   `json:"is_folder"`
	ModifiedAt  string `json:"modified_at,omitempty"`
	ETag        string `json:"etag,omitempty"`
	MD5Checksum string `json:"md5_checksum,omitempty"`
}

func toFileJSON(f *drive.File) fileJSON {
	out := fileJSON{
		ID:          f.ID,
		Title:       f.Title,
		MimeType:    f.MimeType,
		Size:        f.FileSize,
		IsFolder:    f.IsFolder(),
		ETag:        f.ETag,
		MD5Checksum: f.MD5Checksum,
	}

	if !f.ModifiedDate.IsZero() {
		out.ModifiedAt = f.ModifiedDate.UTC().Format(time.RFC3339)
	}

	return out
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	folderID := drive.RootID
	if len(args) > 0 {
		folderID = args[0]
	}

	q, _ := cmd.Flags().GetString("query")
	if q == "" {
		q = drive.ChildrenQuery(folderID, "")
	}

	limit, _ := cmd.Flags().GetInt("limit")

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", slog.String("query", q), slog.Int("limit", limit))

	files, err := client.ListFiles(ctx, q, limit)
	if err != nil {
		return fmt.Errorf("listing %q: %w", folderID, err)
	}

	if cc.Flags.JSON {
		out := make([]fileJSON, 0, len(files))
		for i := range files {
			out = append(out, toFileJSON(&files[i]))
		}

		return printJSON(cc.Stdout, out)
	}

	printFilesTable(cc, files)

	return nil
}

func printFilesTable(cc *CLIContext, files []drive.File) {
	// Folders first, then alphabetical.
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsFolder() != files[j].IsFolder() {
			return files[i].IsFolder()
		}

		return files[i].Title < files[j].Title
	})

	headers := []string{"ID", "TITLE", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(files))

	for i := range files {
		title := files[i].Title
		size := formatSize(files[i].FileSize)

		if files[i].IsFolder() {
			title += "/"
			size = "-"
		}

		rows = append(rows, []string{files[i].ID, title, size, formatTime(files[i].ModifiedDate)})
	}

	printTable(cc.Stdout, headers, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	f, err := client.GetFile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetching %q: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, toFileJSON(f))
	}

	printTable(cc.Stdout, []string{"FIELD", "VALUE"}, [][]string{
		{"id", f.ID},
		{"title", f.Title},
		{"mime type", f.MimeType},
		{"size", formatSize(f.FileSize)},
		{"modified", formatTime(f.ModifiedDate)},
		{"etag", f.ETag},
		{"md5", f.MD5Checksum},
	})

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	id := args[0]

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	f, err := client.GetFile(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", id, err)
	}

	localPath := filepath.Base(f.Title)
	if len(args) > 1 {
		localPath = args[1]
	}

	n, err := downloadVerified(ctx, cc, client, f, localPath)
	if err != nil {
		return err
	}

	cc.Logger.Debug("download complete", slog.String("local_path", localPath), slog.Int64("bytes", n))
	cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

// downloadVerified writes f to localPath through a .partial file. When Drive
// reports an MD5 the content is checked against it; a mismatch is retried
// once before giving up.
func downloadVerified(ctx context.Context, cc *CLIContext, client *drive.Client, f *drive.File, localPath string) (int64, error) {
	const attempts = 2

	partialPath := localPath + ".partial"

	for attempt := 1; ; attempt++ {
		n, sum, err := downloadToPartial(ctx, client, f.ID, partialPath)
		if err != nil {
			return 0, err
		}

		if f.MD5Checksum == "" || strings.EqualFold(sum, f.MD5Checksum) {
			if err := os.Rename(partialPath, localPath); err != nil {
				return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
			}

			return n, nil
		}

		os.Remove(partialPath)

		if attempt >= attempts {
			return 0, fmt.Errorf("downloading %q: %w: got %s, want %s", f.ID, errChecksumMismatch, sum, f.MD5Checksum)
		}

		cc.Logger.Warn("download checksum mismatch, retrying",
			slog.String("file_id", f.ID),
			slog.String("expected", f.MD5Checksum),
			slog.String("actual", sum),
		)
	}
}

var errChecksumMismatch = errors.New("md5 checksum mismatch")

func downloadToPartial(ctx context.Context, client *drive.Client, id, partialPath string) (int64, string, error) {
	out, err := os.Create(partialPath)
	if err != nil {
		return 0, "", fmt.Errorf("creating %s: %w", partialPath, err)
	}

	h := md5.New()

	n, dlErr := client.Download(ctx, id, io.MultiWriter(out, h))
	closeErr := out.Close()

	if dlErr != nil || closeErr != nil {
		os.Remove(partialPath)
		return 0, "", fmt.Errorf("downloading %q: %w", id, errors.Join(dlErr, closeErr))
	}

	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// putRequest is one upload decided by runPut.
type putRequest struct {
	localPath   string
	info        os.FileInfo
	parentID    string
	title       string
	description string
	force       bool
	simple      bool
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	localPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %q: %w", args[0], err)
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	req := putRequest{localPath: localPath, info: fi}
	req.parentID, _ = cmd.Flags().GetString("parent")
	req.title, _ = cmd.Flags().GetString("title")
	req.description, _ = cmd.Flags().GetString("description")
	req.force, _ = cmd.Flags().GetBool("force")
	req.simple, _ = cmd.Flags().GetBool("simple")

	if req.title == "" {
		req.title = fi.Name()
	}

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cc.Cfg.LedgerPath), 0o700); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	led, err := ledger.Open(cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		return err
	}
	defer led.Close()

	f, skipped, err := putFile(ctx, cc, client, led, req)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, toFileJSON(f))
	}

	if skipped {
		cc.Statusf("Unchanged %s (%s)\n", req.title, f.ID)
		return nil
	}

	cc.Statusf("Uploaded %s (%s, %s)\n", req.title, f.ID, formatSize(req.info.Size()))

	return nil
}

// putFile uploads req and records the result in the ledger. It reports
// skipped=true when the ledger shows the file unchanged since the last
// upload.
func putFile(
	ctx context.Context, cc *CLIContext, client *drive.Client, led *ledger.Ledger, req putRequest,
) (*drive.File, bool, error) {
	prev, err := led.Lookup(ctx, req.localPath)
	if err != nil && !errors.Is(err, ledger.ErrNotRecorded) {
		return nil, false, err
	}

	if prev != nil && !req.force && prev.Unchanged(req.info.Size(), req.info.ModTime()) {
		cc.Logger.Debug("skipping unchanged file",
			slog.String("path", req.localPath),
			slog.String("file_id", prev.FileID),
		)

		return &drive.File{ID: prev.FileID, Title: prev.Title, ETag: prev.ETag, FileSize: prev.Size}, true, nil
	}

	content := drive.FileContent(req.localPath)

	var f *drive.File

	switch {
	case prev != nil:
		f, err = updateRecorded(ctx, cc, client, led, prev, content, req.force)
		if errors.Is(err, drive.ErrNotFound) {
			f, err = createFile(ctx, client, content, req)
		}
	default:
		f, err = createFile(ctx, client, content, req)
	}

	if err != nil {
		return nil, false, fmt.Errorf("uploading %q: %w", req.localPath, err)
	}

	// The upload is done; record it even if an interrupt arrived meanwhile.
	err = cc.Shutdown.hold(func() error {
		return led.Record(context.WithoutCancel(ctx), ledgerEntry(f, req))
	})
	if err != nil {
		// The upload itself succeeded.
		cc.Logger.Warn("recording upload failed",
			slog.String("path", req.localPath),
			slog.String("error", err.Error()),
		)
	}

	return f, false, nil
}

// updateRecorded replaces the content of a previously uploaded file,
// conditional on its etag unless force is set. A file deleted on the remote
// side is forgotten and reported as drive.ErrNotFound.
func updateRecorded(
	ctx context.Context, cc *CLIContext, client *drive.Client, led *ledger.Ledger,
	prev *ledger.Entry, content drive.Content, force bool,
) (*drive.File, error) {
	var opts []drive.TransferOption
	if !force && prev.ETag != "" {
		opts = append(opts, drive.WithETag(prev.ETag))
	}

	f, err := client.ResumableUpdate(ctx, prev.FileID, content, nil, opts...)

	switch {
	case errors.Is(err, drive.ErrPrecondition):
		return nil, fmt.Errorf("%s changed remotely since the last upload, use --force to overwrite: %w",
			prev.FileID, err)
	case errors.Is(err, drive.ErrNotFound):
		cc.Logger.Info("recorded file no longer exists, uploading a new one",
			slog.String("file_id", prev.FileID),
		)

		forgetErr := cc.Shutdown.hold(func() error {
			return led.Forget(context.WithoutCancel(ctx), prev.LocalPath)
		})
		if forgetErr != nil {
			return nil, forgetErr
		}

		return nil, err
	}

	return f, err
}

// ledgerEntry describes an upload of req that produced f. Size and
// modification time come from the local file so the next put can compare
// them.
func ledgerEntry(f *drive.File, req putRequest) ledger.Entry {
	return ledger.Entry{
		LocalPath: req.localPath,
		FileID:    f.ID,
		ParentID:  req.parentID,
		Title:     req.title,
		ETag:      f.ETag,
		MD5:       f.MD5Checksum,
		Size:      req.info.Size(),
		ModTime:   req.info.ModTime(),
	}
}

func createFile(ctx context.Context, client *drive.Client, content drive.Content, req putRequest) (*drive.File, error) {
	if req.simple {
		meta := map[string]any{
			"title":   req.title,
			"parents": []map[string]string{{"id": req.parentID}},
		}

		if req.description != "" {
			meta["description"] = req.description
		}

		return client.SimpleUpload(ctx, content, meta)
	}

	return client.CreateFile(ctx, req.parentID, req.title, content, req.description, "")
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	parent, _ := cmd.Flags().GetString("parent")

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	id, err := client.CreateFolder(ctx, parent, args[0])
	if err != nil {
		return fmt.Errorf("creating folder %q: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, map[string]string{"id": id, "title": args[0]})
	}

	fmt.Fprintln(cc.Stdout, id)

	return nil
}

func runTouch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	parent, _ := cmd.Flags().GetString("parent")
	description, _ := cmd.Flags().GetString("description")

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	f, err := client.CreateMetaFile(ctx, parent, args[0], description)
	if err != nil {
		return fmt.Errorf("creating %q: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, toFileJSON(f))
	}

	fmt.Fprintln(cc.Stdout, f.ID)

	return nil
}

func runTrash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	f, err := client.Trash(ctx, args[0])
	if err != nil {
		return fmt.Errorf("trashing %q: %w", args[0], err)
	}

	cc.Statusf("Trashed %s (%s)\n", f.Title, f.ID)

	return nil
}
