package credfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store is the process-wide holder of the current Credential. Reads are
// concurrent; Merge is the single writer and persists before returning, so
// the file on disk always reflects the newest token generation in memory.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	cred Credential
}

// Open loads the credential at path and returns a Store holding it.
// Missing or corrupt files are tolerated: the Store starts from Default()
// and a corrupt file is reported as a warning only.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{path: path, logger: logger}
	s.cred = s.load()

	return s
}

// Path returns the credential file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() Credential {
	cred, err := Load(s.path)
	if err != nil {
		s.logger.Warn("credential file unreadable, using defaults",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}

	return cred
}

// Credential returns a copy of the current credential.
func (s *Store) Credential() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cred.Clone()
}

// AccessToken returns the current access token.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cred.AccessToken()
}

// AuthHeader builds the Authorization header from the current token. It is
// rebuilt on every call; never cache the result across a refresh.
func (s *Store) AuthHeader() http.Header {
	h := make(http.Header, 1)
	h.Set("Authorization", "Bearer "+s.AccessToken())

	return h
}

// Merge applies fields over the current credential and persists the result.
// On a persistence error the in-memory credential is still updated, so the
// running process keeps working with the fresh token.
func (s *Store) Merge(fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cred.Clone()
	maps.Copy(next, fields)
	s.cred = next

	if err := Save(s.path, next); err != nil {
		return err
	}

	s.logger.Info("persisted credential", slog.String("path", s.path))

	return nil
}

// Reload re-reads the credential file and replaces the in-memory credential
// with it. A missing, unreadable or corrupt file leaves the current
// credential in place; it reports whether the credential was replaced.
func (s *Store) Reload() bool {
	if _, err := os.Stat(s.path); err != nil {
		s.logger.Warn("credential file unavailable, keeping current credential",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return false
	}

	cred, err := Load(s.path)
	if err != nil {
		s.logger.Warn("credential file unreadable, keeping current credential",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(cred, s.cred) {
		return false
	}

	s.cred = cred

	return true
}

// Watch reloads the credential whenever another process rewrites the file.
// It watches the parent directory because Save replaces the file by rename.
// Blocks until ctx is canceled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credfile: creating watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("credfile: watching %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("credential file changed, reloading",
					slog.String("path", s.path),
					slog.String("op", ev.Op.String()),
				)
				s.Reload()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}

			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				s.Reload()
				continue
			}

			s.logger.Warn("credential watcher error", slog.String("error", werr.Error()))
		}
	}
}
