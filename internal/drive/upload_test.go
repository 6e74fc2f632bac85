package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// uploadServer fakes the two resumable endpoints. Phase one answers with
// the session URL unless omitLocation is set; phase two runs onContent.
type uploadServer struct {
	srv          *httptest.Server
	sessionCalls atomic.Int32
	contentCalls atomic.Int32
	patchCalls   atomic.Int32
	omitLocation bool
	onSession    func(w http.ResponseWriter, r *http.Request) bool
	onContent    func(w http.ResponseWriter, r *http.Request)
	onPatch      func(w http.ResponseWriter, r *http.Request)
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()

	us := &uploadServer{}

	mux := http.NewServeMux()
	session := func(w http.ResponseWriter, r *http.Request) {
		us.sessionCalls.Add(1)
		assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))

		if us.onSession != nil && !us.onSession(w, r) {
			return
		}

		http.SetCookie(w, &http.Cookie{Name: "affinity", Value: "node-7"})

		if !us.omitLocation {
			w.Header().Set("Location", us.srv.URL+"/session/1?upload_id=abc")
		}

		w.WriteHeader(http.StatusOK)
	}
	mux.HandleFunc("POST /upload/drive/v2/files", session)
	mux.HandleFunc("PUT /upload/drive/v2/files/{id}", session)

	content := func(w http.ResponseWriter, r *http.Request) {
		us.contentCalls.Add(1)
		assert.Equal(t, "abc", r.URL.Query().Get("upload_id"))

		c, err := r.Cookie("affinity")
		if assert.NoError(t, err, "phase two must reuse the phase one session") {
			assert.Equal(t, "node-7", c.Value)
		}

		us.onContent(w, r)
	}
	mux.HandleFunc("POST /session/1", content)
	mux.HandleFunc("PUT /session/1", content)

	mux.HandleFunc("PATCH /drive/v2/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		us.patchCalls.Add(1)
		us.onPatch(w, r)
	})

	us.srv = httptest.NewServer(mux)
	t.Cleanup(us.srv.Close)

	return us
}

func TestResumableUpload_TwoPhases(t *testing.T) {
	us := newUploadServer(t)
	us.onSession = func(_ http.ResponseWriter, r *http.Request) bool {
		var meta map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "notes.txt", meta["title"])
		assert.Equal(t, "text/plain", meta["mimeType"])
		assert.Equal(t, "text/plain", r.Header.Get("X-Upload-Content-Type"))
		assert.Equal(t, "11", r.Header.Get("X-Upload-Content-Length"))
		assert.Equal(t, "Bearer A", r.Header.Get("Authorization"))

		return true
	}
	us.onContent = func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello world", string(body))
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		writeJSON(w, http.StatusOK, `{"id":"F","title":"notes.txt","fileSize":"11","etag":"\"e1\""}`)
	}

	env := newTestClient(t, us.srv)

	f, err := env.client.ResumableUpload(context.Background(),
		FileContent(writeTempFile(t, "notes.txt", "hello world")),
		map[string]any{"title": "notes.txt", "mimeType": "text/plain"},
	)
	require.NoError(t, err)

	assert.Equal(t, "F", f.ID)
	assert.Equal(t, int64(11), f.FileSize)
	assert.Equal(t, `"e1"`, f.ETag)
	assert.Equal(t, int32(1), us.sessionCalls.Load())
	assert.Equal(t, int32(1), us.contentCalls.Load())
}

func TestResumableUpload_DetectsMIMEAndNormalizesTitle(t *testing.T) {
	us := newUploadServer(t)
	us.onSession = func(_ http.ResponseWriter, r *http.Request) bool {
		var meta map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "caf\u00e9.txt", meta["title"])
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Upload-Content-Type"), "text/plain"))

		return true
	}
	us.onContent = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"F"}`)
	}

	env := newTestClient(t, us.srv)

	_, err := env.client.ResumableUpload(context.Background(),
		FileContent(writeTempFile(t, "cafe.txt", "plain text content\n")),
		map[string]any{"title": "cafe\u0301.txt"},
	)
	require.NoError(t, err)
}

func TestResumableUpload_NoLocationSkipsContentPhase(t *testing.T) {
	us := newUploadServer(t)
	us.omitLocation = true
	us.onContent = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	env := newTestClient(t, us.srv)

	f, err := env.client.ResumableUpload(context.Background(),
		ReaderContent(strings.NewReader("data")),
		map[string]any{"title": "x"},
	)
	require.ErrorIs(t, err, ErrNoResumableURL)
	assert.Nil(t, f)
	assert.Equal(t, int32(1), us.sessionCalls.Load())
	assert.Equal(t, int32(0), us.contentCalls.Load())

	state := env.client.LastError()
	assert.Equal(t, http.StatusOK, state.Code)
	assert.True(t, strings.HasPrefix(state.Reason, "No resumable url"))
}

func TestResumableUpload_ContentPhaseNotFoundIsRetried(t *testing.T) {
	us := newUploadServer(t)

	var tries atomic.Int32

	us.onContent = func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "data", string(body), "content must be replayed from the start")

		if tries.Add(1) == 1 {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}

		writeJSON(w, http.StatusOK, `{"id":"F"}`)
	}

	env := newTestClient(t, us.srv)

	f, err := env.client.ResumableUpload(context.Background(),
		ReaderContent(strings.NewReader("data")),
		map[string]any{"title": "x", "mimeType": "text/plain"},
	)
	require.NoError(t, err)
	assert.Equal(t, "F", f.ID)
	assert.Equal(t, int32(1), us.sessionCalls.Load())
	assert.Equal(t, int32(2), us.contentCalls.Load())
}

func TestResumableUpload_SessionServerErrorIsRetried(t *testing.T) {
	us := newUploadServer(t)
	us.onSession = func(w http.ResponseWriter, _ *http.Request) bool {
		if us.sessionCalls.Load() == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return false
		}

		return true
	}
	us.onContent = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"F"}`)
	}

	env := newTestClient(t, us.srv)

	_, err := env.client.ResumableUpload(context.Background(),
		ReaderContent(strings.NewReader("data")),
		map[string]any{"title": "x", "mimeType": "text/plain"},
	)
	require.NoError(t, err)
	assert.Equal(t, int32(2), us.sessionCalls.Load())
}

func TestResumableUpload_StreamContentCannotBeReplayed(t *testing.T) {
	us := newUploadServer(t)
	us.onContent = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}

	env := newTestClient(t, us.srv)

	_, err := env.client.ResumableUpload(context.Background(),
		StreamContent(bytes.NewBufferString("once")),
		map[string]any{"title": "x", "mimeType": "text/plain"},
	)
	require.ErrorIs(t, err, ErrContentConsumed)
	assert.Equal(t, int32(1), us.contentCalls.Load())
}

func TestResumableUpdate_StalePreconditionIsNotRetried(t *testing.T) {
	us := newUploadServer(t)
	us.onSession = func(w http.ResponseWriter, r *http.Request) bool {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/upload/drive/v2/files/F", r.URL.Path)
		assert.Equal(t, `"stale"`, r.Header.Get("If-Match"))
		writeJSON(w, http.StatusPreconditionFailed, `{"error":{"code":412,"message":"Precondition Failed"}}`)

		return false
	}
	us.onContent = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}

	env := newTestClient(t, us.srv)

	f, err := env.client.ResumableUpdate(context.Background(), "F",
		ReaderContent(strings.NewReader("new")), nil, WithETag(`"stale"`))
	require.Error(t, err)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), us.sessionCalls.Load(), "a precondition failure must not be retried")
	assert.Equal(t, int32(0), us.contentCalls.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "Precondition Failed")
}

func TestResumableUpdate_ContentOnlyAndPatch(t *testing.T) {
	us := newUploadServer(t)
	us.onSession = func(_ http.ResponseWriter, r *http.Request) bool {
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body, "content-only update sends no metadata")

		return true
	}
	us.onContent = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		writeJSON(w, http.StatusOK, `{"id":"F","title":"old"}`)
	}
	us.onPatch = func(w http.ResponseWriter, r *http.Request) {
		if us.patchCalls.Load() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var meta map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "described", meta["description"])
		writeJSON(w, http.StatusOK, `{"id":"F","title":"old","description":"described"}`)
	}

	env := newTestClient(t, us.srv)

	f, err := env.client.ResumableUpdate(context.Background(), "F",
		ReaderContent(strings.NewReader("new")), nil,
		WithPatch(map[string]any{"description": "described"}))
	require.NoError(t, err)
	assert.Equal(t, "described", f.Description)
	assert.Equal(t, int32(2), us.patchCalls.Load())
}

func TestPatchLoop_GivesUpWithLastKnownFile(t *testing.T) {
	us := newUploadServer(t)
	us.onPatch = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	env := newTestClient(t, us.srv)

	before := &File{ID: "F", Title: "t"}
	after := env.client.patchLoop(context.Background(), before, map[string]any{"description": "d"})

	assert.Same(t, before, after)
	assert.Equal(t, int32(patchTries), us.patchCalls.Load())
}

func TestPatchLoop_StopsOnPermanentError(t *testing.T) {
	us := newUploadServer(t)
	us.onPatch = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":{"code":400,"message":"Invalid field"}}`)
	}

	env := newTestClient(t, us.srv)

	before := &File{ID: "F"}
	after := env.client.patchLoop(context.Background(), before, map[string]any{"bogus": true})

	assert.Same(t, before, after)
	assert.Equal(t, int32(1), us.patchCalls.Load())
}

func TestSimpleUpload_MediaThenPatch(t *testing.T) {
	var mediaCalls, patchCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/drive/v2/files", func(w http.ResponseWriter, r *http.Request) {
		mediaCalls.Add(1)
		assert.Equal(t, "media", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "a,b\n", string(body))
		writeJSON(w, http.StatusOK, `{"id":"M","title":"Untitled"}`)
	})
	mux.HandleFunc("PATCH /drive/v2/files/M", func(w http.ResponseWriter, r *http.Request) {
		patchCalls.Add(1)

		var meta map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.Equal(t, "data.csv", meta["title"])
		writeJSON(w, http.StatusOK, `{"id":"M","title":"data.csv"}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestClient(t, srv)

	f, err := env.client.SimpleUpload(context.Background(),
		ReaderContent(strings.NewReader("a,b\n")),
		map[string]any{"title": "data.csv", "mimeType": "text/csv"},
	)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", f.Title)
	assert.Equal(t, int32(1), mediaCalls.Load())
	assert.Equal(t, int32(1), patchCalls.Load())
}

func TestContent_Reopen(t *testing.T) {
	t.Run("reader rewinds", func(t *testing.T) {
		c := ReaderContent(strings.NewReader("abc"))

		for range 2 {
			rc, size, err := c.Open()
			require.NoError(t, err)

			data, _ := io.ReadAll(rc)
			assert.Equal(t, "abc", string(data))
			assert.Equal(t, int64(3), size)
		}
	})

	t.Run("reopen supersedes previous body", func(t *testing.T) {
		c := ReaderContent(strings.NewReader("abcdef"))

		first, _, err := c.Open()
		require.NoError(t, err)

		buf := make([]byte, 2)
		_, err = first.Read(buf)
		require.NoError(t, err)

		second, _, err := c.Open()
		require.NoError(t, err)

		_, err = first.Read(buf)
		require.ErrorIs(t, err, errBodySuperseded)

		data, err := io.ReadAll(second)
		require.NoError(t, err)
		assert.Equal(t, "abcdef", string(data))
	})

	t.Run("stale writer cannot disturb next attempt", func(t *testing.T) {
		payload := strings.Repeat("0123456789", 10000)
		c := ReaderContent(strings.NewReader(payload))

		first, _, err := c.Open()
		require.NoError(t, err)

		// Keep reading the first body concurrently, the way a transport
		// write loop may still be draining it after the attempt returned.
		done := make(chan struct{})
		go func() {
			defer close(done)

			buf := make([]byte, 7)
			for {
				if _, err := first.Read(buf); err != nil {
					return
				}
			}
		}()

		second, size, err := c.Open()
		require.NoError(t, err)
		<-done

		data, err := io.ReadAll(second)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), size)
		assert.Equal(t, payload, string(data))
	})

	t.Run("file reopens", func(t *testing.T) {
		c := FileContent(writeTempFile(t, "f", "xyz"))

		for range 2 {
			rc, size, err := c.Open()
			require.NoError(t, err)

			data, _ := io.ReadAll(rc)
			rc.Close()
			assert.Equal(t, "xyz", string(data))
			assert.Equal(t, int64(3), size)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := FileContent(filepath.Join(t.TempDir(), "nope")).Open()
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("stream is single use", func(t *testing.T) {
		c := StreamContent(strings.NewReader("once"))

		_, size, err := c.Open()
		require.NoError(t, err)
		assert.Equal(t, int64(-1), size)

		_, _, err = c.Open()
		assert.ErrorIs(t, err, ErrContentConsumed)
	})
}
