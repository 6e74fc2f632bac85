package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPClient(t *testing.T, reg prometheus.Registerer) *http.Client {
	t.Helper()

	return NewHTTPClient(Options{
		UserAgent: "test-agent",
		Logger:    slog.Default(),
		Metrics:   NewMetrics(reg),
	})
}

func TestExchange_JSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "v", r.URL.Query().Get("k"))
		assert.Equal(t, "1", r.URL.Query().Get("existing"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"X","title":"t"}`))
	}))
	defer srv.Close()

	out, err := Exchange(context.Background(), newTestHTTPClient(t, nil), Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/files?existing=1",
		Query:  url.Values{"k": {"v"}},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, "OK", out.Reason)
	assert.Equal(t, map[string]any{"id": "X", "title": "t"}, out.JSON)
	assert.Nil(t, out.Stream)
}

func TestExchange_NonJSONFallsBackToRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal Server buzz"))
	}))
	defer srv.Close()

	out, err := Exchange(context.Background(), newTestHTTPClient(t, nil), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
	assert.Equal(t, "Internal Server buzz", string(out.Body))
	assert.Nil(t, out.JSON)
}

func TestExchange_StreamReturnsHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("file bytes"))
	}))
	defer srv.Close()

	out, err := Exchange(context.Background(), nil, Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Stream: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Stream)
	defer out.Stream.Close()

	assert.Empty(t, out.Body)

	data, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	assert.Equal(t, "file bytes", string(data))
}

func TestExchange_StreamErrorIsMaterialized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found"}}`))
	}))
	defer srv.Close()

	out, err := Exchange(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL, Stream: true})
	require.NoError(t, err)

	assert.Nil(t, out.Stream)
	assert.NotNil(t, out.JSON)
}

func TestExchange_HeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer A", r.Header.Get("Authorization"))
		assert.Equal(t, int64(5), r.ContentLength)

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer A")

	out, err := Exchange(context.Background(), nil, Request{
		Method:        http.MethodPost,
		URL:           srv.URL,
		Header:        header,
		Body:          strings.NewReader("hello"),
		ContentLength: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
}

func TestExchange_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	hc := NewHTTPClient(Options{Metrics: m})

	_, err := Exchange(context.Background(), hc, Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues(http.MethodGet)), 0)
}

func TestExchange_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	hc := NewHTTPClient(Options{Metrics: m})

	for range 3 {
		_, err := Exchange(context.Background(), hc, Request{Method: http.MethodDelete, URL: srv.URL})
		require.NoError(t, err)
	}

	assert.InDelta(t, 3, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodDelete, "204")), 0)
}

func TestNewSession_PersistsCookies(t *testing.T) {
	var sawCookie atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/phase1" {
			http.SetCookie(w, &http.Cookie{Name: "upload", Value: "affinity"})
			return
		}

		if c, err := r.Cookie("upload"); err == nil && c.Value == "affinity" {
			sawCookie.Store(true)
		}
	}))
	defer srv.Close()

	session := NewSession(newTestHTTPClient(t, nil))

	_, err := Exchange(context.Background(), session, Request{Method: http.MethodPost, URL: srv.URL + "/phase1"})
	require.NoError(t, err)
	_, err = Exchange(context.Background(), session, Request{Method: http.MethodPut, URL: srv.URL + "/phase2"})
	require.NoError(t, err)

	assert.True(t, sawCookie.Load())

	// A separate session does not see the cookie.
	sawCookie.Store(false)
	_, err = Exchange(context.Background(), NewSession(nil), Request{Method: http.MethodPut, URL: srv.URL + "/phase2"})
	require.NoError(t, err)
	assert.False(t, sawCookie.Load())
}

func TestRedactURL(t *testing.T) {
	req, err := http.NewRequest(http.MethodPut, "https://user:pw@example.com/upload?upload_id=secret", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/upload", redactURL(req))
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.observe(http.MethodGet, http.StatusOK, 0)

	path := filepath.Join(t.TempDir(), "gdrive.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `gdrive_http_requests_total{code="200",method="GET"} 1`)
}
