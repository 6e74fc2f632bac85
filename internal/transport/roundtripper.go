package transport

import (
	"log/slog"
	"net/http"
	"time"
)

// instrumentedTransport logs and measures every round trip. It also stamps
// the User-Agent so callers outside this package (oauth2) get it too.
type instrumentedTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
	metrics   *Metrics
	nowFunc   func() time.Time
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := t.nowFunc()
	resp, err := t.base.RoundTrip(req)
	elapsed := t.nowFunc().Sub(start)

	if err != nil {
		t.metrics.observeFailure(req.Method, elapsed)
		t.logger.Warn("http exchange failed",
			slog.String("method", req.Method),
			slog.String("url", redactURL(req)),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	t.metrics.observe(req.Method, resp.StatusCode, elapsed)
	t.logger.Info("http exchange",
		slog.String("method", req.Method),
		slog.String("url", redactURL(req)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
	)

	return resp, nil
}

// redactURL drops the query string: upload session URLs carry the session
// id there and token requests must never be logged with parameters.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.User = nil

	return u.String()
}
