package drive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gdrive-go/internal/credfile"
)

func TestAuthCodeURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	env := newTestClient(t, srv)
	cfg := env.client.OAuthConfig("CID", "SECRET", "", nil)

	raw, state, err := AuthCodeURL(cfg)
	require.NoError(t, err)
	require.Len(t, state, 32)

	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "CID", q.Get("client_id"))
	assert.Equal(t, OOBRedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, state, q.Get("state"))
	assert.Contains(t, q.Get("scope"), "drive.file")
}

func TestGrant_PersistsTokensAndClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "CID", r.PostForm.Get("client_id"))
		assert.Equal(t, "SECRET", r.PostForm.Get("client_secret"))
		assert.Equal(t, OOBRedirectURL, r.PostForm.Get("redirect_uri"))

		writeJSON(w, http.StatusOK,
			`{"access_token":"AT","refresh_token":"RT","token_type":"Bearer","expires_in":3599,"id_token":"IDT"}`)
	}))
	defer srv.Close()

	env := newTestClient(t, srv)
	cfg := env.client.OAuthConfig("CID", "SECRET", "", nil)

	require.NoError(t, env.client.Grant(context.Background(), cfg, " the-code\n"))

	onDisk, err := credfile.Load(env.credPath)
	require.NoError(t, err)
	assert.Equal(t, "AT", onDisk.AccessToken())
	assert.Equal(t, "RT", onDisk.RefreshToken())
	assert.Equal(t, "CID", onDisk.ClientID())
	assert.Equal(t, "SECRET", onDisk.ClientSecret())
	assert.Equal(t, "IDT", onDisk["id_token"])
	assert.InDelta(t, 3599, onDisk["expires_in"], 0)
}

func TestGrant_RejectedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Bad Request"}`)
	}))
	defer srv.Close()

	env := newTestClient(t, srv)

	err := env.client.Grant(context.Background(), env.client.OAuthConfig("CID", "SECRET", "", nil), "bad")
	require.Error(t, err)

	assert.Equal(t, "A", env.store.AccessToken())
}
