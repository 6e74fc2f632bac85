package drive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/gdrive-go/internal/credfile"
	"github.com/tonimelisma/gdrive-go/internal/retry"
	"github.com/tonimelisma/gdrive-go/internal/transport"
)

// AuthURL is the consent page of the authorization-code grant.
const AuthURL = "https://accounts.google.com/o/oauth2/auth"

// OOBRedirectURL asks the consent page to display the code instead of
// redirecting, for command-line grants.
const OOBRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

// DefaultScopes are requested when a grant names none.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// refreshFlightTimeout bounds one shared token refresh, including the
// refresh policy's retries.
const refreshFlightTimeout = 10 * time.Minute

// refreshFor refreshes the access token after a 401 for a request that
// was sent with token. When another caller has already replaced that token
// the refresh is skipped and the request is simply retried. Concurrent
// refreshes collapse into one token endpoint call.
//
// The shared refresh runs detached from the context of the caller that
// started it; each caller stops waiting when its own ctx is done.
func (c *Client) refreshFor(ctx context.Context, token string) (bool, error) {
	for round := 0; ; round++ {
		if token != c.store.AccessToken() {
			c.logger.Debug("access token already refreshed by another call")
			return true, nil
		}

		ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
			// A flight that finished between the check above and here has
			// already replaced the token.
			if token != c.store.AccessToken() {
				return true, nil
			}

			flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshFlightTimeout)
			defer cancel()

			ok, err := c.refresh(flightCtx)
			if err != nil && flightCtx.Err() != nil {
				c.logger.Warn("token refresh timed out", slog.Duration("timeout", refreshFlightTimeout))
				return false, nil
			}

			return ok, err
		})

		var res singleflight.Result

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("drive: waiting for token refresh: %w", ctx.Err())
		case res = <-ch:
		}

		if res.Err != nil {
			// A flight that died of cancellation says nothing about this
			// caller's token; take one more turn with a fresh flight.
			if isContextError(res.Err) && ctx.Err() == nil && round == 0 {
				continue
			}

			return false, res.Err
		}

		if res.Shared {
			c.logger.Debug("joined in-flight token refresh")
		}

		ok, _ := res.Val.(bool)

		return ok, nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// refresh exchanges the refresh token for a new access token and persists
// the token endpoint's response into the credential store. It reports false
// when the endpoint rejects the request, answers without an access_token,
// or stays unreachable for the whole refresh budget. The error is non-nil
// only when ctx is canceled.
func (c *Client) refresh(ctx context.Context) (bool, error) {
	cred := c.store.Credential()

	form := url.Values{
		"client_id":     {cred.ClientID()},
		"client_secret": {cred.ClientSecret()},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken()},
	}
	encoded := form.Encode()

	header := make(http.Header, 1)
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	out, err := retry.Do(ctx, c.refreshPolicy, func(ctx context.Context) (*transport.Outcome, error) {
		callCtx, cancel := c.callContext(ctx, false)
		defer cancel()

		out, err := transport.Exchange(callCtx, c.httpClient, transport.Request{
			Method:        http.MethodPost,
			URL:           c.tokenURL,
			Header:        header,
			Body:          strings.NewReader(encoded),
			ContentLength: int64(len(encoded)),
		})
		if err != nil {
			return nil, c.transportError(ctx, err)
		}

		c.setError(out.StatusCode, out.Reason)

		if out.StatusCode >= http.StatusInternalServerError {
			return nil, retry.Transient(retry.KindServer, newAPIError(out.StatusCode, out.Body))
		}

		return out, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrGaveUp) {
			c.logger.Warn("token refresh gave up", slog.String("error", err.Error()))
			return false, nil
		}

		return false, err
	}

	if IsFailure(out.StatusCode) {
		c.logger.Warn("token refresh rejected",
			slog.Int("status", out.StatusCode),
			slog.String("message", newAPIError(out.StatusCode, out.Body).Message),
		)

		return false, nil
	}

	fields, _ := out.JSON.(map[string]any)
	if tok, _ := fields[credfile.KeyAccessToken].(string); tok == "" {
		reason := fmt.Sprintf("Refresh token success, but not receiving access_token: %s", out.Body)
		c.setError(-1, reason)
		c.logger.Error(reason)

		return false, nil
	}

	if err := c.store.Merge(fields); err != nil {
		// The in-memory token is already updated; keep going with it.
		c.logger.Error("persisting refreshed credential failed",
			slog.String("path", c.store.Path()),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("refreshed access token")

	return true, nil
}

// OAuthConfig returns the authorization-code grant configuration for the
// given client. Empty redirect and scopes select OOBRedirectURL and
// DefaultScopes.
func (c *Client) OAuthConfig(clientID, clientSecret, redirect string, scopes []string) *oauth2.Config {
	if redirect == "" {
		redirect = OOBRedirectURL
	}

	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirect,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   AuthURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the consent page URL and the state value embedded in
// it. Offline access is requested so the grant yields a refresh token.
func AuthCodeURL(cfg *oauth2.Config) (string, string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("drive: generating state: %w", err)
	}

	state := hex.EncodeToString(buf)

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), state, nil
}

// Grant exchanges an authorization code for tokens and stores them along
// with the client id and secret, so later refreshes can run unattended.
func (c *Client) Grant(ctx context.Context, cfg *oauth2.Config, code string) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("drive: exchanging authorization code: %w", err)
	}

	fields := map[string]any{
		credfile.KeyAccessToken:  tok.AccessToken,
		credfile.KeyClientID:     cfg.ClientID,
		credfile.KeyClientSecret: cfg.ClientSecret,
		"token_type":             tok.TokenType,
	}

	if tok.RefreshToken != "" {
		fields[credfile.KeyRefreshToken] = tok.RefreshToken
	}

	for _, extra := range []string{"expires_in", "id_token"} {
		if v := tok.Extra(extra); v != nil {
			fields[extra] = v
		}
	}

	if err := c.store.Merge(fields); err != nil {
		return fmt.Errorf("drive: saving granted credential: %w", err)
	}

	c.logger.Info("authorization granted", slog.String("path", c.store.Path()))

	return nil
}
