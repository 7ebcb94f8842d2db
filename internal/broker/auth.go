// Package broker implements the BKS trade API clients: the Keycloak token
// exchange, the REST operations/portfolio/market-data endpoints, and the two
// WebSocket feeds (order books and execution reports).
//
// The REST client (Client) owns the shared HTTP session, the current access
// token, and the category token buckets. Every request carries a bearer
// token; a 401 triggers a single re-authorization before the retry. The
// Authenticator exchanges the long-lived refresh credential for a short-lived
// access token and never rotates the refresh credential itself.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrAuth marks authorization exhaustion. The supervisor maps it to a
// dedicated exit code.
var ErrAuth = errors.New("broker authorization failed")

// authBackoff is the linear retry schedule for the token exchange.
var authBackoff = []time.Duration{3 * time.Second, 5 * time.Second, 7 * time.Second, 9 * time.Second}

// tokenResponse is the Keycloak token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticator exchanges a refresh token for an access token against the
// broker's Keycloak realm.
type Authenticator struct {
	http         *resty.Client
	tokenURL     string
	clientID     string
	refreshToken string
	backoff      []time.Duration
	logger       *slog.Logger
}

// NewAuthenticator creates an authenticator. The refresh token is held for
// the life of the process and is not rotated by this component.
func NewAuthenticator(tokenURL, clientID, refreshToken string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		http:         resty.New().SetTimeout(10 * time.Second),
		tokenURL:     tokenURL,
		clientID:     clientID,
		refreshToken: refreshToken,
		backoff:      authBackoff,
		logger:       logger.With("component", "auth"),
	}
}

// Obtain performs the grant_type=refresh_token exchange and returns a fresh
// access token. Network errors and non-2xx responses are retried up to four
// times with linearly increasing backoff (3, 5, 7, 9 s); persistent failure
// wraps ErrAuth.
func (a *Authenticator) Obtain(ctx context.Context) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= len(a.backoff); attempt++ {
		if attempt > 0 {
			wait := a.backoff[attempt-1]
			a.logger.Warn("token exchange retry", "attempt", attempt, "backoff", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		var tok tokenResponse
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json").
			SetFormData(map[string]string{
				"client_id":     a.clientID,
				"refresh_token": a.refreshToken,
				"grant_type":    "refresh_token",
			}).
			SetResult(&tok).
			Post(a.tokenURL)
		if err != nil {
			lastErr = fmt.Errorf("token request: %w", err)
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			lastErr = fmt.Errorf("token endpoint status %d: %s", resp.StatusCode(), resp.String())
			continue
		}
		if tok.AccessToken == "" {
			lastErr = fmt.Errorf("token endpoint returned empty access_token")
			continue
		}

		a.logger.Info("access token obtained", "expires_in", tok.ExpiresIn)
		return tok.AccessToken, nil
	}

	return "", fmt.Errorf("%w: %v", ErrAuth, lastErr)
}
