package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/models"
)

// DefaultAccessTTL applies when neither the issuer nor the token says when it expires
const DefaultAccessTTL = time.Hour

// Refresher exchanges refresh tokens at the auth service
type Refresher struct {
	baseURL    string
	httpClient *http.Client
	defaultTTL time.Duration
	now        func() time.Time
}

// RefresherOption customises a Refresher
type RefresherOption func(*Refresher)

// WithHTTPClient sets the client used to reach the token issuer
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.httpClient = c }
}

// WithDefaultTTL sets the validity assumed when the response carries no expiry
func WithDefaultTTL(ttl time.Duration) RefresherOption {
	return func(r *Refresher) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// WithClock replaces the refresher's time source
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher creates a refresher for the auth service at baseURL
func NewRefresher(baseURL string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		defaultTTL: DefaultAccessTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    *int64 `json:"expires_at"`
}

// Refresh calls POST /token/refresh once. Any failure yields a RefreshFailure
// and no credentials; a missing rotated refresh token keeps the old one.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (models.Credentials, error) {
	if refreshToken == "" {
		return models.Credentials{}, apperror.New(apperror.RefreshFailure, "no refresh token")
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return models.Credentials{}, apperror.Wrap(apperror.RefreshFailure, "failed to encode refresh request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/token/refresh", bytes.NewReader(payload))
	if err != nil {
		return models.Credentials{}, apperror.Wrap(apperror.RefreshFailure, "failed to create refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return models.Credentials{}, apperror.Wrap(apperror.RefreshFailure, "refresh request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Credentials{}, &apperror.Error{
			Kind:    apperror.RefreshFailure,
			Status:  resp.StatusCode,
			Message: "token issuer rejected refresh",
			Body:    body,
		}
	}

	var result refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Credentials{}, apperror.Wrap(apperror.RefreshFailure, "failed to decode refresh response", err)
	}
	if result.AccessToken == "" {
		return models.Credentials{}, apperror.New(apperror.RefreshFailure, "refresh response missing access_token")
	}

	creds := models.Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	if result.ExpiresAt != nil && *result.ExpiresAt > 0 {
		creds.AccessExpiresAt = time.Unix(*result.ExpiresAt, 0).UTC()
	} else {
		creds.AccessExpiresAt = AccessExpiry(result.AccessToken, r.now().Add(r.defaultTTL))
	}
	return creds, nil
}
