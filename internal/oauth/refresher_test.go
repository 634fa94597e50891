package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/linkrelay/internal/apperror"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIssuer(t *testing.T, handler http.HandlerFunc) *Refresher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRefresher(srv.URL, WithClock(func() time.Time { return fixedNow }))
}

func TestRefreshSuccessWithRotation(t *testing.T) {
	r := newIssuer(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "/token/refresh", req.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		require.Equal(t, "rt-old", body["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_at":1800000000}`))
	})

	creds, err := r.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-new", creds.AccessToken)
	require.Equal(t, "rt-new", creds.RefreshToken)
	require.Equal(t, time.Unix(1800000000, 0).UTC(), creds.AccessExpiresAt)
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	r := newIssuer(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"opaque-token"}`))
	})

	creds, err := r.Refresh(context.Background(), "rt-keep")
	require.NoError(t, err)
	require.Equal(t, "rt-keep", creds.RefreshToken)
	require.Equal(t, fixedNow.Add(DefaultAccessTTL), creds.AccessExpiresAt)
}

func TestRefreshUsesJWTExpiryWhenAbsent(t *testing.T) {
	exp := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u_1",
		"exp": exp.Unix(),
	}).SignedString([]byte("issuer-secret"))
	require.NoError(t, err)

	r := newIssuer(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})

	creds, err := r.Refresh(context.Background(), "rt")
	require.NoError(t, err)
	require.Equal(t, exp, creds.AccessExpiresAt)
}

func TestRefreshFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"unauthorized": func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "invalid refresh", http.StatusUnauthorized)
		},
		"malformed": func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		},
		"missing access token": func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte(`{"refresh_token":"rt-2"}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			r := newIssuer(t, handler)
			creds, err := r.Refresh(context.Background(), "rt")
			require.Error(t, err)
			require.Equal(t, apperror.RefreshFailure, apperror.KindOf(err))
			require.Empty(t, creds.AccessToken)
		})
	}
}

func TestRefreshUnreachableIssuer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRefresher(url).Refresh(context.Background(), "rt")
	require.Equal(t, apperror.RefreshFailure, apperror.KindOf(err))
}

func TestRefreshWithoutTokenMakesNoCall(t *testing.T) {
	called := false
	r := newIssuer(t, func(w http.ResponseWriter, req *http.Request) { called = true })

	_, err := r.Refresh(context.Background(), "")
	require.Equal(t, apperror.RefreshFailure, apperror.KindOf(err))
	require.False(t, called)
}

func TestAccessExpiryFallback(t *testing.T) {
	fallback := fixedNow.Add(time.Hour)
	require.Equal(t, fallback, AccessExpiry("not-a-jwt", fallback))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, fallback, AccessExpiry(noExp, fallback))
}
