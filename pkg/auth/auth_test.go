package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret-with-enough-bytes-000", Issuer: "cragfeed.test"}

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := Sign(claims, testConfig)
	require.NoError(t, err)
	return token
}

func TestParseRoundTripsViewerClaims(t *testing.T) {
	token := signed(t, Claims{
		Subject:   "user-1",
		Name:      "Ada",
		Scopes:    map[string]struct{}{"reactions:write": {}},
		ExpiresAt: time.Now().Add(time.Hour),
	})

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "Ada", claims.Name)
	require.True(t, claims.HasScope("reactions:write"))
	require.False(t, claims.HasScope("routes:admin"))
}

func TestParseRejectsWrongIssuerAndExpiredTokens(t *testing.T) {
	wrong := Config{Secret: testConfig.Secret, Issuer: "someone-else"}
	token, err := Sign(Claims{Subject: "u", ExpiresAt: time.Now().Add(time.Hour)}, wrong)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := signed(t, Claims{Subject: "u", ExpiresAt: time.Now().Add(-time.Minute)})
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddlewareOptionalAllowsAnonymousButRejectsBadTokens(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	mw := NewMiddleware(testConfig, nil).WithOptional(func(r *http.Request) bool {
		return r.Method == http.MethodGet
	})
	handler := mw.Wrap(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, seen)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/activities", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "unauthorized", body["type"])

	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, Claims{Subject: "user-9", ExpiresAt: time.Now().Add(time.Hour)}))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-9", seen.Subject)
	require.Equal(t, "user-9", seen.Name)
}
