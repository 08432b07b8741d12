package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendmarket/observability/logging"
)

func TestRejectedTokenIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "lending-auth"}, logger)
	require.NoError(t, err)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testAddress(0x01).String(),
		"iss": "lending-auth",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("not-the-secret"))
	require.NoError(t, err)

	called := false
	handler := auth.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodPost, "/v1/mint", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, buf.String(), "auth: token rejected")
	require.Contains(t, buf.String(), logging.RedactedValue)
	require.NotContains(t, buf.String(), forged)
}
