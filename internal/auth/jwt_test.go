// internal/auth/jwt_test.go
package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAndVerify(t *testing.T) {
	token, err := CreateToken("secret", "ops", time.Minute)
	require.NoError(t, err)

	sub, err := VerifyToken("secret", token)
	require.NoError(t, err)
	require.Equal(t, "ops", sub)

	_, err = VerifyToken("wrong-secret", token)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := CreateToken("secret", "ops", -time.Minute)
	require.NoError(t, err)
	_, err = VerifyToken("secret", token)
	require.Error(t, err)
}

func TestRequireToken(t *testing.T) {
	var called bool
	next := func(w http.ResponseWriter, r *http.Request) { called = true }

	h := RequireToken("secret", next)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/admin/x", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.False(t, called)

	req := httptest.NewRequest(http.MethodPost, "/admin/x", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	h(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.False(t, called)

	token, err := CreateToken("secret", "ops", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/admin/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h(w, req)
	require.True(t, called)

	// No secret configured: endpoint is disabled outright.
	w = httptest.NewRecorder()
	RequireToken("", next)(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}
