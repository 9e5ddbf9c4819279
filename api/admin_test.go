package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func signTestJWT(t *testing.T, signingKey, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(signingKey))
	require.NoError(t, err)
	return signed
}

func TestAdminRouteMissingBearerTokenReturns401(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/strategies", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRouteInvalidTokenReturns401(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/strategies", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRouteWrongSigningKeyReturns401(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	token := signTestJWT(t, "some-other-key", "operator-1")
	req := httptest.NewRequest(http.MethodGet, "/admin/strategies", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRouteValidTokenListsStrategies(t *testing.T) {
	s, _, st := newTestServer(t, nil)
	_, err := st.EnableStrategy("SPY", "1m", "ema_cross", "")
	require.NoError(t, err)

	token := signTestJWT(t, "test-signing-key", "operator-1")
	req := httptest.NewRequest(http.MethodGet, "/admin/strategies", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ema_cross")
}

func TestSetOverridesWithoutTOTPHeaderReturns401(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	token := signTestJWT(t, "test-signing-key", "operator-1")

	req := httptest.NewRequest(http.MethodPost, "/admin/overrides", strings.NewReader(`{"ignore_session_window":true}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSetOverridesWithValidTOTPFlipsFlagAndBroadcasts(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	token := signTestJWT(t, "test-signing-key", "operator-1")
	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	require.NoError(t, err)

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	req := httptest.NewRequest(http.MethodPost, "/admin/overrides", strings.NewReader(`{"ignore_session_window":true}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-TOTP-Code", code)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	ignoreWindow, _ := s.eng.Overrides.Snapshot()
	require.True(t, ignoreWindow)

	select {
	case evt := <-sub.C:
		require.Equal(t, "overrides_changed", string(evt.Name))
	case <-time.After(time.Second):
		t.Fatal("expected overrides_changed event not published")
	}
}

func TestCreateAndDeleteFavoriteRoundTrips(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	token := signTestJWT(t, "test-signing-key", "operator-1")

	createReq := httptest.NewRequest(http.MethodPost, "/admin/favorites", strings.NewReader(`{"ticker":"SPY","signal_type":"ema_cross"}`))
	createReq.Header.Set("Authorization", "Bearer "+token)
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	s.router.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusOK, createW.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/favorites", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listW := httptest.NewRecorder()
	s.router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)
	require.Contains(t, listW.Body.String(), "ema_cross")

	deleteReq := httptest.NewRequest(http.MethodDelete, "/admin/favorites/"+created.ID, nil)
	deleteReq.Header.Set("Authorization", "Bearer "+token)
	deleteW := httptest.NewRecorder()
	s.router.ServeHTTP(deleteW, deleteReq)
	require.Equal(t, http.StatusOK, deleteW.Code)
}
