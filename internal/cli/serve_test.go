package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapthttp "nutrisync/internal/adapter/http"
	"nutrisync/internal/app"
)

const wiringSecret = "wiring-secret"

// newWiredServer builds the handler exactly as serve does with the default
// in-memory store.
func newWiredServer(t *testing.T) (*httptest.Server, adapthttp.Services) {
	t.Helper()
	t.Setenv("NUTRISYNC_AUTH_JWT_SECRET", wiringSecret)
	t.Setenv("NUTRISYNC_LOG_LEVEL", "error")
	ctx := context.Background()

	opts := &RootOptions{v: viper.New()}
	cfg, logger, err := opts.load()
	require.NoError(t, err)
	require.Empty(t, cfg.Database.URL)

	db, closeDB, err := openStore(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(closeDB)
	limiter, err := newRateLimiter(ctx, cfg, logger)
	require.NoError(t, err)
	svc, err := newServices(ctx, cfg, db, limiter, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(adapthttp.New(svc, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServeWiring_LoginComponentTokenIsAccepted(t *testing.T) {
	srv, _ := newWiredServer(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "ver": 0, "typ": "access", "iss": "nutrisync",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(wiringSecret))
	require.NoError(t, err)

	resp := post(t, srv.URL+"/api/v1/balanca/pesagens", token, map[string]any{"peso": 250, "unidade": "g"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, srv.URL+"/api/v1/balanca/pesagens", "", map[string]any{"peso": 250, "unidade": "g"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWiring_IssuedSessionRefreshes(t *testing.T) {
	srv, svc := newWiredServer(t)

	pair, err := svc.Auth.IssueSession(context.Background(), "u2")
	require.NoError(t, err)

	resp := post(t, srv.URL+"/api/v1/auth/refresh", "", map[string]any{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated app.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))

	resp = post(t, srv.URL+"/api/v1/sync/push", rotated.AccessToken, map[string]any{
		"changes": []map[string]any{{"table": "devices", "action": "create", "id": "d1", "data": map[string]any{"name": "a"}}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenCommands(t *testing.T) {
	t.Setenv("NUTRISYNC_AUTH_JWT_SECRET", wiringSecret)
	t.Setenv("NUTRISYNC_LOG_LEVEL", "error")

	out, err := execute(t, "token", "issue", "u3")
	require.NoError(t, err)
	var pair app.TokenPair
	require.NoError(t, json.Unmarshal([]byte(out), &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	// The access token is accepted by a separate server sharing the secret.
	_, svc := newWiredServer(t)
	id, err := svc.Auth.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u3", id.UserID)

	_, err = execute(t, "token", "revoke", "u3")
	assert.ErrorContains(t, err, "database.url")

	_, err = execute(t, "token", "issue")
	assert.Error(t, err)
}
