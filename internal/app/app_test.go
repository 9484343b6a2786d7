package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocktide/stocktide/internal/config"
	"github.com/stocktide/stocktide/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.StoreBackend = "memory"
	cfg.TokenPath = filepath.Join(t.TempDir(), "token")
	return cfg
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestNew_WiresEverything(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logging.NewTextLogger(io.Discard, slog.LevelError))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Sales)
	assert.NotNil(t, a.Products)
	assert.NotNil(t, a.Clients)
	assert.NotNil(t, a.Schedules)
	assert.NotNil(t, a.Settings)
	assert.NotNil(t, a.Channel)
	assert.False(t, a.Degraded)
	assert.False(t, a.Session.Active())
}

func TestLoginPersistsTokenAndLogoutForgetsIt(t *testing.T) {
	token := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/login", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.APIBaseURL = srv.URL
	log := logging.NewTextLogger(io.Discard, slog.LevelError)

	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	defer a.Close()

	token = signedToken(t, "u1")
	require.NoError(t, a.Login(context.Background(), "maria", "secret"))
	owner, err := a.Session.OwnerID()
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	// A fresh app picks the persisted session back up.
	b, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, b.Session.Active())

	require.NoError(t, a.Logout())
	assert.False(t, a.Session.Active())
	_, err = os.Stat(cfg.TokenPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_StopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.OnlineCheckInterval = 20 * time.Millisecond
	a, err := New(context.Background(), cfg, logging.NewTextLogger(io.Discard, slog.LevelError))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = a.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
