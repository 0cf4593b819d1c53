package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomhub/roomhub/internal/auth"
	"github.com/roomhub/roomhub/internal/config"
	"github.com/roomhub/roomhub/internal/hub"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Auth.Secret = testSecret
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	return cfg
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(testConfig(), logger, "test")
	require.NoError(t, err)
	assert.NotNil(t, srv.mainServer)
	assert.NotNil(t, srv.adminServer)
	assert.NotNil(t, srv.registry)
	assert.NotNil(t, srv.service)
	assert.Nil(t, srv.connSem, "no process cap by default")
	assert.Nil(t, srv.emitter, "events disabled by default")
}

func TestRunGracefulShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(testConfig(), logger, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, srv.health.IsReady, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, srv.health.IsReady())
}

func TestRunFailsOnBadAddress(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	cfg.Server.Address = "256.256.256.256:1" // unbindable
	srv, err := New(cfg, logger, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, srv.Run(ctx))
}

func TestReload(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(testConfig(), logger, "test")
	require.NoError(t, err)

	t.Run("rotates the auth secret", func(t *testing.T) {
		newCfg := testConfig()
		newCfg.Auth.Secret = "rotated-secret"
		require.NoError(t, srv.Reload(newCfg))

		// A token under the old secret now falls back to the edge identity.
		ac, err := srv.gate.Verify(validToken(t, "alice"))
		require.NoError(t, err)
		assert.Equal(t, auth.ProvenanceEdge, ac.Provenance)
	})

	t.Run("swaps the limiter on rate limit changes", func(t *testing.T) {
		newCfg := testConfig()
		newCfg.Auth.Secret = "rotated-secret"
		newCfg.RateLimit.MaxMessages = 1
		require.NoError(t, srv.Reload(newCfg))

		_, err := srv.service.Broadcast("ROOM-x", "alice", hub.NewTextMessage("one", "", ""), nil)
		require.NoError(t, err)
		_, err = srv.service.Broadcast("ROOM-x", "alice", hub.NewTextMessage("two", "", ""), nil)
		assert.ErrorIs(t, err, hub.ErrRateLimited)
	})
}
