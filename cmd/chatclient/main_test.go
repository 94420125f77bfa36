package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gatherly/chat-delivery/internal/config"
	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/pkg/chatclient"
)

func TestManagerConfigMapsClientSection(t *testing.T) {
	cfg := &config.Config{
		Client: config.ClientConfig{
			Endpoint:          "ws://gateway.test/ws",
			QueuePath:         filepath.Join(t.TempDir(), "queue.json"),
			HeartbeatInterval: 7 * time.Second,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mc := managerConfig(cfg, logger)

	assert.Equal(t, "ws://gateway.test/ws", mc.Endpoint)
	assert.Equal(t, 7*time.Second, mc.HeartbeatInterval)
	assert.IsType(t, &chatclient.WebsocketDialer{}, mc.Dialer)
	assert.IsType(t, &chatclient.FileQueueStore{}, mc.Store)
	assert.Same(t, logger, mc.Logger)
}

func TestDispatchCommand(t *testing.T) {
	m := chatclient.NewManager(chatclient.ManagerConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)

	assert.NoError(t, dispatchCommand(m, ""))
	assert.Error(t, dispatchCommand(m, "send"))
	assert.Error(t, dispatchCommand(m, "send nope hi"))
	assert.Error(t, dispatchCommand(m, "frobnicate 7"))

	// No identity yet: sends are refused, not queued.
	err := dispatchCommand(m, "send 7 hello")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
