package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gatherly/chat-delivery/internal/auth"
	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/internal/gateway"
	"github.com/gatherly/chat-delivery/internal/gateway/adapter"
	redisclient "github.com/gatherly/chat-delivery/internal/redis"
	"github.com/gatherly/chat-delivery/internal/server"
)

// setup is the chat gateway composition root. It wires the connection
// registry, the message router with its persistence and cipher
// collaborators, the heartbeat sweeper, and the websocket accept path.
func setup(_ context.Context, deps server.SetupDeps) (*server.Service, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Persistence. The in-memory store stands in for the surrounding
	// web application's relational store; with Redis configured, group
	// member lookups on the fan-out path are cached.
	var store gateway.Persistence = adapter.NewMemStore(clock)
	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient = redisclient.NewClient(redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		store = adapter.NewMemberCache(store, redisClient.RDB, logger)
		logger.Info("group membership cache enabled", slog.String("redis_addr", cfg.Redis.Addr))
	}

	// 2. At-rest cipher.
	var cipher gateway.Cipher = adapter.NoopCipher{}
	if cfg.Gateway.CipherKey != "" {
		aes, err := adapter.NewAESCipher(cfg.Gateway.CipherKey, logger)
		if err != nil {
			return nil, fmt.Errorf("chatgateway setup: %w", err)
		}
		cipher = aes
	} else if !cfg.IsLocal() {
		return nil, fmt.Errorf("chatgateway setup: %w: gateway.cipher_key", domain.ErrConfigRequired)
	}

	// 3. Upgrade-time token verification.
	var verifier gateway.TokenVerifier
	if cfg.Gateway.JWTSecret != "" {
		verifier = auth.NewVerifier(auth.VerifierConfig{
			Secret: []byte(cfg.Gateway.JWTSecret),
			Clock:  clock,
		})
	} else {
		logger.Warn("no JWT secret configured, accepting declarative auth only")
	}

	// 4. Core wiring.
	registry := gateway.NewRegistry()
	router := gateway.NewRouter(gateway.RouterConfig{
		Registry:    registry,
		Persistence: store,
		Cipher:      cipher,
		Clock:       clock,
		Logger:      logger,
	})
	sweeper := gateway.NewSweeper(gateway.SweeperConfig{
		Registry: registry,
		Interval: cfg.Gateway.SweepInterval,
		Clock:    clock,
		Logger:   logger,
	})
	handler := gateway.NewHandler(gateway.HandlerConfig{
		Registry: registry,
		Router:   router,
		Verifier: verifier,
		Logger:   logger,
	})
	deps.HTTPMux.Handle(cfg.Gateway.WSPath, handler)

	logger.Info("chat gateway initialized",
		slog.String("ws_path", cfg.Gateway.WSPath),
		slog.Duration("sweep_interval", cfg.Gateway.SweepInterval),
		slog.Bool("token_verification", verifier != nil),
	)

	return &server.Service{
		Background: func(ctx context.Context) error {
			sweeper.Run(ctx)
			return nil
		},
		Drain: func() {
			for _, c := range registry.Snapshot() {
				c.Close(errmap.CloseServerShutdown)
				registry.UnregisterConn(c)
			}
		},
		Cleanup: func(context.Context) error {
			if redisClient != nil {
				return redisClient.Close()
			}
			return nil
		},
	}, nil
}
