// Package main is the entrypoint for the chat gateway service: the
// websocket endpoint clients connect to for real-time message delivery.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gatherly/chat-delivery/internal/config"
	"github.com/gatherly/chat-delivery/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "chatgateway",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Gateway.HTTPPort },
		Setup:          setup,
	}, nil)
}
