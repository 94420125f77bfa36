// Package main is a terminal chat client speaking the gateway's websocket
// protocol: connect, send direct or group messages, mark chats read, and
// watch delivery events. Mostly useful for poking at a running gateway.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gatherly/chat-delivery/internal/config"
	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/observability"
	"github.com/gatherly/chat-delivery/pkg/chatclient"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	userID := flag.Int64("user", 0, "user ID to connect as")
	flag.Parse()
	if *userID == 0 {
		return fmt.Errorf("-user is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "chatclient",
		Environment: cfg.Environment,
	})

	manager := chatclient.NewManager(managerConfig(cfg, logger))
	defer manager.Close()

	unsubscribe := manager.Subscribe(func(ev chatclient.Event) { logEvent(logger, ev) })
	defer unsubscribe()

	logger.Info("connecting",
		slog.String("endpoint", cfg.Client.Endpoint),
		slog.Int64("user_id", *userID),
	)
	manager.Connect(*userID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := dispatchCommand(manager, line); err != nil {
				logger.Warn("command failed", slog.String("error", err.Error()))
			}
		}
	}
}

// managerConfig maps the client section of the service configuration onto
// the connection manager's dependencies.
func managerConfig(cfg *config.Config, logger *slog.Logger) chatclient.ManagerConfig {
	return chatclient.ManagerConfig{
		Endpoint:          cfg.Client.Endpoint,
		Dialer:            &chatclient.WebsocketDialer{},
		Store:             chatclient.NewFileQueueStore(cfg.Client.QueuePath),
		Clock:             domain.RealClock{},
		Logger:            logger,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
	}
}

// dispatchCommand parses one line of input:
//
//	send <recipientId> <text>    direct message
//	group <groupId> <text>       group message
//	read <senderId>              mark a direct chat read
//	typing <recipientId>         typing indicator
//	stop <recipientId>           typing stopped
func dispatchCommand(m *chatclient.Manager, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	verb := fields[0]
	if len(fields) < 2 {
		return fmt.Errorf("%s: missing argument", verb)
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad ID %q", verb, fields[1])
	}

	switch verb {
	case "send":
		_, err = m.SendMessage(id, 0, strings.Join(fields[2:], " "))
	case "group":
		_, err = m.SendMessage(0, id, strings.Join(fields[2:], " "))
	case "read":
		err = m.MarkAsRead(id, 0)
	case "typing":
		err = m.SendTypingIndicator(id, 0, false)
	case "stop":
		err = m.SendTypingIndicator(id, 0, true)
	default:
		err = fmt.Errorf("unknown command %q", verb)
	}
	return err
}

func logEvent(logger *slog.Logger, ev chatclient.Event) {
	switch ev.Kind {
	case chatclient.EventStatusChange:
		logger.Info("status", slog.String("status", string(ev.Status)))
	case chatclient.EventMessageReceived:
		logger.Info("message",
			slog.Int64("from", ev.Envelope.UserID),
			slog.Int64("group", ev.Envelope.ChatGroupID),
			slog.String("content", ev.Envelope.Content),
		)
	case chatclient.EventDeliveryConfirmed:
		logger.Info("delivered", slog.String("message_id", ev.MessageID))
	case chatclient.EventDeliveryFailed:
		logger.Warn("delivery failed", slog.String("message_id", ev.MessageID))
	case chatclient.EventReadReceipt:
		logger.Info("read", slog.Int64("by", ev.Envelope.UserID))
	case chatclient.EventTypingChanged:
		logger.Info("typing",
			slog.Int64("from", ev.Envelope.UserID),
			slog.Bool("typing", ev.Typing),
		)
	case chatclient.EventReconnectScheduled:
		logger.Info("reconnect scheduled",
			slog.Int("attempt", ev.Attempt),
			slog.Duration("delay", ev.Delay),
		)
	case chatclient.EventQueueLengthChanged:
		logger.Info("queued", slog.Int("queue_len", ev.QueueLen))
	}
}
