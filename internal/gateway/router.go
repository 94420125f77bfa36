package gateway

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/internal/observability"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

var tracer = otel.Tracer("gateway")

var (
	framesInTotal         metric.Int64Counter
	framesDroppedTotal    metric.Int64Counter
	messagesRoutedTotal   metric.Int64Counter
	fanoutDeliveriesTotal metric.Int64Counter
	deliveryReceiptsTotal metric.Int64Counter
)

func init() {
	framesInTotal, _ = meter.Int64Counter("ws_frames_in_total",
		metric.WithDescription("Inbound frames by kind"))
	framesDroppedTotal, _ = meter.Int64Counter("ws_frames_dropped_total",
		metric.WithDescription("Frames rejected by validation or dropped on push"))
	messagesRoutedTotal, _ = meter.Int64Counter("chat_messages_routed_total",
		metric.WithDescription("Chat messages accepted and persisted"))
	fanoutDeliveriesTotal, _ = meter.Int64Counter("chat_fanout_deliveries_total",
		metric.WithDescription("Chat frames pushed to live recipients"))
	deliveryReceiptsTotal, _ = meter.Int64Counter("chat_delivery_receipts_total",
		metric.WithDescription("message_delivered receipts emitted"))
}

// RouterConfig holds the dependencies for a Router.
type RouterConfig struct {
	Registry    *Registry
	Persistence Persistence
	Cipher      Cipher
	Clock       domain.Clock
	Logger      *slog.Logger
}

// Router is the server-side counterpart of the client connection manager.
// It receives every decoded inbound frame, persists chat messages through
// the persistence collaborator, fans them out via the registry, and emits
// delivery receipts back to the sender.
type Router struct {
	registry *Registry
	store    Persistence
	cipher   Cipher
	clock    domain.Clock
	logger   *slog.Logger
}

// NewRouter creates a Router with the given dependencies.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		registry: cfg.Registry,
		store:    cfg.Persistence,
		cipher:   cfg.Cipher,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// HandleFrame decodes one raw inbound frame and dispatches it by kind.
// Protocol errors are answered with an error envelope and the frame is
// dropped; the connection stays open. Nothing here ever panics past the
// connection boundary.
func (r *Router) HandleFrame(ctx context.Context, c *Conn, data []byte) {
	e, err := protocol.Decode(data)
	if err != nil {
		framesDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid")))
		r.logger.Warn("dropping malformed frame",
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
		r.pushError(c, "", err)
		return
	}

	framesInTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Type))))

	switch e.Type {
	case protocol.KindAuth:
		r.handleAuth(ctx, c, e)
	case protocol.KindChatMessage:
		r.handleChat(ctx, c, e)
	case protocol.KindMarkRead:
		r.handleMarkRead(ctx, c, e)
	case protocol.KindTyping, protocol.KindTypingStop:
		r.handleTyping(ctx, c, e)
	case protocol.KindHeartbeat:
		c.MarkAlive()
		r.push(ctx, c, &protocol.Envelope{
			Type:      protocol.KindHeartbeatAck,
			Timestamp: domain.NowUTCMillis(r.clock),
		})
	case protocol.KindHeartbeatAck:
		c.MarkAlive()
	default:
		// Server-emitted kinds echoed back by a confused client. Harmless.
		r.logger.Debug("ignoring unexpected inbound kind",
			slog.String("conn_id", c.ID()),
			slog.String("kind", string(e.Type)),
		)
	}
}

// handleAuth registers the connection under the declared user ID and replies
// auth_success. The handshake is declarative: the surrounding session is
// already authenticated, so the identity is trusted - unless a token was
// presented at upgrade time, in which case the two must agree.
func (r *Router) handleAuth(ctx context.Context, c *Conn, e *protocol.Envelope) {
	if tok := c.TokenUserID(); tok != 0 && tok != e.UserID {
		r.logger.Warn("auth identity mismatch",
			slog.String("conn_id", c.ID()),
			slog.Int64("token_user_id", tok),
			slog.Int64("claimed_user_id", e.UserID),
		)
		r.Disconnect(c, errmap.ToWebSocketClose(domain.ErrIdentityMismatch))
		return
	}

	// Re-authenticating under a different identity releases the old
	// binding first; otherwise the stale entry survives transport close,
	// since unregistration keys off the connection's current user ID.
	if prev := c.UserID(); prev != 0 && prev != e.UserID {
		r.logger.Info("connection switching identity",
			slog.String("conn_id", c.ID()),
			slog.Int64("prev_user_id", prev),
			slog.Int64("user_id", e.UserID),
		)
		r.registry.UnregisterConn(c)
	}

	c.setUserID(e.UserID)
	c.MarkAlive()
	if replaced := r.registry.Register(e.UserID, c); replaced != nil && replaced != c {
		replaced.Close(errmap.CloseReplaced)
	}

	r.logger.Info("connection authenticated",
		slog.String("conn_id", c.ID()),
		slog.Int64("user_id", e.UserID),
	)
	r.push(ctx, c, &protocol.Envelope{
		Type:      protocol.KindAuthSuccess,
		UserID:    e.UserID,
		Timestamp: domain.NowUTCMillis(r.clock),
	})
}

// handleChat persists a chat message and fans it out. The stored content is
// ciphertext; live recipients get the original plaintext. The sender always
// gets a message_delivered receipt once - and only once - persistence
// succeeded, whether or not any recipient is live.
func (r *Router) handleChat(ctx context.Context, c *Conn, e *protocol.Envelope) {
	sender := c.UserID()
	if sender == 0 {
		r.Disconnect(c, errmap.ToWebSocketClose(domain.ErrUnauthorized))
		return
	}

	ctx, span := tracer.Start(ctx, "router.chat_message")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("chat.sender_id", sender),
		attribute.Bool("chat.direct", e.Direct()),
	)

	storeCtx, cancel := context.WithTimeout(ctx, domain.PersistTimeout)
	defer cancel()
	_, err := r.store.StoreMessage(storeCtx, StoreMessageParams{
		SenderID:    sender,
		RecipientID: e.RecipientID,
		ChatGroupID: e.ChatGroupID,
		Content:     r.cipher.Encrypt(e.Content),
		MessageID:   e.MessageID,
	})
	if err != nil {
		// A storage failure must not claim delivery: no receipt goes out.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.WithTraceID(ctx, r.logger).Error("persist chat message failed",
			slog.Int64("sender_id", sender),
			slog.String("message_id", e.MessageID),
			slog.String("error", err.Error()),
		)
		r.pushError(c, e.MessageID, domain.ErrUnavailable)
		return
	}
	messagesRoutedTotal.Add(ctx, 1)

	out := &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   e.MessageID,
		UserID:      sender,
		RecipientID: e.RecipientID,
		ChatGroupID: e.ChatGroupID,
		Content:     e.Content,
		Timestamp:   e.Timestamp,
	}
	if out.Timestamp == 0 {
		out.Timestamp = domain.NowUTCMillis(r.clock)
	}

	if e.Direct() {
		// No live connection means delivery simply does not happen now.
		// There is no server-side mailbox; offline buffering is a
		// sender-side convenience, not a guarantee to the receiver.
		if rc, ok := r.registry.Lookup(e.RecipientID); ok {
			r.push(ctx, rc, out)
			fanoutDeliveriesTotal.Add(ctx, 1)
		}
	} else {
		r.fanOutGroup(ctx, e.ChatGroupID, 0, out)
	}

	r.sendReceipt(ctx, c, e.MessageID)
}

// sendReceipt pushes message_delivered for messageID to the sender. The
// trailing component of the message ID names the sender; when it parses,
// the receipt is routed through the registry so it reaches the sender's
// current connection even if the originating one was replaced mid-flight.
func (r *Router) sendReceipt(ctx context.Context, origin *Conn, messageID string) {
	target := origin
	if senderID, err := protocol.SenderFromMessageID(messageID); err == nil {
		if rc, ok := r.registry.Lookup(senderID); ok {
			target = rc
		}
	}

	r.push(ctx, target, &protocol.Envelope{
		Type:      protocol.KindMessageDelivered,
		MessageID: messageID,
		Timestamp: domain.NowUTCMillis(r.clock),
	})
	deliveryReceiptsTotal.Add(ctx, 1)
}

// handleMarkRead stamps the scope read via persistence, then notifies the
// direct-chat peer (when one was named) that their messages have been read.
func (r *Router) handleMarkRead(ctx context.Context, c *Conn, e *protocol.Envelope) {
	reader := c.UserID()
	if reader == 0 {
		r.Disconnect(c, errmap.ToWebSocketClose(domain.ErrUnauthorized))
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, domain.PersistTimeout)
	defer cancel()
	if err := r.store.MarkRead(storeCtx, reader, e.UserID, e.ChatGroupID); err != nil {
		observability.WithTraceID(ctx, r.logger).Error("mark read failed",
			slog.Int64("reader_id", reader),
			slog.String("error", err.Error()),
		)
		r.pushError(c, "", domain.ErrUnavailable)
		return
	}

	if e.UserID != 0 {
		if sc, ok := r.registry.Lookup(e.UserID); ok {
			r.push(ctx, sc, &protocol.Envelope{
				Type:      protocol.KindMessageRead,
				UserID:    reader,
				Timestamp: domain.NowUTCMillis(r.clock),
			})
		}
	}
}

// handleTyping relays a typing signal unmodified: to the single addressed
// recipient, or to every group member except the originator.
func (r *Router) handleTyping(ctx context.Context, c *Conn, e *protocol.Envelope) {
	sender := c.UserID()
	if sender == 0 {
		return // typing from an unauthenticated connection is noise
	}

	if e.Direct() {
		if rc, ok := r.registry.Lookup(e.RecipientID); ok {
			r.push(ctx, rc, e)
		}
		return
	}
	r.fanOutGroup(ctx, e.ChatGroupID, sender, e)
}

// fanOutGroup pushes e to every live member of the group, skipping excludeID
// when non-zero. Each member is independent: a slow or dead member is
// dropped without affecting delivery to the rest.
func (r *Router) fanOutGroup(ctx context.Context, chatGroupID, excludeID int64, e *protocol.Envelope) {
	ctx, span := tracer.Start(ctx, "router.fanout")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.group_id", chatGroupID))

	memberCtx, cancel := context.WithTimeout(ctx, domain.PersistTimeout)
	defer cancel()
	members, err := r.store.GroupMembers(memberCtx, chatGroupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("resolve group members failed",
			slog.Int64("chat_group_id", chatGroupID),
			slog.String("error", err.Error()),
		)
		return
	}
	span.SetAttributes(attribute.Int("chat.member_count", len(members)))

	for _, memberID := range members {
		if memberID == excludeID {
			continue
		}
		rc, ok := r.registry.Lookup(memberID)
		if !ok {
			continue
		}
		r.push(ctx, rc, e)
		if e.Type == protocol.KindChatMessage {
			fanoutDeliveriesTotal.Add(ctx, 1)
		}
	}
}

// push queues an envelope on c, dropping slow consumers. Push never blocks,
// so one stuck recipient cannot stall the caller.
func (r *Router) push(ctx context.Context, c *Conn, e *protocol.Envelope) {
	err := c.PushEnvelope(e)
	if err == nil {
		return
	}

	framesDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "push")))
	if errors.Is(err, domain.ErrSlowConsumer) {
		r.logger.Warn("dropping slow consumer",
			slog.String("conn_id", c.ID()),
			slog.Int64("user_id", c.UserID()),
		)
		r.Disconnect(c, errmap.ToWebSocketClose(domain.ErrSlowConsumer))
		return
	}
	r.logger.Debug("push to closed connection",
		slog.String("conn_id", c.ID()),
		slog.String("kind", string(e.Type)),
	)
}

// pushError reports a dropped frame back to the offending connection.
func (r *Router) pushError(c *Conn, messageID string, cause error) {
	_ = c.PushEnvelope(&protocol.Envelope{
		Type:      protocol.KindError,
		MessageID: messageID,
		Error:     errmap.ToWebSocketClose(cause).Reason,
		Timestamp: domain.NowUTCMillis(r.clock),
	})
}

// Disconnect tears a connection down and removes its registry entry.
func (r *Router) Disconnect(c *Conn, wc errmap.WebSocketClose) {
	c.Close(wc)
	r.registry.UnregisterConn(c)
}
