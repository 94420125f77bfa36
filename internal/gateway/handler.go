package gateway

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
)

// TokenVerifier validates an upgrade-time access token and returns the
// user identity it carries.
type TokenVerifier interface {
	VerifyUpgradeToken(token string) (int64, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the application's session layer; origin
	// enforcement happens there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandlerConfig holds the dependencies for a Handler.
type HandlerConfig struct {
	Registry *Registry
	Router   *Router
	Verifier TokenVerifier // nil disables upgrade-time token checks
	Logger   *slog.Logger
}

// Handler upgrades HTTP requests to websocket connections and runs the
// per-connection read loop. Each accepted connection gets its own handler
// goroutine (this one) plus a write pump; the two never share the socket
// for the same direction.
type Handler struct {
	registry *Registry
	router   *Router
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewHandler creates a websocket Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		registry: cfg.Registry,
		router:   cfg.Router,
		verifier: cfg.Verifier,
		logger:   cfg.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tokenUserID int64
	if h.verifier != nil {
		userID, err := h.verifier.VerifyUpgradeToken(r.URL.Query().Get("token"))
		if err != nil {
			h.logger.Warn("rejecting upgrade", slog.String("error", err.Error()))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tokenUserID = userID
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}
	sock.SetReadLimit(domain.MaxMessageSize + 1)

	c := NewConn(uuid.NewString(), sock, tokenUserID, h.logger)
	go c.WritePump()

	h.logger.Debug("connection accepted", slog.String("conn_id", c.ID()))
	h.readLoop(r, c, sock)

	// Read side is done: tear down and drop the registry entry. A normal
	// peer close still goes through Close so the write pump exits.
	c.Close(errmap.WebSocketClose{Code: errmap.CloseGoingAway, Reason: "peer_gone"})
	h.registry.UnregisterConn(c)
	h.logger.Debug("connection closed",
		slog.String("conn_id", c.ID()),
		slog.Int64("user_id", c.UserID()),
	)
}

// readLoop pumps inbound frames into the router until the peer goes away.
func (h *Handler) readLoop(r *http.Request, c *Conn, sock *websocket.Conn) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Debug("read error",
					slog.String("conn_id", c.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.router.HandleFrame(r.Context(), c, data)
		if c.Closed() {
			return
		}
	}
}
