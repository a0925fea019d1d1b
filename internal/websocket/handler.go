package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"licensesvc/internal/infrastructure"
)

// HandlerConfig configures the /ws endpoint.
type HandlerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any; same-host requests and non-browser clients are always allowed.
	AllowedOrigins []string
	Client         ClientConfig
}

// Handler upgrades HTTP requests and attaches the connection to a hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(hub *Hub, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &Handler{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With(slog.String("handler", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewClient(h.hub, conn, infrastructure.GetTraceID(ctx), h.cfg.Client, h.logger)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.WarnContext(r.Context(), "websocket origin rejected", slog.String("origin", origin))
	return false
}
