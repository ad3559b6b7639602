package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"keyward/internal/events"
)

// EventsHandler upgrades admin connections onto the audit event feed.
// It sits behind the admin key gate, so origin checking only guards
// against browser-driven cross-site upgrades.
type EventsHandler struct {
	hub            *events.Hub
	logger         *slog.Logger
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

// NewEventsHandler creates a new events handler. An empty origin list
// admits only requests without an Origin header (non-browser clients).
func NewEventsHandler(hub *events.Hub, origins []string, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}

	h := &EventsHandler{
		hub:            hub,
		logger:         logger.With(slog.String("handler", "events")),
		allowedOrigins: allowed,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP handles GET /api/admin/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}

	client := events.NewClientWithTrace(h.hub, conn, reqID, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.InfoContext(ctx, "event feed client connected",
		slog.String("request_id", reqID),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("clients", h.hub.ClientCount()))
}

func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Local tools and non-browser clients send no origin.
		return true
	}
	return h.allowedOrigins[origin]
}
