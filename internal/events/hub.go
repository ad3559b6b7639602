package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keyward/internal/infrastructure"
)

// Event type constants published on the feed
const (
	TypeConnection = "connection"

	TypeActivated    = "license:activated"
	TypeRebound      = "license:rebound"
	TypeDeactivated  = "license:deactivated"
	TypeTrialIssued  = "trial:issued"
	TypeCodeCreated  = "code:created"
	TypeCodeDisabled = "code:disabled"
	TypeCodeReset    = "code:reset"
)

// Event is a single entry on the admin audit feed.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub maintains the set of connected feed clients and broadcasts audit
// events to them. Publishing never blocks a request: if the feed queue
// is full the event is dropped and counted.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	// shared OTel instruments, optional
	metrics *infrastructure.BusinessMetrics

	totalConnections int64
	eventsPublished  int64
	eventsDropped    int64

	quit        chan struct{}
	running     bool
	metricsQuit chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "events.hub"))

	return &Hub{
		broadcast:   make(chan []byte, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		logger:      logger,
		quit:        make(chan struct{}),
		metricsQuit: make(chan struct{}),
	}
}

// SetMetrics attaches shared OpenTelemetry instruments to the hub.
func (h *Hub) SetMetrics(metrics *infrastructure.BusinessMetrics) {
	h.metrics = metrics
}

// Start launches the dispatch loop and the periodic activity log.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
	go h.reportMetrics()
}

// Run dispatches registrations and broadcasts until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("event hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.totalConnections++
			h.mu.Unlock()

			ctx := context.Background()
			if client.traceID != "" {
				ctx = infrastructure.WithTraceID(ctx, client.traceID)
			}

			h.logger.InfoContext(ctx, "feed client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			if h.metrics != nil {
				h.metrics.WSConnectionsActive.Add(ctx, 1)
			}

			ack := Event{
				Type: TypeConnection,
				Data: map[string]interface{}{
					"status":    "connected",
					"client_id": client.id,
				},
				Timestamp: time.Now().Format(time.RFC3339),
				TraceID:   client.traceID,
			}

			if jsonData, err := json.Marshal(ack); err == nil {
				select {
				case client.send <- jsonData:
				default:
					h.logger.WarnContext(ctx, "failed to send connection ack, client buffer full",
						slog.String("client_id", client.id))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				ctx := context.Background()
				if client.traceID != "" {
					ctx = infrastructure.WithTraceID(ctx, client.traceID)
				}

				h.logger.InfoContext(ctx, "feed client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))

				if h.metrics != nil {
					h.metrics.WSConnectionsActive.Add(ctx, -1)
				}
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			// Copy the client set so the lock is not held during sends
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Client cannot keep up, drop it
					h.mu.Lock()
					close(client.send)
					delete(h.clients, client)
					h.mu.Unlock()

					ctx := context.Background()
					if client.traceID != "" {
						ctx = infrastructure.WithTraceID(ctx, client.traceID)
					}
					h.logger.WarnContext(ctx, "client send buffer full, disconnecting",
						slog.String("client_id", client.id))

					if h.metrics != nil {
						h.metrics.WSConnectionsActive.Add(ctx, -1)
					}
				}
			}
		}
	}
}

// Publish broadcasts an audit event to all connected clients.
func (h *Hub) Publish(eventType string, data interface{}) {
	h.PublishEvent(context.Background(), eventType, data)
}

// PublishEvent broadcasts an audit event, carrying the trace ID from
// the request context onto the feed. Events are dropped, not queued
// indefinitely, when the feed is saturated.
func (h *Hub) PublishEvent(ctx context.Context, eventType string, data interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		TraceID:   infrastructure.GetTraceID(ctx),
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		h.logger.ErrorContext(ctx, "error marshaling event",
			slog.String("error", err.Error()),
			slog.String("event_type", eventType))
		return
	}

	select {
	case h.broadcast <- jsonData:
		h.mu.Lock()
		h.eventsPublished++
		h.mu.Unlock()

		if h.metrics != nil {
			h.metrics.WSEventsPublished.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_type", eventType),
			))
		}
	default:
		h.mu.Lock()
		h.eventsDropped++
		h.mu.Unlock()

		h.logger.WarnContext(ctx, "event feed saturated, dropping event",
			slog.String("event_type", eventType))
	}
}

// ClientCount reports how many feed clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register hands a new client to the dispatch loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Stop ends the dispatch loop and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	close(h.metricsQuit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// reportMetrics logs feed activity every 30 seconds while running.
func (h *Hub) reportMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.metricsQuit:
			return

		case <-ticker.C:
			h.mu.RLock()
			activeClients := len(h.clients)
			published := h.eventsPublished
			dropped := h.eventsDropped
			h.mu.RUnlock()

			h.logger.Info("event hub metrics",
				slog.Int("active_clients", activeClients),
				slog.Int64("total_connections", h.totalConnections),
				slog.Int64("events_published", published),
				slog.Int64("events_dropped", dropped),
				slog.Int("queue_depth", len(h.broadcast)))
		}
	}
}

// GetHubMetrics snapshots the feed counters for the admin stats page.
func (h *Hub) GetHubMetrics() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"events_published":  h.eventsPublished,
		"events_dropped":    h.eventsDropped,
	}
}
