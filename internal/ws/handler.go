// Package ws streams watchdog events to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/HerbHall/routerwatch/internal/event"
	"github.com/HerbHall/routerwatch/internal/version"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves the live event stream.
type Handler struct {
	hub            *Hub
	originPatterns []string
	unsubscribe    func()
	logger         *zap.Logger
}

// Compile-time check that Handler implements the server route interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler subscribes to every event on bus. originPatterns are passed to
// the upgrader; empty allows same-origin only.
func NewHandler(bus *event.Bus, originPatterns []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		hub:            NewHub(logger),
		originPatterns: originPatterns,
		logger:         logger,
	}
	if bus != nil {
		h.unsubscribe = bus.SubscribeAll(h.forward)
	}
	return h
}

// RegisterRoutes registers the stream endpoint.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	return h.hub.ClientCount()
}

// Close detaches the handler from the bus.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func (h *Handler) forward(_ context.Context, ev watchdog.Event) {
	h.hub.Broadcast(Message{
		Type:      MessageEvent,
		Kind:      ev.Kind.String(),
		Timestamp: ev.Timestamp,
		Data:      EventData{Value: ev.Value},
	})
}

// handleEvents upgrades the connection and streams events, optionally
// filtered by ?kind=wan_fail,router_fail.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, names, err := parseKinds(r.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		kinds:  kinds,
		send:   make(chan Message, sendBuffer),
		logger: h.logger,
	}
	h.hub.Register(client)
	client.send <- Message{
		Type:      MessageHello,
		Timestamp: time.Now().UTC(),
		Data:      HelloData{Version: version.Short(), Kinds: names},
	}

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func parseKinds(raw string) (map[string]struct{}, []string, error) {
	if raw == "" {
		return nil, nil, nil
	}
	kinds := make(map[string]struct{})
	var names []string
	for _, part := range strings.Split(raw, ",") {
		k, err := watchdog.ParseKind(strings.TrimSpace(part))
		if err != nil {
			return nil, nil, err
		}
		if _, dup := kinds[k.String()]; !dup {
			names = append(names, k.String())
		}
		kinds[k.String()] = struct{}{}
	}
	return kinds, names, nil
}
