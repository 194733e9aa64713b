package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/routerwatch/internal/eventlog"
	"github.com/HerbHall/routerwatch/internal/version"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"go.uber.org/zap"
)

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	Running   bool           `json:"running"`
	State     watchdog.State `json:"state"`
	CheckedAt *time.Time     `json:"checked_at,omitempty"`
	TickID    string         `json:"tick_id,omitempty"`
}

// EventsResponse is the response for GET /api/v1/events.
type EventsResponse struct {
	Events []eventlog.Record `json:"events"`
	Count  int               `json:"count"`
}

// DailyResponse is the response for GET /api/v1/stats/daily.
type DailyResponse struct {
	Kind   string                `json:"event_type"`
	Points []eventlog.DailyPoint `json:"points"`
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "routerwatch",
		Version: version.Map(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		Unavailable(w, "watchdog is not configured", r.URL.Path)
		return
	}
	st := s.status.LastStatus()
	resp := StatusResponse{
		Running: s.status.Running(),
		State:   st.State,
		TickID:  st.TickID,
	}
	if !st.CheckedAt.IsZero() {
		at := st.CheckedAt
		resp.CheckedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents lists stored events, newest first.
// Query: kind (optional, one event type), limit (1..1000, default 100).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Unavailable(w, "event history is not configured", r.URL.Path)
		return
	}
	q := r.URL.Query()

	var kind string
	if raw := q.Get("kind"); raw != "" {
		k, err := watchdog.ParseKind(raw)
		if err != nil {
			BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		kind = k.String()
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > eventlog.MaxListLimit {
			BadRequest(w, fmt.Sprintf("limit must be an integer between 1 and %d", eventlog.MaxListLimit), r.URL.Path)
			return
		}
		limit = n
	}

	records, err := s.events.List(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error("list events failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to list events", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: records, Count: len(records)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Unavailable(w, "event history is not configured", r.URL.Path)
		return
	}
	stats, err := s.events.Stats(r.Context())
	if err != nil {
		s.logger.Error("compute stats failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to compute stats", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDaily returns per-day aggregates for router_reboot (count, the
// default) or download_test (average bits per second).
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Unavailable(w, "event history is not configured", r.URL.Path)
		return
	}

	kind := watchdog.KindRouterReboot
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := watchdog.ParseKind(raw)
		if err != nil || (k != watchdog.KindRouterReboot && k != watchdog.KindDownloadTest) {
			BadRequest(w, "kind must be router_reboot or download_test", r.URL.Path)
			return
		}
		kind = k
	}

	points, err := s.events.Daily(r.Context(), kind)
	if err != nil {
		s.logger.Error("daily stats failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to compute daily stats", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, DailyResponse{Kind: kind.String(), Points: points})
}
