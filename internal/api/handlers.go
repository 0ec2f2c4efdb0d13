// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/anomaly"
	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/auth"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
	"harvestry-telemetry/internal/query"
	"harvestry-telemetry/internal/rules"
	"harvestry-telemetry/internal/websocket"
)

const maxBodyBytes = 4 << 20

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrorLister reads the ingestion error log.
type ErrorLister interface {
	List(ctx context.Context, siteID string, limit int) ([]data.IngestionError, error)
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Pipeline  *ingest.Pipeline
	Streams   *ingest.Registry
	Sessions  *ingest.SessionTracker
	Errors    ErrorLister
	Rules     *rules.Service
	Alerts    *alerting.Manager
	Query     *query.Service
	Anomalies *anomaly.Detector
	Hub       *websocket.Hub
	Auth      *auth.Manager
	Metrics   http.Handler
	Clock     clock.Clock
	Logger    *slog.Logger
}

type APIHandler struct {
	Deps
	log *slog.Logger
}

func NewAPIHandler(d Deps) *APIHandler {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &APIHandler{Deps: d, log: d.Logger.With("component", "api")}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP status codes.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidOperation), errors.Is(err, apperr.ErrDuplicate):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// actor is the authenticated operator, or "api" when the route is not authenticated.
func actor(r *http.Request) string {
	if u, ok := auth.Username(r.Context()); ok {
		return u
	}
	return "api"
}

// HandleDeviceIngest receives one device's payload.
func (h *APIHandler) HandleDeviceIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	defer r.Body.Close()

	res, err := h.Pipeline.IngestDevice(r.Context(), chi.URLParam(r, "equipmentID"), data.ProtocolHTTP, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleBatchIngest receives a site's batch of candidate readings.
func (h *APIHandler) HandleBatchIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	defer r.Body.Close()

	inputs, err := data.ParseBatch(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Pipeline.IngestBatch(r.Context(), chi.URLParam(r, "siteID"), inputs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := h.Auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	token, exp, err := h.Auth.GenerateJWT(req.Username, role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "expires_at": exp.UTC(), "role": role})
}

// HandleWebSocket upgrades connections and registers clients with the hub.
// With ?site= the client is scoped to that site and first receives its active alerts.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	site := r.URL.Query().Get("site")
	client := websocket.NewClient(h.Hub, conn, site)
	h.Hub.RegisterClient(client)
	go client.WritePump()
	go client.ReadPump()

	if site != "" {
		go h.sendInitialData(client, site)
	}
}

// sendInitialData sends the site's active alerts to a newly connected client.
func (h *APIHandler) sendInitialData(client *websocket.Client, siteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	active, err := h.Alerts.ListActive(ctx, siteID)
	if err != nil {
		h.log.Warn("load active alerts for websocket", "site_id", siteID, "err", err)
		return
	}
	now := h.Clock.Now()
	views := make([]alerting.InstanceView, 0, len(active))
	for _, a := range active {
		views = append(views, a.View(now))
	}
	h.Hub.SendTo(client, websocket.Message{Type: "history", SiteID: siteID, Payload: views})
}
