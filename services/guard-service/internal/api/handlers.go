package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"praxisguard-backend/services/guard-service/internal/forward"
	"praxisguard-backend/services/guard-service/internal/ingest"
	"praxisguard-backend/services/guard-service/internal/metrics"
	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/pdm"
	"praxisguard-backend/services/guard-service/internal/storage"
)

const (
	defaultReadingsLimit = 20
	serviceBanner        = "PraxisGuard guard-service is online"
	dispatchAck          = "Agents Dispatched!"
	errNoSensorData      = "no_sensor_data"
)

type Handler struct {
	Store            storage.Backend
	Ingest           *ingest.Service
	Dispatcher       *orchestrator.Dispatcher
	Tuner            *pdm.Tuner
	Forwarder        *forward.Forwarder
	Metrics          *metrics.Metrics
	DefaultMachineID string
	Window           int
	Timeout          time.Duration
	Logger           *slog.Logger
}

type readingRequest struct {
	MachineID   string     `json:"machine_id"`
	Vibration   *float64   `json:"vibration"`
	Temperature *float64   `json:"temperature"`
	Timestamp   *time.Time `json:"timestamp"`
}

type machineRequest struct {
	MachineID string `json:"machine_id"`
}

type readingsResponse struct {
	MachineID string            `json:"machine_id"`
	Readings  []storage.Reading `json:"readings"`
}

type dispatchResponse struct {
	Status     string `json:"status"`
	DispatchID string `json:"dispatch_id"`
	MachineID  string `json:"machine_id"`
}

type forwardResponse struct {
	Status string `json:"status"`
	forward.Result
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Get("/healthz", h.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}
	r.Route("/api", func(r chi.Router) {
		r.Post("/readings", h.handleReadingCreate)
		r.Get("/readings", h.handleReadingsList)
		r.Get("/compute_pof", h.handleComputePoF)
		r.Post("/run_agent", h.handleRunAgent)
		r.Get("/dispatches/{id}", h.handleDispatchGet)
		r.Get("/audit/latest", h.handleAuditLatest)
		r.Post("/forward_to_webhook", h.handleForward)
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": serviceBanner})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadingCreate(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Vibration == nil || req.Temperature == nil {
		writeError(w, http.StatusBadRequest, "vibration and temperature are required")
		return
	}
	reading := storage.Reading{
		MachineID:   req.MachineID,
		Vibration:   *req.Vibration,
		Temperature: *req.Temperature,
	}
	if req.Timestamp != nil {
		reading.Timestamp = *req.Timestamp
	}
	ctx, cancel := h.context(r)
	defer cancel()
	res, err := h.Ingest.Append(ctx, ingest.SourceHTTP, reading)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidReading) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger().Error("append reading failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleReadingsList(w http.ResponseWriter, r *http.Request) {
	machineID := strings.TrimSpace(r.URL.Query().Get("machine_id"))
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	limit, err := queryInt(r, "limit", defaultReadingsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	readings, err := h.Store.RecentReadings(ctx, machineID, limit)
	if err != nil {
		h.logger().Error("list readings failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []storage.Reading{}
	}
	writeJSON(w, http.StatusOK, readingsResponse{MachineID: machineID, Readings: readings})
}

func (h *Handler) handleComputePoF(w http.ResponseWriter, r *http.Request) {
	machineID := strings.TrimSpace(r.URL.Query().Get("machine_id"))
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	window, err := queryInt(r, "window", h.window())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be positive")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	readings, err := h.Store.RecentReadings(ctx, machineID, window)
	if err != nil {
		h.logger().Error("compute pof failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read readings")
		return
	}
	writeJSON(w, http.StatusOK, pdm.EstimateWindow(machineID, readings, h.thresholds()))
}

func (h *Handler) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	machineID, ok := h.machineFromBody(w, r)
	if !ok {
		return
	}
	handle, err := h.Dispatcher.Dispatch(machineID)
	if err != nil {
		reason := orchestrator.RejectReason(err)
		status := http.StatusInternalServerError
		if reason != "error" {
			status = http.StatusServiceUnavailable
		}
		if h.Metrics != nil {
			h.Metrics.DispatchRejected(reason)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResponse{
		Status:     dispatchAck,
		DispatchID: handle.ID,
		MachineID:  machineID,
	})
}

func (h *Handler) handleDispatchGet(w http.ResponseWriter, r *http.Request) {
	handle, err := h.Dispatcher.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, handle.Status())
}

func (h *Handler) handleAuditLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	entry, err := h.Store.LatestAuditEntry(ctx, strings.TrimSpace(r.URL.Query().Get("machine_id")))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no audit entries")
			return
		}
		h.logger().Error("latest audit entry failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	if !h.Forwarder.Configured() {
		writeError(w, http.StatusServiceUnavailable, forward.ErrNotConfigured.Error())
		return
	}
	machineID, ok := h.machineFromBody(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	latest, err := h.Store.RecentReadings(ctx, machineID, 1)
	if err != nil {
		h.logger().Error("read latest reading failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read readings")
		return
	}
	if len(latest) == 0 {
		writeError(w, http.StatusNotFound, errNoSensorData)
		return
	}
	res, err := h.Forwarder.Forward(ctx, latest[0])
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.ForwardFailed()
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, forwardResponse{Status: "forwarded", Result: res})
}

func (h *Handler) machineFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req machineRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	machineID := strings.TrimSpace(req.MachineID)
	if machineID == "" {
		machineID = h.DefaultMachineID
	}
	return machineID, true
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handler) window() int {
	if h.Window <= 0 {
		return pdm.DefaultWindow
	}
	return h.Window
}

func (h *Handler) thresholds() pdm.Thresholds {
	if h.Tuner == nil {
		return pdm.DefaultThresholds()
	}
	return h.Tuner.Thresholds()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
