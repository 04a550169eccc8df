package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"uwbgateway/probe"
	"uwbgateway/register"
	"uwbgateway/registry"
	"uwbgateway/storage"
)

// ErrorMessage is the body of every non-2xx JSON response.
type ErrorMessage struct {
	Code      string `json:"code"`
	Message   string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type rootResponse struct {
	Service     string `json:"service"`
	GatewayID   string `json:"gatewayId"`
	GatewayName string `json:"gatewayName"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Websocket   string `json:"websocket"`
}

type devicesResponse struct {
	Count     int                   `json:"count"`
	Devices   []registry.PeerRecord `json:"devices"`
	Timestamp string                `json:"timestamp"`
}

type diagnosticsResponse struct {
	DiscoveredDevices  int                                     `json:"discoveredDevices"`
	ConnectedDevices   int                                     `json:"connectedDevices"`
	ErrorDevices       int                                     `json:"errorDevices"`
	OfflineDevices     int                                     `json:"offlineDevices"`
	StaleDevices       int                                     `json:"staleDevices"`
	Subscribers        int                                     `json:"subscribers"`
	ConnectionAttempts map[registry.PeerID]probe.AttemptSummary `json:"connectionAttempts"`
	Timestamp          string                                  `json:"timestamp"`
}

type registerResponse struct {
	Status string              `json:"status"`
	Device registry.PeerRecord `json:"device"`
}

func (h *handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, rootResponse{
		Service:     "UWB Navigator Gateway",
		GatewayID:   h.opts.Info.GatewayID,
		GatewayName: h.opts.Info.GatewayName,
		Version:     h.opts.Info.Version,
		Status:      "online",
		Websocket:   "/ws",
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := h.opts.Registry.SnapshotAll()
	h.writeJSON(w, http.StatusOK, devicesResponse{
		Count:     len(devices),
		Devices:   devices,
		Timestamp: h.now(),
	})
}

func (h *handler) handleAggregated(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.opts.Snapshots.BuildSnapshot())
}

func (h *handler) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	counts := h.opts.Registry.CountByStatus()
	total := 0
	for _, count := range counts {
		total += count
	}

	h.writeJSON(w, http.StatusOK, diagnosticsResponse{
		DiscoveredDevices:  total,
		ConnectedDevices:   counts[registry.StatusConnected],
		ErrorDevices:       counts[registry.StatusError],
		OfflineDevices:     counts[registry.StatusOffline],
		StaleDevices:       counts[registry.StatusStale],
		Subscribers:        h.opts.Hub.Len(),
		ConnectionAttempts: h.opts.Attempts.Summary(),
		Timestamp:          h.now(),
	})
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.opts.History == nil {
		h.writeError(w, http.StatusServiceUnavailable, "history_disabled", "history journal is disabled")
		return
	}

	query := r.URL.Query()
	limit, offset, ok := h.page(w, query.Get("limit"), query.Get("offset"))
	if !ok {
		return
	}
	filter := storage.StatusEventFilter{
		PeerID:   strings.TrimSpace(query.Get("peer")),
		ToStatus: strings.TrimSpace(query.Get("status")),
		Limit:    limit,
		Offset:   offset,
	}
	if filter.ToStatus != "" && !registry.Status(filter.ToStatus).Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(filter.ToStatus))
		return
	}

	events, err := h.opts.History.GetStatusEvents(filter)
	if err != nil {
		h.log.Error("query status events failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "history_failed", "could not read history")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (h *handler) handleAttemptHistory(w http.ResponseWriter, r *http.Request) {
	if h.opts.History == nil {
		h.writeError(w, http.StatusServiceUnavailable, "history_disabled", "history journal is disabled")
		return
	}

	query := r.URL.Query()
	limit, offset, ok := h.page(w, query.Get("limit"), query.Get("offset"))
	if !ok {
		return
	}
	filter := storage.ProbeAttemptFilter{
		PeerID: strings.TrimSpace(query.Get("peer")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := query.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_success", "success must be a boolean")
			return
		}
		filter.Success = &success
	}

	attempts, err := h.opts.History.GetProbeAttempts(filter)
	if err != nil {
		h.log.Error("query probe attempts failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "history_failed", "could not read history")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(attempts),
		"attempts": attempts,
	})
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if h.opts.Registrar == nil {
		h.writeError(w, http.StatusServiceUnavailable, "registration_disabled", "manual registration is disabled")
		return
	}

	query := r.URL.Query()
	addr := strings.TrimSpace(query.Get("ip"))
	port := DefaultRegisterPort
	if raw := query.Get("port"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_endpoint", "port must be an integer")
			return
		}
		port = parsed
	}

	record, err := h.opts.Registrar.Register(r.Context(), addr, port)
	switch {
	case err == nil:
	case errors.Is(err, register.ErrInvalidEndpoint):
		h.writeError(w, http.StatusBadRequest, "invalid_endpoint", err.Error())
		return
	default:
		h.log.Warn("manual registration failed", "addr", addr, "port", port, "error", err)
		h.writeError(w, http.StatusBadGateway, "peer_unreachable", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, registerResponse{Status: "registered", Device: record})
}

func (h *handler) page(w http.ResponseWriter, rawLimit, rawOffset string) (int, int, bool) {
	parse := func(name, raw string) (int, bool) {
		if raw == "" {
			return 0, true
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
			return 0, false
		}
		return value, true
	}

	limit, ok := parse("limit", rawLimit)
	if !ok {
		return 0, 0, false
	}
	offset, ok := parse("offset", rawOffset)
	if !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

func (h *handler) now() string {
	return h.opts.Clock.Now().UTC().Format(time.RFC3339)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("write response failed", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorMessage{
		Code:      code,
		Message:   message,
		Timestamp: h.opts.Clock.Now().UnixMilli(),
	})
}
