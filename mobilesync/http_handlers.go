// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the mobile sync API
type HTTPSyncHandlers struct {
	orchestrator  *SyncOrchestrator
	queue         *QueueManager
	delta         *DeltaEngine
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(orchestrator *SyncOrchestrator, queue *QueueManager, delta *DeltaEngine, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		orchestrator:  orchestrator,
		queue:         queue,
		delta:         delta,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches the sync API to a mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/enqueue", h.HandleEnqueue)
	mux.HandleFunc("/sync/device", h.HandleSyncDevice)
	mux.HandleFunc("/sync/recommendation", h.HandleRecommendation)
	mux.HandleFunc("/sync/queue/status", h.HandleQueueStatus)
	mux.HandleFunc("/sync/delta/body", h.HandleDeltaBody)
	mux.HandleFunc("/sync/health", h.HandleHealth)
}

// HandleEnqueue records one offline operation for later replay
func (h *HTTPSyncHandlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse enqueue request")
		return
	}

	op := &OfflineOperation{
		UserID:      userID,
		DeviceID:    deviceID,
		Kind:        req.Kind,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		Priority:    ParsePriority(req.Priority),
		Strategy:    ParseStrategy(req.Strategy),
		BaseVersion: req.BaseVersion,
		BasePayload: req.BasePayload,
		Clock:       req.Clock,
	}

	opID, err := h.queue.Enqueue(r.Context(), op)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			h.writeError(w, http.StatusInsufficientStorage, "queue_full", err.Error())
			return
		}
		h.logger.Error("Failed to enqueue operation", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusBadRequest, "enqueue_failed", err.Error())
		return
	}

	status, err := h.queue.Status(userID, deviceID)
	queued := 0
	if err == nil {
		queued = status.TotalOperations
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(EnqueueResponse{OperationID: opID, QueuedOps: queued}); err != nil {
		h.logger.Error("Failed to encode enqueue response", "error", err, "device_id", deviceID)
	}
}

// HandleSyncDevice runs one full sync round (upload then download)
func (h *HTTPSyncHandlers) HandleSyncDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}
	req.UserID = userID
	req.DeviceID = deviceID
	if req.NetworkKind == "" {
		req.NetworkKind = NetworkWifi
	}
	if req.BatteryLevel <= 0 {
		req.BatteryLevel = 100
	}

	resp, err := h.orchestrator.SyncDevice(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process sync round", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync round")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode sync response", "error", err, "device_id", deviceID)
	}
}

// HandleRecommendation answers whether the device should sync now
func (h *HTTPSyncHandlers) HandleRecommendation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	req := &SyncRequest{
		UserID:      userID,
		DeviceID:    deviceID,
		NetworkKind: r.URL.Query().Get("network"),
	}
	if req.NetworkKind == "" {
		req.NetworkKind = NetworkWifi
	}
	req.BatteryLevel = 100
	if bs := r.URL.Query().Get("battery"); bs != "" {
		v, err := strconv.Atoi(bs)
		if err != nil || v < 0 || v > 100 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "battery must be an integer between 0 and 100")
			return
		}
		req.BatteryLevel = v
	}

	rec, err := h.orchestrator.GetSyncRecommendation(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to compute recommendation", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "recommendation_failed", "Failed to compute recommendation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// HandleQueueStatus reports the device's offline backlog
func (h *HTTPSyncHandlers) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	status, err := h.queue.Status(userID, deviceID)
	if err != nil {
		h.logger.Error("Failed to read queue status", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to read queue status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// HandleDeltaBody streams the compressed delta body for bandwidth-sensitive
// clients. The structured JSON endpoint stays the default; this one serves
// the snappy-framed canonical bytes with checksum headers.
func (h *HTTPSyncHandlers) HandleDeltaBody(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	since := int64(0)
	if ss := r.URL.Query().Get("since"); ss != "" {
		v, err := strconv.ParseInt(ss, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative unix timestamp")
			return
		}
		since = v
	}

	var sinceTime time.Time
	if since > 0 {
		sinceTime = time.Unix(since, 0)
	}

	delta, _, err := h.delta.ComputeDelta(r.Context(), userID, deviceID, sinceTime, nil)
	if err != nil {
		h.logger.Error("Failed to compute delta body", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "delta_failed", "Failed to compute delta")
		return
	}

	body, err := MarshalDeltaBody(delta)
	if err != nil {
		h.logger.Error("Failed to encode delta body", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "delta_failed", "Failed to encode delta")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Sync-Checksum", delta.Checksum)
	w.Header().Set("X-Sync-Compressed", strconv.FormatBool(delta.Compressed))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := w.Write(body); err != nil {
		h.logger.Error("Failed to write delta body", "error", err, "device_id", deviceID)
	}
}

// HandleHealth returns the subsystem health and metrics snapshot
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	health := h.orchestrator.Health(r.Context())
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
