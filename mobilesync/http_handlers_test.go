// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) (*HTTPSyncHandlers, *JWTAuth, *MemChangeSource) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	source := NewMemChangeSource()
	metrics := NewMetrics()
	resolver := NewConflictResolver(ResolverConfig{AuditRetention: time.Hour}, nil, metrics, logger)
	delta := NewDeltaEngine(source, testDeltaConfig(), metrics, logger)
	queue := NewQueueManager(NewMemQueueStore(), source, resolver, testQueueConfig(), metrics, logger)
	orch := NewSyncOrchestrator(delta, queue, source, testOrchestratorConfig(), metrics, logger)

	jwtAuth := NewJWTAuth("handler-test-secret")
	return NewHTTPSyncHandlers(orch, queue, delta, jwtAuth, logger), jwtAuth, source
}

func authedRequest(t *testing.T, jwtAuth *JWTAuth, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHandleEnqueue_QueuesOperation(t *testing.T) {
	handlers, jwtAuth, _ := newTestHandlers(t)

	req := authedRequest(t, jwtAuth, http.MethodPost, "/sync/enqueue", EnqueueRequest{
		Kind:       OpCreate,
		EntityType: EntityTypeSchedule,
		EntityID:   "s1",
		Payload:    map[string]any{"shift": "morning"},
		Priority:   "high",
		Clock:      VectorClock{"device-1": 1},
	})
	rec := httptest.NewRecorder()
	handlers.HandleEnqueue(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EnqueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.OperationID)
	require.Equal(t, 1, resp.QueuedOps)
}

func TestHandleEnqueue_RejectsUnauthenticated(t *testing.T) {
	handlers, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/sync/enqueue", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	handlers.HandleEnqueue(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	require.Equal(t, "authentication_failed", errResp.Error)
}

func TestHandleEnqueue_RejectsWrongMethod(t *testing.T) {
	handlers, jwtAuth, _ := newTestHandlers(t)

	req := authedRequest(t, jwtAuth, http.MethodGet, "/sync/enqueue", nil)
	rec := httptest.NewRecorder()
	handlers.HandleEnqueue(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSyncDevice_FullRound(t *testing.T) {
	handlers, jwtAuth, source := newTestHandlers(t)

	// Queue one operation, then run the round over HTTP
	enqueueReq := authedRequest(t, jwtAuth, http.MethodPost, "/sync/enqueue", EnqueueRequest{
		Kind:       OpCreate,
		EntityType: EntityTypeSchedule,
		EntityID:   "s1",
		Payload:    map[string]any{"shift": "morning"},
		Clock:      VectorClock{"device-1": 1},
	})
	rec := httptest.NewRecorder()
	handlers.HandleEnqueue(rec, enqueueReq)
	require.Equal(t, http.StatusOK, rec.Code)

	syncReq := authedRequest(t, jwtAuth, http.MethodPost, "/sync/device", SyncRequest{
		NetworkKind:  NetworkWifi,
		BatteryLevel: 90,
	})
	rec = httptest.NewRecorder()
	handlers.HandleSyncDevice(rec, syncReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SyncResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.SyncID)
	require.Equal(t, 1, resp.QueueResult.Synced)
	require.Len(t, resp.DeltaPayload.Changes, 1)

	// Identity comes from the token, not the request body
	row, err := source.Get(context.Background(), "user-1", EntityTypeSchedule, "s1")
	require.NoError(t, err)
	require.Equal(t, "morning", row.Payload["shift"])
}

func TestHandleQueueStatus_ReportsBacklog(t *testing.T) {
	handlers, jwtAuth, _ := newTestHandlers(t)

	enqueueReq := authedRequest(t, jwtAuth, http.MethodPost, "/sync/enqueue", EnqueueRequest{
		Kind:       OpCreate,
		EntityType: EntityTypeRequest,
		EntityID:   "r1",
		Payload:    map[string]any{"reason": "vacation"},
		Priority:   "critical",
	})
	rec := httptest.NewRecorder()
	handlers.HandleEnqueue(rec, enqueueReq)
	require.Equal(t, http.StatusOK, rec.Code)

	statusReq := authedRequest(t, jwtAuth, http.MethodGet, "/sync/queue/status", nil)
	rec = httptest.NewRecorder()
	handlers.HandleQueueStatus(rec, statusReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var status QueueStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, 1, status.TotalOperations)
	require.Equal(t, 1, status.ByPriority["critical"])
}

func TestHandleRecommendation_ValidatesBatteryParam(t *testing.T) {
	handlers, jwtAuth, _ := newTestHandlers(t)

	req := authedRequest(t, jwtAuth, http.MethodGet, "/sync/recommendation?battery=banana", nil)
	rec := httptest.NewRecorder()
	handlers.HandleRecommendation(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = authedRequest(t, jwtAuth, http.MethodGet, "/sync/recommendation?network=wifi&battery=80", nil)
	rec = httptest.NewRecorder()
	handlers.HandleRecommendation(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var recommendation SyncRecommendation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&recommendation))
	require.True(t, recommendation.ShouldSyncNow) // never synced before
}

func TestHandleDeltaBody_ServesChecksummedBytes(t *testing.T) {
	handlers, jwtAuth, source := newTestHandlers(t)
	seedEntity(t, source, "user-1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	req := authedRequest(t, jwtAuth, http.MethodGet, "/sync/delta/body", nil)
	rec := httptest.NewRecorder()
	handlers.HandleDeltaBody(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Sync-Checksum"))

	compressed := rec.Header().Get("X-Sync-Compressed") == "true"
	payload, err := UnmarshalDeltaBody(rec.Body.Bytes(), compressed)
	require.NoError(t, err)
	require.Equal(t, rec.Header().Get("X-Sync-Checksum"), payload.Checksum)
	require.Len(t, payload.Changes, 1)
}

func TestHandleHealth_ReturnsSnapshot(t *testing.T) {
	handlers, jwtAuth, _ := newTestHandlers(t)

	req := authedRequest(t, jwtAuth, http.MethodGet, "/sync/health", nil)
	rec := httptest.NewRecorder()
	handlers.HandleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.True(t, health.StoreConnected)
}
