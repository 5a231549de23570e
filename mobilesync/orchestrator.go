// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// SyncOrchestrator runs complete device sync rounds: queued uploads first so
// the device's own writes participate in conflict detection, then the delta
// download. Concurrency is bounded across devices and serialized per device.
type SyncOrchestrator struct {
	delta   *DeltaEngine
	queue   *QueueManager
	source  ChangeSource
	config  OrchestratorConfig
	logger  *slog.Logger
	metrics *Metrics

	// sem bounds device rounds in flight; deviceMu serializes rounds for
	// the same (user, device) pair.
	sem      *semaphore.Weighted
	deviceMu sync.Map // "user:device" -> *sync.Mutex

	closed atomic.Bool

	now func() time.Time
}

// NewSyncOrchestrator creates a sync orchestrator.
func NewSyncOrchestrator(delta *DeltaEngine, queue *QueueManager, source ChangeSource, config OrchestratorConfig, metrics *Metrics, logger *slog.Logger) *SyncOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &SyncOrchestrator{
		delta:   delta,
		queue:   queue,
		source:  source,
		config:  config,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(config.MaxConcurrentDevices),
		now:     time.Now,
	}
}

// SyncDevice executes one sync round for a device. Offline requests report
// the backlog without touching the network path. The round is bounded by
// the configured timeout; work completed before the deadline is kept.
func (o *SyncOrchestrator) SyncDevice(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if o.closed.Load() {
		return nil, ErrSyncClosed
	}

	start := o.now()
	resp := &SyncResponse{SyncID: uuid.NewString()}

	if req.NetworkKind == NetworkOffline || req.SyncMode == SyncModeOfflineOnly {
		status, err := o.queue.Status(req.UserID, req.DeviceID)
		if err != nil {
			return nil, err
		}
		resp.Success = true
		resp.DurationMs = o.now().Sub(start).Milliseconds()
		resp.NextSyncRecommendedMins = int(o.config.MinSyncInterval.Minutes())
		resp.Message = fmt.Sprintf("offline: %d operations queued locally", status.TotalOperations)
		return resp, nil
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sync admission: %w", err)
	}
	defer o.sem.Release(1)

	mu := o.lockFor(req.UserID, req.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	roundCtx, cancel := context.WithTimeout(ctx, o.config.RoundTimeout)
	defer cancel()

	o.logger.Info("Starting sync round",
		"sync_id", resp.SyncID, "user_id", req.UserID, "device_id", req.DeviceID,
		"network", req.NetworkKind, "battery", req.BatteryLevel, "mode", req.SyncMode)

	// Upload phase. Queued operations must land before the delta is
	// computed so their outcomes are included in the download.
	queueResult, err := o.queue.Sync(roundCtx, req.UserID, req.DeviceID, req.NetworkKind, req.BatteryLevel, req.MaxOps)
	if err != nil {
		o.metrics.RecordRound(o.now().Sub(start).Milliseconds(), true)
		return nil, fmt.Errorf("upload phase: %w", err)
	}
	resp.QueueResult = queueResult
	resp.ConflictsResolved = queueResult.Conflicted
	resp.BytesTransferred += queueResult.BytesTransferred

	// Download phase.
	since := time.Time{}
	if req.LastSyncUnix > 0 && req.SyncMode != SyncModeFull {
		since = time.Unix(req.LastSyncUnix, 0)
	}
	delta, cacheHit, err := o.delta.ComputeDelta(roundCtx, req.UserID, req.DeviceID, since, req.EntityTypes)
	if err != nil {
		o.metrics.RecordRound(o.now().Sub(start).Milliseconds(), true)
		return nil, fmt.Errorf("download phase: %w", err)
	}
	delta.SyncID = resp.SyncID
	resp.DeltaPayload = delta
	resp.CacheHit = cacheHit
	resp.BytesTransferred += int64(delta.CompressedSize)

	resp.Success = true
	resp.DurationMs = o.now().Sub(start).Milliseconds()
	resp.NextSyncRecommendedMins = o.nextInterval(req, queueResult, delta)
	o.metrics.RecordRound(resp.DurationMs, false)

	o.logger.Info("Sync round complete",
		"sync_id", resp.SyncID, "user_id", req.UserID, "device_id", req.DeviceID,
		"synced", queueResult.Synced, "conflicted", queueResult.Conflicted,
		"changes", len(delta.Changes), "bytes", resp.BytesTransferred,
		"duration_ms", resp.DurationMs, "cache_hit", cacheHit)

	return resp, nil
}

func (o *SyncOrchestrator) lockFor(userID, deviceID string) *sync.Mutex {
	v, _ := o.deviceMu.LoadOrStore(userID+":"+deviceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// nextInterval recommends the delay before the device's next round. Base
// interval follows network and battery tiers; conflicts halve it so the
// device reconciles quickly, large payloads double it to spread load.
func (o *SyncOrchestrator) nextInterval(req *SyncRequest, queueResult *QueueSyncResult, delta *DeltaPayload) int {
	var base time.Duration
	switch {
	case req.BatteryLevel < 20:
		base = 2 * time.Hour
	case req.NetworkKind == NetworkWifi:
		base = 5 * time.Minute
	case req.NetworkKind == NetworkCellular:
		base = 15 * time.Minute
	default:
		base = 30 * time.Minute
	}

	if queueResult != nil && queueResult.Conflicted > 0 {
		base /= 2
	}
	if delta != nil && delta.CompressedSize > o.config.LargePayloadBytes {
		base *= 2
	}

	if base < o.config.MinSyncInterval {
		base = o.config.MinSyncInterval
	}
	if base > o.config.MaxSyncInterval {
		base = o.config.MaxSyncInterval
	}
	return int(base.Minutes())
}

// GetSyncRecommendation answers "should this device sync now" from its
// backlog, sync history and reported conditions.
func (o *SyncOrchestrator) GetSyncRecommendation(ctx context.Context, req *SyncRequest) (*SyncRecommendation, error) {
	rec := &SyncRecommendation{MaxOperations: o.queue.config.BatchSize}

	status, err := o.queue.Status(req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	if req.NetworkKind == NetworkOffline {
		rec.NextSyncMinutes = int(o.config.MinSyncInterval.Minutes())
		rec.Reasons = append(rec.Reasons, "device is offline")
		return rec, nil
	}

	critical := status.ByPriority[PriorityCritical.String()]
	if critical > 0 {
		rec.ShouldSyncNow = true
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("%d critical operations pending", critical))
	}
	if status.TotalOperations >= o.queue.config.BatchSize {
		rec.ShouldSyncNow = true
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("backlog at %d operations", status.TotalOperations))
	}
	if status.OldestAgeHours >= o.queue.config.EvictionAge.Hours() {
		rec.ShouldSyncNow = true
		rec.Reasons = append(rec.Reasons, "queued operations nearing eviction age")
	}

	state, err := o.source.GetSyncState(ctx, req.UserID, req.DeviceID)
	switch {
	case err == nil:
		if o.now().Sub(state.LastSyncAt) >= o.delta.config.StalenessThreshold {
			rec.ShouldSyncNow = true
			rec.Reasons = append(rec.Reasons, "device state is stale, full sync required")
		}
	case errors.Is(err, ErrEntityNotFound):
		rec.ShouldSyncNow = true
		rec.Reasons = append(rec.Reasons, "device has never synced")
	default:
		return nil, err
	}

	if req.BatteryLevel < o.queue.config.MinBatteryLevel && rec.ShouldSyncNow && critical == 0 {
		// Below the battery floor only critical work justifies a round.
		rec.ShouldSyncNow = false
		rec.Reasons = append(rec.Reasons, "deferred: battery below sync floor")
	}

	rec.NextSyncMinutes = o.nextInterval(req, nil, nil)
	if !rec.ShouldSyncNow && len(rec.Reasons) == 0 {
		rec.Reasons = append(rec.Reasons, "no pending work")
	}
	return rec, nil
}

// Health reports subsystem health with the metrics snapshot folded in.
func (o *SyncOrchestrator) Health(ctx context.Context) *HealthStatus {
	snap := o.metrics.Snapshot()
	h := &HealthStatus{
		Status:             "healthy",
		QueueReady:         o.queue != nil,
		ResolverReady:      o.queue != nil && o.queue.resolver != nil,
		SyncRounds:         snap.SyncRounds,
		SuccessRate:        snap.SuccessRate,
		AvgSyncTimeMs:      snap.AvgSyncTimeMs,
		CacheHitRate:       snap.CacheHitRate,
		BytesTransferred:   snap.BytesUploaded + snap.BytesDownloaded,
		DataReductionRatio: snap.DataReductionRatio,
		ConflictsResolved:  snap.ConflictsResolved,
		ConflictsManual:    snap.ConflictsManual,
	}

	if err := o.source.Ping(ctx); err != nil {
		h.StoreConnected = false
		h.Status = "unhealthy"
		o.logger.Warn("Health check: change source unreachable", "error", err)
	} else {
		h.StoreConnected = true
	}
	h.CacheConnected = h.StoreConnected

	if pending, err := o.queue.PendingTotal(); err != nil {
		o.logger.Warn("Health check: queue depth unavailable", "error", err)
	} else {
		h.PendingOperations = pending
	}

	if h.Status == "healthy" && snap.SyncRounds >= 10 && snap.SuccessRate < 0.5 {
		h.Status = "degraded"
	}
	return h
}

// Close stops accepting new sync rounds. In-flight rounds finish; later
// SyncDevice calls fail with ErrSyncClosed.
func (o *SyncOrchestrator) Close() {
	o.closed.Store(true)
}

// RunMaintenance loops the periodic cleanups until the context is cancelled:
// expired queue operations, aged resolution audit records and idle device
// sync state.
func (o *SyncOrchestrator) RunMaintenance(ctx context.Context, interval time.Duration) {
	for {
		if err := sleepWithContext(ctx, interval); err != nil {
			return
		}
		if n, err := o.queue.SweepExpired(); err != nil {
			o.logger.Warn("Queue sweep failed", "error", err)
		} else if n > 0 {
			o.logger.Info("Swept expired queue operations", "swept", n)
		}
		if audit := o.auditStore(); audit != nil {
			if n, err := audit.Sweep(); err != nil {
				o.logger.Warn("Audit sweep failed", "error", err)
			} else if n > 0 {
				o.logger.Info("Swept aged audit records", "swept", n)
			}
		}
		o.ExpireIdleState(ctx)
	}
}

func (o *SyncOrchestrator) auditStore() *AuditStore {
	if o.queue == nil || o.queue.resolver == nil {
		return nil
	}
	return o.queue.resolver.audit
}

// ExpireIdleState runs the periodic sync-state cleanup for stores that
// support it.
func (o *SyncOrchestrator) ExpireIdleState(ctx context.Context) {
	type expirer interface {
		ExpireSyncState(ctx context.Context, ttl time.Duration) (int64, error)
	}
	exp, ok := o.source.(expirer)
	if !ok {
		return
	}
	n, err := exp.ExpireSyncState(ctx, o.config.SyncStateIdleTTL)
	if err != nil {
		o.logger.Warn("Sync-state expiry failed", "error", err)
		return
	}
	if n > 0 {
		o.logger.Info("Expired idle sync state", "expired", n)
	}
}
