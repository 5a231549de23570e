// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// QueueManager persists operations a device produced while disconnected and
// replays them against the change source with conflict checks. Together with
// the resolver it is the only writer of entity data.
type QueueManager struct {
	store    QueueStore
	source   ChangeSource
	resolver *ConflictResolver
	config   QueueConfig
	logger   *slog.Logger
	metrics  *Metrics

	now func() time.Time
}

// NewQueueManager creates an offline queue manager.
func NewQueueManager(store QueueStore, source ChangeSource, resolver *ConflictResolver, config QueueConfig, metrics *Metrics, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &QueueManager{
		store:    store,
		source:   source,
		resolver: resolver,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Enqueue records one offline operation. The caller fills identity, kind,
// entity coordinates, payload, priority and strategy; the manager assigns
// the operation id, checksum, size and timestamps. When the queue is at
// capacity, old LOW-priority operations are evicted first; if that cannot
// free enough room the enqueue fails with ErrCapacityExceeded.
func (q *QueueManager) Enqueue(ctx context.Context, op *OfflineOperation) (string, error) {
	if op.UserID == "" || op.DeviceID == "" {
		return "", fmt.Errorf("enqueue: user and device are required")
	}
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return "", fmt.Errorf("enqueue: unknown operation kind %q", op.Kind)
	}
	if op.EntityType == "" || op.EntityID == "" {
		return "", fmt.Errorf("enqueue: entity type and id are required")
	}

	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: encode payload: %w", err)
	}

	op.OperationID = uuid.NewString()
	op.CreatedAt = q.now()
	op.SizeBytes = int64(len(payloadJSON))
	op.Checksum = checksumBytes(payloadJSON)

	if err := q.ensureCapacity(op); err != nil {
		return "", err
	}
	if err := q.store.Append(op); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug("Enqueued offline operation",
		"operation_id", op.OperationID, "user_id", op.UserID, "device_id", op.DeviceID,
		"kind", op.Kind, "entity", op.EntityType+":"+op.EntityID, "priority", op.Priority.String())

	return op.OperationID, nil
}

func (q *QueueManager) ensureCapacity(op *OfflineOperation) error {
	count, bytes, _, err := q.store.Stats(op.UserID, op.DeviceID)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if count+1 <= q.config.MaxOperations && bytes+op.SizeBytes <= q.config.MaxBytes {
		return nil
	}

	// Eviction never touches CRITICAL or HIGH operations.
	cutoff := q.now().Add(-q.config.EvictionAge)
	freedOps, freedBytes, err := q.store.EvictBefore(op.UserID, op.DeviceID, PriorityLow, cutoff)
	if err != nil {
		return fmt.Errorf("evict for capacity: %w", err)
	}
	if freedOps > 0 {
		q.logger.Info("Evicted stale low-priority operations",
			"user_id", op.UserID, "device_id", op.DeviceID, "evicted", freedOps, "freed_bytes", freedBytes)
	}

	count, bytes, _, err = q.store.Stats(op.UserID, op.DeviceID)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if count+1 > q.config.MaxOperations || bytes+op.SizeBytes > q.config.MaxBytes {
		return fmt.Errorf("%w: %d operations, %d bytes queued", ErrCapacityExceeded, count, bytes)
	}
	return nil
}

// Sync replays queued operations for one device. Candidate selection is a
// policy over network kind and battery level; each selected operation is
// applied with a version-based conflict check and per-operation isolation
// (one failure never aborts the batch).
func (q *QueueManager) Sync(ctx context.Context, userID, deviceID, networkKind string, batteryLevel, maxOps int) (*QueueSyncResult, error) {
	start := q.now()
	result := &QueueSyncResult{}

	ops, err := q.store.List(userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("queue sync: %w", err)
	}
	candidates := q.selectCandidates(ops, networkKind, batteryLevel, maxOps)
	result.Skipped = len(ops) - len(candidates)

	for _, op := range candidates {
		if err := ctx.Err(); err != nil {
			// Deadline hit: applied operations stay applied, the rest stay
			// queued for the next round.
			q.logger.Info("Queue sync interrupted", "user_id", userID, "device_id", deviceID,
				"processed", len(result.Statuses), "remaining", len(candidates)-len(result.Statuses))
			break
		}
		status := q.processOperation(ctx, op)
		result.Statuses = append(result.Statuses, status)
		switch status.Status {
		case StSynced:
			result.Synced++
			result.BytesTransferred += op.SizeBytes
		case StConflict:
			result.Conflicted++
			if status.Resolution != nil && status.Resolution.Apply {
				result.BytesTransferred += op.SizeBytes
			}
		case StPending:
			result.Conflicted++
		case StFailed:
			result.Failed++
		}
	}

	duration := q.now().Sub(start)
	result.DurationMs = duration.Milliseconds()
	result.EstimatedBatteryCost = estimateBatteryCost(len(candidates), result.BytesTransferred, duration)
	q.metrics.RecordUpload(result.BytesTransferred, result.Synced, result.Failed)

	return result, nil
}

// selectCandidates applies the battery/network policy and per-operation
// backoff, returning operations in (priority, age) order capped at the
// batch size.
func (q *QueueManager) selectCandidates(ops []*OfflineOperation, networkKind string, batteryLevel, maxOps int) []*OfflineOperation {
	var totalBytes int64
	for _, op := range ops {
		totalBytes += op.SizeBytes
	}
	smallBacklog := totalBytes < q.config.MeteredBytesThreshold

	limit := q.config.BatchSize
	if maxOps > 0 && maxOps < limit {
		limit = maxOps
	}

	now := q.now()
	var selected []*OfflineOperation
	for _, op := range ops {
		if len(selected) >= limit {
			break
		}
		if op.RetryCount > q.config.MaxRetries {
			// Out of retries; parked until the TTL sweep reclaims it.
			continue
		}
		if op.RetryCount > 0 && now.Before(op.LastRetryAt.Add(backoffDelay(op.RetryCount))) {
			continue // backoff not elapsed
		}
		switch {
		case batteryLevel < q.config.MinBatteryLevel:
			if op.Priority != PriorityCritical {
				continue
			}
		case networkKind != NetworkWifi:
			if op.Priority > PriorityHigh && !smallBacklog {
				continue
			}
		}
		selected = append(selected, op)
	}
	return selected
}

// processOperation applies one operation under the entity lock so version
// comparisons stay race-free across concurrent device rounds.
func (q *QueueManager) processOperation(ctx context.Context, op *OfflineOperation) OperationStatus {
	status := OperationStatus{
		OperationID: op.OperationID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
	}

	if op.Checksum != "" && !q.verifyChecksum(op) {
		// A corrupt payload can never apply cleanly. Park it out of the
		// candidate set; the TTL sweep reclaims it.
		status.Status = StFailed
		status.Message = fmt.Sprintf("%v: stored payload does not match its checksum", ErrCorruptPayload)
		op.RetryCount = q.config.MaxRetries + 1
		op.LastRetryAt = q.now()
		if err := q.store.Update(op); err != nil {
			q.logger.Warn("Failed to park corrupt operation", "error", err, "operation_id", op.OperationID)
		}
		q.logger.Error("Offline operation failed checksum verification",
			"operation_id", op.OperationID, "entity", op.EntityType+":"+op.EntityID)
		return status
	}

	err := q.source.WithEntityLock(ctx, op.EntityType, op.EntityID, func(ctx context.Context) error {
		current, err := q.source.Get(ctx, op.UserID, op.EntityType, op.EntityID)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return err
		}

		conflicted := false
		if current != nil {
			switch op.Kind {
			case OpCreate:
				conflicted = true
			default:
				conflicted = current.Version != op.BaseVersion
			}
		} else if op.Kind != OpCreate {
			// The row is gone; an update/delete against nothing is a
			// delete-update conflict against the tombstoned state.
			conflicted = op.Kind == OpUpdate
			if op.Kind == OpDelete {
				// Deleting an already-deleted entity is idempotent.
				status.Status = StSynced
				return nil
			}
		}

		if !conflicted {
			newVersion, err := q.source.ApplyChange(ctx, op, op.BaseVersion)
			if err != nil {
				if errors.Is(err, ErrStaleVersion) {
					conflicted = true
				} else {
					return err
				}
			} else {
				status.Status = StSynced
				status.Message = fmt.Sprintf("applied at version %d", newVersion)
				return nil
			}
			if conflicted {
				current, err = q.source.Get(ctx, op.UserID, op.EntityType, op.EntityID)
				if err != nil && !errors.Is(err, ErrEntityNotFound) {
					return err
				}
			}
		}

		return q.resolveAndApply(ctx, op, current, &status)
	})

	if err != nil {
		q.failOperation(op, &status, err)
		return status
	}

	switch status.Status {
	case StSynced:
		if err := q.store.Remove(op.UserID, op.DeviceID, op.OperationID); err != nil {
			q.logger.Warn("Failed to remove synced operation", "error", err, "operation_id", op.OperationID)
		}
	case StConflict:
		// Resolved either way; the operation is consumed.
		if err := q.store.Remove(op.UserID, op.DeviceID, op.OperationID); err != nil {
			q.logger.Warn("Failed to remove resolved operation", "error", err, "operation_id", op.OperationID)
		}
	case StPending:
		// Awaiting a user decision; back off so it does not spin.
		q.deferOperation(op)
	}
	return status
}

// verifyChecksum re-validates the payload against the checksum recorded at
// enqueue time, guarding against corruption in the durable store.
func (q *QueueManager) verifyChecksum(op *OfflineOperation) bool {
	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return false
	}
	return checksumBytes(payloadJSON) == op.Checksum
}

// resolveAndApply routes a version conflict through the resolver and
// commits the outcome when resolution allows.
func (q *QueueManager) resolveAndApply(ctx context.Context, op *OfflineOperation, current *EntityRow, status *OperationStatus) error {
	deviceChange := DeviceChange{
		DeviceID:  op.DeviceID,
		Deleted:   op.Kind == OpDelete,
		Payload:   op.Payload,
		Clock:     op.Clock,
		Timestamp: op.CreatedAt,
	}
	if role, ok := op.Payload["_role"].(string); ok {
		deviceChange.Role = role
	}

	serverChange := DeviceChange{DeviceID: "server"}
	base := op.BasePayload
	if current != nil {
		serverChange.Deleted = current.Deleted
		serverChange.Payload = current.Payload
		serverChange.Clock = current.Clock
		serverChange.Timestamp = current.UpdatedAt
		if role, ok := current.Payload["_role"].(string); ok {
			serverChange.Role = role
		}
	}

	rec := DetectConflict(op.EntityType, op.EntityID, base, []DeviceChange{serverChange, deviceChange})
	if rec == nil {
		// Causally ordered and value-identical: nothing to do.
		status.Status = StSynced
		status.Message = "change already reflected by server state"
		return nil
	}

	var override *ResolutionStrategy
	if op.Strategy != StrategyAuto {
		override = &op.Strategy
	}
	res, err := q.resolver.Resolve(rec, override)
	if err != nil {
		return err
	}
	status.Status = StConflict
	status.Resolution = res

	if res.RequiresUserIntervention {
		status.Status = StPending
		status.Message = ErrUnresolvableConflict.Error()
		return nil
	}
	if !res.Apply {
		return nil
	}

	if res.DeleteEntity {
		if current != nil && !current.Deleted {
			deleteOp := *op
			deleteOp.Kind = OpDelete
			deleteOp.Clock = res.MergedClock
			if _, err := q.source.ApplyChange(ctx, &deleteOp, current.Version); err != nil {
				return err
			}
		}
		status.Message = "delete honored"
		return nil
	}

	if _, err := q.source.PutResolved(ctx, op.UserID, op.EntityType, op.EntityID, res.MergedValue, res.MergedClock); err != nil {
		return err
	}
	status.Message = fmt.Sprintf("resolved via %s", res.StrategyName)
	return nil
}

func (q *QueueManager) failOperation(op *OfflineOperation, status *OperationStatus, err error) {
	op.RetryCount++
	op.LastRetryAt = q.now()
	status.Status = StFailed

	switch {
	case op.RetryCount > q.config.MaxRetries:
		// Out of retries. The operation stays queued so unsynced data is
		// never silently destroyed; only the TTL sweep reclaims it.
		status.Message = fmt.Sprintf("retries exhausted (%d), parked until expiry: %v", op.RetryCount-1, err)
		q.logger.Error("Parking operation after exhausted retries",
			"operation_id", op.OperationID, "entity", op.EntityType+":"+op.EntityID, "error", err)
	case isTransientBackendError(err):
		status.Message = fmt.Sprintf("transient failure, retry in %s: %v", backoffDelay(op.RetryCount), err)
	default:
		status.Message = err.Error()
	}

	if updErr := q.store.Update(op); updErr != nil {
		q.logger.Warn("Failed to record retry state", "error", updErr, "operation_id", op.OperationID)
	}
}

func (q *QueueManager) deferOperation(op *OfflineOperation) {
	op.RetryCount++
	op.LastRetryAt = q.now()
	if err := q.store.Update(op); err != nil {
		q.logger.Warn("Failed to defer conflicted operation", "error", err, "operation_id", op.OperationID)
	}
}

// Status reports the device's backlog.
func (q *QueueManager) Status(userID, deviceID string) (*QueueStatus, error) {
	ops, err := q.store.List(userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}

	status := &QueueStatus{ByPriority: make(map[string]int)}
	var (
		bytes  int64
		oldest time.Time
	)
	for _, op := range ops {
		status.ByPriority[op.Priority.String()]++
		bytes += op.SizeBytes
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	status.TotalOperations = len(ops)
	status.QueueSizeBytes = bytes
	if !oldest.IsZero() {
		status.OldestAgeHours = q.now().Sub(oldest).Hours()
	}
	status.EstimatedSyncSeconds = estimateSyncSeconds(len(ops), bytes)
	return status, nil
}

// PendingTotal reports the queued operation count across all devices.
func (q *QueueManager) PendingTotal() (int, error) {
	return q.store.TotalCount()
}

// SweepExpired drops operations older than the configured TTL. Devices with
// swept operations re-derive state through a full sync.
func (q *QueueManager) SweepExpired() (int, error) {
	return q.store.SweepExpired(q.now().Add(-q.config.OperationTTL))
}

// estimateBatteryCost is a linear model over operation count, transferred
// bytes and wall-clock time, normalized to percentage points of battery.
func estimateBatteryCost(ops int, bytes int64, duration time.Duration) float64 {
	const (
		costPerOp     = 0.01
		costPerMB     = 0.25
		costPerSecond = 0.02
		bytesPerMB    = 1024 * 1024
	)
	return float64(ops)*costPerOp +
		float64(bytes)/bytesPerMB*costPerMB +
		duration.Seconds()*costPerSecond
}

// estimateSyncSeconds assumes ~20 ops/sec of round trips plus 256 KiB/s of
// effective mobile upstream.
func estimateSyncSeconds(ops int, bytes int64) float64 {
	return float64(ops)/20 + float64(bytes)/(256*1024)
}
