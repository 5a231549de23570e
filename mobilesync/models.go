// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"time"
)

// Core data model for the mobile sync subsystem.
// Wire representations (JSON tags) double as the HTTP API models.

// OfflineOperation is a mutation a device performed while disconnected.
// It is mutated only by retry-count increments and destroyed once applied
// or after exceeding age/capacity limits.
type OfflineOperation struct {
	OperationID string             `json:"operation_id"`
	UserID      string             `json:"user_id"`
	DeviceID    string             `json:"device_id"`
	Kind        string             `json:"kind"` // CREATE, UPDATE, DELETE
	EntityType  string             `json:"entity_type"`
	EntityID    string             `json:"entity_id"`
	Payload     map[string]any     `json:"payload,omitempty"`
	Priority    Priority           `json:"priority"`
	Strategy    ResolutionStrategy `json:"-"`
	BaseVersion int64              `json:"base_version"` // entity version the device last saw
	// BasePayload is the entity state at BaseVersion as the device saw it.
	// It is the common ancestor for three-way conflict merges.
	BasePayload map[string]any     `json:"base_payload,omitempty"`
	Clock       VectorClock        `json:"vector_clock,omitempty"`
	Checksum    string             `json:"checksum,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	RetryCount  int                `json:"retry_count"`
	LastRetryAt time.Time          `json:"last_retry_at,omitzero"`
	SizeBytes   int64              `json:"size_bytes"`
}

// DeviceChange is one device's view of an entity inside a conflict.
type DeviceChange struct {
	DeviceID  string         `json:"device_id"`
	Role      string         `json:"role,omitempty"` // e.g. "manager", "employee"
	Deleted   bool           `json:"deleted,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Clock     VectorClock    `json:"vector_clock,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConflictRecord captures concurrent changes to one entity. Immutable once
// created; consumed exactly once by the resolver.
type ConflictRecord struct {
	ConflictID string         `json:"conflict_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       ConflictKind   `json:"-"`
	KindName   string         `json:"kind"`
	Base       map[string]any `json:"base,omitempty"` // last-known-common state
	Changes    []DeviceChange `json:"changes"`
	Context    map[string]any `json:"context,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
}

// ResolutionResult is the outcome of resolving one ConflictRecord.
// Persisted for audit; never mutated after creation.
type ResolutionResult struct {
	ResolutionID  string             `json:"resolution_id"`
	ConflictID    string             `json:"conflict_id"`
	EntityType    string             `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	Strategy      ResolutionStrategy `json:"-"`
	StrategyName  string             `json:"strategy"`
	WinningDevice string             `json:"winning_device,omitempty"`
	MergedValue   map[string]any     `json:"merged_value,omitempty"`
	MergedClock   VectorClock        `json:"merged_clock,omitempty"`
	// Apply reports whether the outcome may be committed to the change
	// source. False for user-intervention outcomes.
	Apply bool `json:"apply"`
	// DeleteEntity marks a resolution whose outcome is the deletion itself
	// (delete-update conflicts honor the delete).
	DeleteEntity             bool     `json:"delete_entity,omitempty"`
	AffectedDevices          []string `json:"affected_devices"`
	RequiresUserIntervention bool     `json:"requires_user_intervention"`
	// CompetingValues surfaces both sides when user intervention is required:
	// device id -> that device's payload.
	CompetingValues map[string]map[string]any `json:"competing_values,omitempty"`
	AuditTrail      []string                  `json:"audit_trail"`
	DurationMs      int64                     `json:"duration_ms"`
	ResolvedAt      time.Time                 `json:"resolved_at"`
}

// EntityRow is a row from the Change Source.
type EntityRow struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
	Clock      VectorClock    `json:"vector_clock,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EntityChange is one entry in a delta payload. When the payload is
// template-encoded, Payload carries only the fields differing from the
// entity type's template.
type EntityChange struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EntityDeletion is one tombstone from the deletion log.
type EntityDeletion struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// DeltaPayload is the download half of a sync round. Regenerated on every
// request; cached only for a short window keyed by (user, device, since).
type DeltaPayload struct {
	SyncID    string    `json:"sync_id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	LastSync  time.Time `json:"last_sync,omitzero"`
	DeltaKind string    `json:"delta_kind"` // full, incremental

	Changes   []EntityChange   `json:"changes"`
	Deletions []EntityDeletion `json:"deletions,omitempty"`
	// Templates holds the per-entity-type base record used for delta
	// encoding of large homogeneous batches. Empty when not encoded.
	Templates map[string]map[string]any `json:"templates,omitempty"`

	Checksum       string `json:"checksum"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
	Compressed     bool   `json:"compressed"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// DeviceSyncState is the one live sync record per (user, device) pair.
type DeviceSyncState struct {
	UserID         string    `json:"user_id" db:"user_id"`
	DeviceID       string    `json:"device_id" db:"device_id"`
	LastSyncAt     time.Time `json:"last_sync_at" db:"last_sync_at"`
	LastChecksum   string    `json:"last_checksum" db:"last_checksum"`
	PendingChanges int       `json:"pending_changes" db:"pending_changes"`
	QueueSize      int       `json:"queue_size" db:"queue_size"`
	SyncVersion    int64     `json:"sync_version" db:"sync_version"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// OperationStatus is the per-operation outcome reported by a queue sync.
type OperationStatus struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Status      string `json:"status"` // synced, pending, conflict, failed
	Message     string `json:"message,omitempty"`
	// Resolution is attached when the operation went through the resolver.
	Resolution *ResolutionResult `json:"resolution,omitempty"`
}

// QueueSyncResult summarizes one upload phase.
type QueueSyncResult struct {
	Synced               int               `json:"synced"`
	Failed               int               `json:"failed"`
	Conflicted           int               `json:"conflicted"`
	Skipped              int               `json:"skipped"`
	BytesTransferred     int64             `json:"bytes_transferred"`
	DurationMs           int64             `json:"duration_ms"`
	EstimatedBatteryCost float64           `json:"estimated_battery_cost"`
	Statuses             []OperationStatus `json:"statuses,omitempty"`
}
