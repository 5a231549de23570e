// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

// REST/JSON models for HTTP API requests and responses
// Note: user and device identity are derived from JWT claims, not request bodies.

// EnqueueRequest asks the queue manager to record an offline operation.
type EnqueueRequest struct {
	Kind       string         `json:"kind"` // CREATE, UPDATE, DELETE
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   string         `json:"priority,omitempty"` // critical, high, normal, low
	Strategy   string         `json:"strategy,omitempty"` // resolution strategy override
	// BaseVersion is the entity version the device last saw; zero for creates.
	// BasePayload carries the entity state at that version, the common
	// ancestor used for three-way conflict merges.
	BaseVersion int64          `json:"base_version,omitempty"`
	BasePayload map[string]any `json:"base_payload,omitempty"`
	Clock       VectorClock    `json:"vector_clock,omitempty"`
}

// EnqueueResponse echoes the assigned operation id.
type EnqueueResponse struct {
	OperationID string `json:"operation_id"`
	QueuedOps   int    `json:"queued_ops"`
}

// SyncRequest drives one device sync round.
type SyncRequest struct {
	UserID       string   `json:"-"`
	DeviceID     string   `json:"-"`
	LastSyncUnix int64    `json:"last_sync,omitempty"` // unix seconds; zero = never synced
	EntityTypes  []string `json:"entity_types,omitempty"`
	NetworkKind  string   `json:"network_kind"`          // wifi, cellular, metered, offline
	BatteryLevel int      `json:"battery_level"`         // 0-100
	SyncMode     string   `json:"sync_mode,omitempty"`   // full, incremental, offline_only
	MaxOps       int      `json:"max_operations,omitempty"`
}

// SyncResponse is the aggregated outcome of one sync round.
type SyncResponse struct {
	SyncID                   string           `json:"sync_id"`
	Success                  bool             `json:"success"`
	DeltaPayload             *DeltaPayload    `json:"delta,omitempty"`
	QueueResult              *QueueSyncResult `json:"queue_result,omitempty"`
	ConflictsResolved        int              `json:"conflicts_resolved"`
	BytesTransferred         int64            `json:"bytes_transferred"`
	DurationMs               int64            `json:"duration_ms"`
	NextSyncRecommendedMins  int              `json:"next_sync_recommended_minutes"`
	CacheHit                 bool             `json:"cache_hit"`
	Message                  string           `json:"message,omitempty"`
}

// SyncRecommendation tells a device whether and how hard to sync.
type SyncRecommendation struct {
	ShouldSyncNow   bool     `json:"should_sync_now"`
	NextSyncMinutes int      `json:"next_sync_minutes"`
	MaxOperations   int      `json:"max_operations"`
	Reasons         []string `json:"reasons"`
}

// QueueStatus describes a device's offline backlog.
type QueueStatus struct {
	TotalOperations      int            `json:"total_operations"`
	ByPriority           map[string]int `json:"by_priority"`
	OldestAgeHours       float64        `json:"oldest_age_hours"`
	QueueSizeBytes       int64          `json:"queue_size_bytes"`
	EstimatedSyncSeconds float64        `json:"estimated_sync_seconds"`
}

// HealthStatus is the subsystem health/metrics snapshot.
type HealthStatus struct {
	Status             string  `json:"status"` // healthy, degraded, unhealthy
	StoreConnected     bool    `json:"store_connected"`
	CacheConnected     bool    `json:"cache_connected"`
	QueueReady         bool    `json:"queue_ready"`
	ResolverReady      bool    `json:"resolver_ready"`
	PendingOperations  int     `json:"pending_operations"`
	SyncRounds         int64   `json:"sync_rounds"`
	SuccessRate        float64 `json:"success_rate"`
	AvgSyncTimeMs      float64 `json:"avg_sync_time_ms"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	BytesTransferred   int64   `json:"bytes_transferred"`
	DataReductionRatio float64 `json:"data_reduction_ratio"`
	ConflictsResolved  int64   `json:"conflicts_resolved"`
	ConflictsManual    int64   `json:"conflicts_manual"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
