// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import "time"

// Config holds configuration for every sync component. It is treated as
// immutable after construction; components receive it by value at build
// time rather than reading ambient globals.
type Config struct {
	AppName string

	Delta        DeltaConfig
	Queue        QueueConfig
	Resolver     ResolverConfig
	Orchestrator OrchestratorConfig
}

// DeltaConfig configures the delta sync engine.
type DeltaConfig struct {
	// StalenessThreshold forces full-sync mode when the device's last sync
	// point is older than this.
	StalenessThreshold time.Duration

	// MaxChangesPerType caps changes per entity type per payload.
	MaxChangesPerType int

	// DeletionLogLimit bounds the tombstone window included in a delta.
	DeletionLogLimit int

	// TemplateEncodeMin is the smallest homogeneous batch that gets
	// delta-encoded against a derived template.
	TemplateEncodeMin int

	// CompressionThreshold is the serialized size above which payloads are
	// compressed. CompressionMinGain skips compression that saves less than
	// this fraction of the original size.
	CompressionThreshold int
	CompressionMinGain   float64

	// PayloadCacheTTL is the short window during which an identical delta
	// request is served from cache.
	PayloadCacheTTL time.Duration
}

// QueueConfig configures the offline queue manager.
type QueueConfig struct {
	MaxOperations int
	MaxBytes      int64

	// EvictionAge: LOW priority operations older than this are evicted
	// first when the queue is at capacity.
	EvictionAge time.Duration

	// OperationTTL: operations older than this are swept regardless of
	// priority; a device that old re-derives state via full sync.
	OperationTTL time.Duration

	// MinBatteryLevel: below this only CRITICAL operations sync.
	MinBatteryLevel int

	// MeteredBytesThreshold: on non-wifi networks, NORMAL/LOW operations
	// sync only when the total queued size is below this.
	MeteredBytesThreshold int64

	BatchSize  int
	MaxRetries int
}

// ResolverConfig configures the conflict resolver.
type ResolverConfig struct {
	// AuditRetention bounds how long resolution audit records are kept.
	AuditRetention time.Duration
}

// OrchestratorConfig configures the sync orchestrator.
type OrchestratorConfig struct {
	// MaxConcurrentDevices bounds how many devices sync at once.
	MaxConcurrentDevices int64

	// RoundTimeout is the overall deadline for one device's sync round.
	RoundTimeout time.Duration

	// Interval clamps for the next-sync recommendation.
	MinSyncInterval time.Duration
	MaxSyncInterval time.Duration

	// LargePayloadBytes: payloads above this double the recommended
	// interval.
	LargePayloadBytes int

	// SyncStateIdleTTL expires device sync state after a bounded idle
	// period.
	SyncStateIdleTTL time.Duration
}

// DefaultConfig returns the default subsystem configuration.
func DefaultConfig() Config {
	return Config{
		AppName: "wfm-mobilesync",
		Delta: DeltaConfig{
			StalenessThreshold:   7 * 24 * time.Hour,
			MaxChangesPerType:    500,
			DeletionLogLimit:     1000,
			TemplateEncodeMin:    10,
			CompressionThreshold: 1024,
			CompressionMinGain:   0.10,
			PayloadCacheTTL:      30 * time.Second,
		},
		Queue: QueueConfig{
			MaxOperations:         10000,
			MaxBytes:              50 * 1024 * 1024,
			EvictionAge:           12 * time.Hour,
			OperationTTL:          24 * time.Hour,
			MinBatteryLevel:       20,
			MeteredBytesThreshold: 64 * 1024,
			BatchSize:             50,
			MaxRetries:            5,
		},
		Resolver: ResolverConfig{
			AuditRetention: 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentDevices: 6,
			RoundTimeout:         30 * time.Second,
			MinSyncInterval:      time.Minute,
			MaxSyncInterval:      4 * time.Hour,
			LargePayloadBytes:    1024 * 1024,
			SyncStateIdleTTL:     time.Hour,
		},
	}
}
