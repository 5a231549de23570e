// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testDeltaConfig() DeltaConfig {
	return DeltaConfig{
		StalenessThreshold:   7 * 24 * time.Hour,
		MaxChangesPerType:    500,
		DeletionLogLimit:     1000,
		TemplateEncodeMin:    10,
		CompressionThreshold: 1024,
		CompressionMinGain:   0.10,
		PayloadCacheTTL:      30 * time.Second,
	}
}

func newTestDeltaEngine(cfg DeltaConfig) (*DeltaEngine, *MemChangeSource) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	source := NewMemChangeSource()
	return NewDeltaEngine(source, cfg, NewMetrics(), logger), source
}

func seedEntity(t *testing.T, source *MemChangeSource, userID, entityType, entityID string, payload map[string]any) {
	t.Helper()
	_, err := source.ApplyChange(context.Background(), &OfflineOperation{
		OperationID: uuid.NewString(),
		UserID:      userID,
		DeviceID:    "seed-device",
		Kind:        OpCreate,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     payload,
		Clock:       VectorClock{"seed-device": 1},
	}, 0)
	require.NoError(t, err)
}

func TestComputeDelta_ZeroSinceForcesFullSync(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	payload, cacheHit, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.False(t, cacheHit)
	require.Equal(t, DeltaKindFull, payload.DeltaKind)
	require.Len(t, payload.Changes, 1)
	require.Empty(t, payload.Deletions)
}

func TestComputeDelta_StaleSincePointForcesFullSync(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	since := time.Now().Add(-8 * 24 * time.Hour)
	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", since, nil)
	require.NoError(t, err)
	require.Equal(t, DeltaKindFull, payload.DeltaKind)
	require.True(t, payload.LastSync.IsZero())
}

func TestComputeDelta_IncrementalIncludesDeletions(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})
	seedEntity(t, source, "u1", EntityTypeSchedule, "s2", map[string]any{"shift": "evening"})

	_, err := source.ApplyChange(context.Background(), &OfflineOperation{
		OperationID: uuid.NewString(),
		UserID:      "u1",
		DeviceID:    "seed-device",
		Kind:        OpDelete,
		EntityType:  EntityTypeSchedule,
		EntityID:    "s2",
		Clock:       VectorClock{"seed-device": 2},
	}, 1)
	require.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", since, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.Equal(t, DeltaKindIncremental, payload.DeltaKind)
	require.Len(t, payload.Changes, 1)
	require.Equal(t, "s1", payload.Changes[0].EntityID)
	require.Len(t, payload.Deletions, 1)
	require.Equal(t, "s2", payload.Deletions[0].EntityID)
}

func TestComputeDelta_RespectsPerTypeChangeCap(t *testing.T) {
	cfg := testDeltaConfig()
	cfg.MaxChangesPerType = 3
	cfg.TemplateEncodeMin = 100
	engine, source := newTestDeltaEngine(cfg)
	for i := 0; i < 10; i++ {
		seedEntity(t, source, "u1", EntityTypeSchedule, fmt.Sprintf("s%02d", i), map[string]any{"idx": float64(i)})
	}

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.Len(t, payload.Changes, 3)
}

func TestComputeDelta_TemplateEncodingRoundTrip(t *testing.T) {
	cfg := testDeltaConfig()
	engine, source := newTestDeltaEngine(cfg)
	for i := 0; i < 12; i++ {
		seedEntity(t, source, "u1", EntityTypeSchedule, fmt.Sprintf("s%02d", i), map[string]any{
			"site":  "hq",
			"shift": "morning",
			"idx":   float64(i),
		})
	}

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.Contains(t, payload.Templates, EntityTypeSchedule)
	require.Equal(t, "hq", payload.Templates[EntityTypeSchedule]["site"])

	// Shared fields are stripped from the individual rows
	for _, ch := range payload.Changes {
		require.NotContains(t, ch.Payload, "site")
		require.NotContains(t, ch.Payload, "shift")
		require.Contains(t, ch.Payload, "idx")
	}

	// Expansion restores the full payload for every row
	expanded := payload.ExpandedChanges()
	require.Len(t, expanded, 12)
	for _, ch := range expanded {
		require.Equal(t, "hq", ch.Payload["site"])
		require.Equal(t, "morning", ch.Payload["shift"])
		require.Contains(t, ch.Payload, "idx")
	}
}

func TestComputeDelta_ChecksumDetectsTampering(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.NoError(t, payload.VerifyChecksum())

	payload.Changes[0].Payload["shift"] = "tampered"
	require.ErrorIs(t, payload.VerifyChecksum(), ErrCorruptPayload)
}

func TestComputeDelta_CompressesLargeRedundantPayloads(t *testing.T) {
	cfg := testDeltaConfig()
	cfg.CompressionThreshold = 256
	cfg.TemplateEncodeMin = 1000 // keep redundancy in the rows
	engine, source := newTestDeltaEngine(cfg)
	filler := strings.Repeat("workforce schedule entry ", 20)
	for i := 0; i < 8; i++ {
		seedEntity(t, source, "u1", EntityTypeSchedule, fmt.Sprintf("s%02d", i), map[string]any{
			"description": filler,
			"idx":         float64(i),
		})
	}

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.True(t, payload.Compressed)
	require.Less(t, payload.CompressedSize, payload.OriginalSize)
}

func TestComputeDelta_SmallPayloadSkipsCompression(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "am"})

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.False(t, payload.Compressed)
	require.Equal(t, payload.OriginalSize, payload.CompressedSize)
}

func TestComputeDelta_ShortWindowCacheServesRepeats(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	first, hit, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.False(t, hit)

	second, hit, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, first.Checksum, second.Checksum)
	require.Equal(t, first.SyncID, second.SyncID)
}

func TestComputeDelta_CacheExpiresAfterTTL(t *testing.T) {
	cfg := testDeltaConfig()
	engine, source := newTestDeltaEngine(cfg)
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	_, hit, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.False(t, hit)

	// Jump the engine clock past the cache window
	engine.now = func() time.Time { return time.Now().Add(cfg.PayloadCacheTTL + time.Second) }
	_, hit, err = engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestComputeDelta_AdvancesDeviceSyncState(t *testing.T) {
	engine, source := newTestDeltaEngine(testDeltaConfig())
	seedEntity(t, source, "u1", EntityTypeSchedule, "s1", map[string]any{"shift": "morning"})

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, nil)
	require.NoError(t, err)

	state, err := source.GetSyncState(context.Background(), "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, payload.Checksum, state.LastChecksum)
	require.False(t, state.LastSyncAt.IsZero())
}

func TestDeltaBody_CompressedTransportRoundTrip(t *testing.T) {
	cfg := testDeltaConfig()
	cfg.CompressionThreshold = 128
	cfg.TemplateEncodeMin = 1000
	engine, source := newTestDeltaEngine(cfg)
	filler := strings.Repeat("mobile sync payload ", 30)
	for i := 0; i < 5; i++ {
		seedEntity(t, source, "u1", EntityTypeSchedule, fmt.Sprintf("s%02d", i), map[string]any{"blob": filler})
	}

	payload, _, err := engine.ComputeDelta(context.Background(), "u1", "d1", time.Time{}, []string{EntityTypeSchedule})
	require.NoError(t, err)
	require.True(t, payload.Compressed)

	body, err := MarshalDeltaBody(payload)
	require.NoError(t, err)
	require.Less(t, len(body), payload.OriginalSize)

	decoded, err := UnmarshalDeltaBody(body, true)
	require.NoError(t, err)
	require.Equal(t, payload.Checksum, decoded.Checksum)
	require.Len(t, decoded.Changes, len(payload.Changes))
}

func TestDeltaBody_CorruptBytesRejected(t *testing.T) {
	_, err := UnmarshalDeltaBody([]byte("not a snappy frame"), true)
	require.ErrorIs(t, err, ErrCorruptPayload)
}
