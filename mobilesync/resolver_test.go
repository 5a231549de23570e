// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *ConflictResolver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewConflictResolver(ResolverConfig{AuditRetention: time.Hour}, nil, NewMetrics(), logger)
}

func TestDetectConflict_SingleChangeIsNotAConflict(t *testing.T) {
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "morning"}, Clock: VectorClock{"dev-a": 1}},
	})
	require.Nil(t, rec)
}

func TestDetectConflict_CausallyOrderedAgreementIsNotAConflict(t *testing.T) {
	payload := map[string]any{"shift": "morning"}
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: payload, Clock: VectorClock{"dev-a": 1}},
		{DeviceID: "dev-b", Payload: payload, Clock: VectorClock{"dev-a": 1, "dev-b": 1}},
	})
	require.Nil(t, rec)
}

func TestDetectConflict_ConcurrentClocksConflict(t *testing.T) {
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "morning"}, Clock: VectorClock{"dev-a": 5, "dev-b": 3}},
		{DeviceID: "dev-b", Payload: map[string]any{"shift": "evening"}, Clock: VectorClock{"dev-a": 4, "dev-b": 4}},
	})
	require.NotNil(t, rec)
	require.Equal(t, ConflictConcurrentUpdate, rec.Kind)
	require.Len(t, rec.Changes, 2)
}

func TestDetectConflict_DeleteVersusUpdate(t *testing.T) {
	rec := DetectConflict(EntityTypeRequest, "r1", nil, []DeviceChange{
		{DeviceID: "dev-a", Deleted: true, Clock: VectorClock{"dev-a": 2, "dev-b": 1}},
		{DeviceID: "dev-b", Payload: map[string]any{"note": "updated"}, Clock: VectorClock{"dev-a": 1, "dev-b": 2}},
	})
	require.NotNil(t, rec)
	require.Equal(t, ConflictDeleteUpdate, rec.Kind)
}

func TestResolve_DeleteUpdateHonorsDelete(t *testing.T) {
	r := newTestResolver(t)
	rec := DetectConflict(EntityTypeRequest, "r1", nil, []DeviceChange{
		{DeviceID: "dev-a", Deleted: true, Clock: VectorClock{"dev-a": 2, "dev-b": 1}, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"note": "later edit"}, Clock: VectorClock{"dev-a": 1, "dev-b": 2},
			Timestamp: time.Now().Add(time.Minute)},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyFirstWriteWins, res.Strategy)
	require.True(t, res.Apply)
	require.True(t, res.DeleteEntity)
	require.Equal(t, "dev-a", res.WinningDevice)
	require.False(t, res.RequiresUserIntervention)
}

func TestResolve_ScheduleManagerRoleBeatsEmployee(t *testing.T) {
	r := newTestResolver(t)
	rec := DetectConflict(EntityTypeSchedule, "s1", map[string]any{"shift": "morning"}, []DeviceChange{
		{DeviceID: "dev-emp", Role: "employee", Payload: map[string]any{"shift": "evening"},
			Clock: VectorClock{"dev-emp": 5, "dev-mgr": 3}, Timestamp: time.Now().Add(time.Hour)},
		{DeviceID: "dev-mgr", Role: "manager", Payload: map[string]any{"shift": "night"},
			Clock: VectorClock{"dev-emp": 4, "dev-mgr": 4}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyBusinessRule, res.Strategy)
	require.Equal(t, "dev-mgr", res.WinningDevice)
	require.Equal(t, "night", res.MergedValue["shift"])
	require.True(t, res.Apply)
}

func TestResolve_ApprovedStatusBeatsPending(t *testing.T) {
	r := newTestResolver(t)
	rec := &ConflictRecord{
		ConflictID: "c1",
		EntityType: EntityTypeRequest,
		EntityID:   "r1",
		Kind:       ConflictBusinessRule,
		KindName:   ConflictBusinessRule.String(),
		Changes: []DeviceChange{
			{DeviceID: "dev-a", Payload: map[string]any{"status": "pending"}, Clock: VectorClock{"dev-a": 1}},
			{DeviceID: "dev-b", Payload: map[string]any{"status": "approved"}, Clock: VectorClock{"dev-b": 1}},
		},
	}

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, "dev-b", res.WinningDevice)
	require.Equal(t, "approved", res.MergedValue["status"])
}

func TestResolve_ThreeWayMergeCombinesDisjointEdits(t *testing.T) {
	r := newTestResolver(t)
	base := map[string]any{"shift": "morning", "location": "hq", "hours": float64(8)}
	rec := DetectConflict(EntityTypeSchedule, "s1", base, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "evening", "location": "hq", "hours": float64(8)},
			Clock: VectorClock{"dev-a": 2, "dev-b": 1}, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"shift": "morning", "location": "remote", "hours": float64(8)},
			Clock: VectorClock{"dev-a": 1, "dev-b": 2}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyThreeWayMerge, res.Strategy)
	require.True(t, res.Apply)
	require.False(t, res.RequiresUserIntervention)
	require.Equal(t, "evening", res.MergedValue["shift"])
	require.Equal(t, "remote", res.MergedValue["location"])
	require.Equal(t, float64(8), res.MergedValue["hours"])
}

func TestResolve_ThreeWayMergeAveragesNumericDivergence(t *testing.T) {
	r := newTestResolver(t)
	base := map[string]any{"hours": float64(8)}
	rec := DetectConflict(EntityTypeSchedule, "s1", base, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"hours": float64(6)}, Clock: VectorClock{"dev-a": 2, "dev-b": 1}},
		{DeviceID: "dev-b", Payload: map[string]any{"hours": float64(10)}, Clock: VectorClock{"dev-a": 1, "dev-b": 2}},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.True(t, res.Apply)
	require.Equal(t, float64(8), res.MergedValue["hours"])
}

func TestResolve_ThreeWayMergeNonNumericDivergenceNeedsUser(t *testing.T) {
	r := newTestResolver(t)
	base := map[string]any{"note": "original"}
	rec := DetectConflict(EntityTypeSchedule, "s1", base, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"note": "version a"}, Clock: VectorClock{"dev-a": 2, "dev-b": 1}},
		{DeviceID: "dev-b", Payload: map[string]any{"note": "version b"}, Clock: VectorClock{"dev-a": 1, "dev-b": 2}},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.True(t, res.RequiresUserIntervention)
	require.False(t, res.Apply)
	require.Contains(t, res.CompetingValues, "dev-a")
	require.Contains(t, res.CompetingValues, "dev-b")
	// Neither concatenation nor either side is silently committed
	require.Equal(t, "original", res.MergedValue["note"])
}

func TestResolve_ThreeWayMergeUntouchedFieldsAreNotProposals(t *testing.T) {
	r := newTestResolver(t)

	// Field deltas against a missing base: dev-a only edited the shift and
	// never saw dev-b's location field. Absent fields carry no opinion, so
	// nothing is flagged for human review.
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "evening"},
			Clock: VectorClock{"dev-a": 2}, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"shift": "evening", "location": "remote"},
			Clock: VectorClock{"dev-b": 1}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyThreeWayMerge, res.Strategy)
	require.True(t, res.Apply)
	require.False(t, res.RequiresUserIntervention)
	require.Equal(t, "evening", res.MergedValue["shift"])
	require.Equal(t, "remote", res.MergedValue["location"])
}

func TestResolve_UnknownStrategyIsUnresolvable(t *testing.T) {
	r := newTestResolver(t)
	r.OverrideStrategy(EntityTypeNotification, ResolutionStrategy(99))

	rec := DetectConflict(EntityTypeNotification, "n1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"body": "a"}, Clock: VectorClock{"dev-a": 1}},
		{DeviceID: "dev-b", Payload: map[string]any{"body": "b"}, Clock: VectorClock{"dev-b": 1}},
	})
	require.NotNil(t, rec)

	_, err := r.Resolve(rec, nil)
	require.ErrorIs(t, err, ErrUnresolvableConflict)
}

func TestResolve_RequestPrioritySelectsHighest(t *testing.T) {
	r := newTestResolver(t)
	rec := DetectConflict(EntityTypeRequest, "r1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"priority": float64(2), "reason": "vacation"},
			Clock: VectorClock{"dev-a": 2, "dev-b": 1}, Timestamp: time.Now().Add(time.Hour)},
		{DeviceID: "dev-b", Payload: map[string]any{"priority": float64(5), "reason": "sick leave"},
			Clock: VectorClock{"dev-a": 1, "dev-b": 2}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyHighestPriority, res.Strategy)
	require.Equal(t, "dev-b", res.WinningDevice)
}

func TestResolve_LastWriteWinsTiebreakIsDeterministic(t *testing.T) {
	r := newTestResolver(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	changes := []DeviceChange{
		{DeviceID: "dev-b", Payload: map[string]any{"v": "b"}, Clock: VectorClock{"dev-b": 1}, Timestamp: ts},
		{DeviceID: "dev-a", Payload: map[string]any{"v": "a"}, Clock: VectorClock{"dev-a": 1}, Timestamp: ts},
	}

	for i := 0; i < 5; i++ {
		rec := DetectConflict(EntityTypeNotification, "n1", nil, changes)
		require.NotNil(t, rec)
		res, err := r.Resolve(rec, nil)
		require.NoError(t, err)
		// Identical timestamps break the tie on device id
		require.Equal(t, "dev-a", res.WinningDevice)
	}
}

func TestResolve_CallerOverrideForcesStrategy(t *testing.T) {
	r := newTestResolver(t)
	override := StrategyUserChoice
	rec := DetectConflict(EntityTypeNotification, "n1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"v": "a"}, Clock: VectorClock{"dev-a": 1}, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"v": "b"}, Clock: VectorClock{"dev-b": 1}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, &override)
	require.NoError(t, err)
	require.Equal(t, StrategyUserChoice, res.Strategy)
	require.True(t, res.RequiresUserIntervention)
}

func TestResolve_EntityTypeOverridePinned(t *testing.T) {
	r := newTestResolver(t)
	r.OverrideStrategy(EntityTypeNotification, StrategyFirstWriteWins)

	rec := DetectConflict(EntityTypeNotification, "n1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"v": "a"}, Clock: VectorClock{"dev-a": 1},
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{DeviceID: "dev-b", Payload: map[string]any{"v": "b"}, Clock: VectorClock{"dev-b": 1},
			Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyFirstWriteWins, res.Strategy)
	require.Equal(t, "dev-a", res.WinningDevice)
}

func TestResolve_MergedClockDominatesAllInputs(t *testing.T) {
	r := newTestResolver(t)
	a := VectorClock{"dev-a": 5, "dev-b": 3}
	b := VectorClock{"dev-a": 4, "dev-b": 4}
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "x"}, Clock: a, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"shift": "y"}, Clock: b, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.Equal(t, VectorClock{"dev-a": 5, "dev-b": 4}, res.MergedClock)
	require.NotEqual(t, OrderConcurrent, a.Compare(res.MergedClock))
	require.NotEqual(t, OrderConcurrent, b.Compare(res.MergedClock))
}

func TestResolve_AuditTrailRecordsEveryStep(t *testing.T) {
	r := newTestResolver(t)
	rec := DetectConflict(EntityTypeSchedule, "s1", nil, []DeviceChange{
		{DeviceID: "dev-a", Payload: map[string]any{"shift": "x"}, Clock: VectorClock{"dev-a": 1}, Timestamp: time.Now()},
		{DeviceID: "dev-b", Payload: map[string]any{"shift": "y"}, Clock: VectorClock{"dev-b": 1}, Timestamp: time.Now()},
	})
	require.NotNil(t, rec)

	res, err := r.Resolve(rec, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.AuditTrail)
	require.ElementsMatch(t, []string{"dev-a", "dev-b"}, res.AffectedDevices)
	require.False(t, res.ResolvedAt.IsZero())
}
