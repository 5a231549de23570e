// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictResolver decides whether concurrent changes genuinely conflict and
// resolves them through a closed strategy table. Resolution is deterministic
// for a given ConflictRecord and strategy, except for StrategyUserChoice.
type ConflictResolver struct {
	config  ResolverConfig
	logger  *slog.Logger
	metrics *Metrics
	audit   *AuditStore // optional

	// overrides maps entity type to a caller-selected strategy that takes
	// precedence over kind-based selection.
	overrides map[string]ResolutionStrategy

	strategies map[ResolutionStrategy]strategyFunc

	now func() time.Time
}

type strategyFunc func(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail)

// NewConflictResolver creates a resolver. audit may be nil to skip
// persistence of resolution results.
func NewConflictResolver(config ResolverConfig, audit *AuditStore, metrics *Metrics, logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &ConflictResolver{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		audit:     audit,
		overrides: make(map[string]ResolutionStrategy),
		now:       time.Now,
	}
	r.strategies = map[ResolutionStrategy]strategyFunc{
		StrategyLastWriteWins:   r.resolveLastWriteWins,
		StrategyFirstWriteWins:  r.resolveFirstWriteWins,
		StrategyThreeWayMerge:   r.resolveThreeWayMerge,
		StrategyBusinessRule:    r.resolveBusinessRule,
		StrategyHighestPriority: r.resolveHighestPriority,
		StrategyUserChoice:      r.resolveUserChoice,
	}
	return r
}

// OverrideStrategy pins a strategy for an entity type, taking precedence
// over kind-based selection.
func (r *ConflictResolver) OverrideStrategy(entityType string, strategy ResolutionStrategy) {
	r.overrides[entityType] = strategy
}

// DetectConflict inspects changes from two or more devices against a common
// base. It returns nil when the changes are causally ordered and agree; a
// ConflictRecord otherwise.
func DetectConflict(entityType, entityID string, base map[string]any, changes []DeviceChange) *ConflictRecord {
	if len(changes) < 2 {
		return nil
	}

	kind := ConflictConcurrentUpdate
	hasDelete, hasUpdate := false, false
	for _, ch := range changes {
		if ch.Deleted {
			hasDelete = true
		} else {
			hasUpdate = true
		}
	}

	concurrent := false
	for i := 0; i < len(changes) && !concurrent; i++ {
		for j := i + 1; j < len(changes); j++ {
			if changes[i].Clock.ConcurrentWith(changes[j].Clock) {
				concurrent = true
				break
			}
		}
	}

	if !concurrent {
		// Causally ordered changes conflict only when they still disagree
		// on field values.
		latest := changes[0]
		for _, ch := range changes[1:] {
			if latest.Clock.HappensBefore(ch.Clock) {
				latest = ch
			}
		}
		disagree := false
		for _, ch := range changes {
			if ch.DeviceID == latest.DeviceID {
				continue
			}
			if ch.Deleted != latest.Deleted || !payloadsAgree(ch.Payload, latest.Payload) {
				disagree = true
				break
			}
		}
		if !disagree {
			return nil
		}
	}

	if hasDelete && hasUpdate {
		kind = ConflictDeleteUpdate
	}

	return &ConflictRecord{
		ConflictID: uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		KindName:   kind.String(),
		Base:       base,
		Changes:    changes,
		DetectedAt: time.Now(),
	}
}

// Resolve resolves one conflict record. The override, when non-nil, forces
// a strategy; otherwise selection is a pure function of conflict kind and
// entity type.
func (r *ConflictResolver) Resolve(rec *ConflictRecord, override *ResolutionStrategy) (*ResolutionResult, error) {
	start := r.now()
	trail := newAuditTrail(r.now)

	strategy := r.selectStrategy(rec, override, trail)
	fn, ok := r.strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for strategy %s", ErrUnresolvableConflict, strategy)
	}

	res := &ResolutionResult{
		ResolutionID: uuid.NewString(),
		ConflictID:   rec.ConflictID,
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		Strategy:     strategy,
		StrategyName: strategy.String(),
		MergedClock:  mergedClock(rec.Changes),
		ResolvedAt:   start,
	}
	for _, ch := range rec.Changes {
		res.AffectedDevices = append(res.AffectedDevices, ch.DeviceID)
	}
	sort.Strings(res.AffectedDevices)

	trail.add("conflict %s on %s:%s classified as %s", rec.ConflictID, rec.EntityType, rec.EntityID, rec.KindName)
	fn(rec, res, trail)

	if res.RequiresUserIntervention {
		res.Apply = false
		if res.CompetingValues == nil {
			res.CompetingValues = competingValues(rec.Changes)
		}
		trail.add("no confident result; surfacing for manual resolution")
	}

	res.AuditTrail = trail.entries
	res.DurationMs = r.now().Sub(start).Milliseconds()
	r.metrics.RecordConflict(res.RequiresUserIntervention)

	if r.audit != nil {
		if err := r.audit.Save(res); err != nil {
			r.logger.Warn("Failed to persist resolution audit", "error", err, "resolution_id", res.ResolutionID)
		}
	}

	r.logger.Debug("Resolved conflict",
		"conflict_id", rec.ConflictID, "entity", rec.EntityType+":"+rec.EntityID,
		"strategy", res.StrategyName, "winner", res.WinningDevice,
		"manual", res.RequiresUserIntervention)

	return res, nil
}

func (r *ConflictResolver) selectStrategy(rec *ConflictRecord, override *ResolutionStrategy, trail *auditTrail) ResolutionStrategy {
	if override != nil && *override != StrategyAuto {
		trail.add("strategy %s forced by caller", override)
		return *override
	}
	if s, ok := r.overrides[rec.EntityType]; ok {
		trail.add("strategy %s pinned for entity type %s", s, rec.EntityType)
		return s
	}

	switch rec.Kind {
	case ConflictDeleteUpdate:
		// The delete is honored to avoid resurrecting content users
		// expected gone.
		return StrategyFirstWriteWins
	case ConflictConstraintViolation, ConflictBusinessRule, ConflictDependency:
		return StrategyBusinessRule
	}

	switch rec.EntityType {
	case EntityTypeSchedule:
		// The business-rule path is checked first; role attribution beats
		// a structural merge when the devices act in different roles.
		if rolesDiffer(rec.Changes) {
			trail.add("divergent roles on schedule entity; business rule precedes merge")
			return StrategyBusinessRule
		}
		return StrategyThreeWayMerge
	case EntityTypeRequest:
		if anyHasField(rec.Changes, "priority") {
			return StrategyHighestPriority
		}
	}
	return StrategyLastWriteWins
}

func (r *ConflictResolver) resolveLastWriteWins(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	winner := rec.Changes[0]
	for _, ch := range rec.Changes[1:] {
		if ch.Timestamp.After(winner.Timestamp) ||
			(ch.Timestamp.Equal(winner.Timestamp) && ch.DeviceID < winner.DeviceID) {
			winner = ch
		}
	}
	r.declareWinner(res, winner, trail, "last write at %s wins", winner.Timestamp.UTC().Format(time.RFC3339Nano))
}

func (r *ConflictResolver) resolveFirstWriteWins(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	// A delete participating in the conflict is always the honored first
	// write, regardless of wall clocks.
	for _, ch := range rec.Changes {
		if ch.Deleted {
			res.WinningDevice = ch.DeviceID
			res.DeleteEntity = true
			res.Apply = true
			trail.add("delete from device %s honored; update discarded", ch.DeviceID)
			return
		}
	}

	winner := rec.Changes[0]
	for _, ch := range rec.Changes[1:] {
		if ch.Timestamp.Before(winner.Timestamp) ||
			(ch.Timestamp.Equal(winner.Timestamp) && ch.DeviceID < winner.DeviceID) {
			winner = ch
		}
	}
	r.declareWinner(res, winner, trail, "first write at %s wins", winner.Timestamp.UTC().Format(time.RFC3339Nano))
}

// roleRank orders workforce roles for the scheduling business rule.
var roleRank = map[string]int{
	"manager":    3,
	"supervisor": 2,
	"employee":   1,
}

func (r *ConflictResolver) resolveBusinessRule(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	// Rule 1: for scheduling entities, a manager-attributed change
	// overrides an employee-attributed one.
	best, bestRank, unique := DeviceChange{}, 0, false
	for _, ch := range rec.Changes {
		rank := roleRank[strings.ToLower(ch.Role)]
		switch {
		case rank > bestRank:
			best, bestRank, unique = ch, rank, true
		case rank == bestRank && rank > 0:
			unique = false
		}
	}
	if bestRank > 0 && unique {
		r.declareWinner(res, best, trail, "role %q outranks competing changes", best.Role)
		return
	}

	// Rule 2: for approval-state entities, an approved status takes
	// precedence over any pending/other value.
	var approved []DeviceChange
	for _, ch := range rec.Changes {
		if status, ok := ch.Payload["status"].(string); ok && strings.EqualFold(status, "approved") {
			approved = append(approved, ch)
		}
	}
	if len(approved) == 1 {
		r.declareWinner(res, approved[0], trail, "approved status takes precedence")
		return
	}

	trail.add("no business rule distinguishes the changes")
	res.RequiresUserIntervention = true
}

func (r *ConflictResolver) resolveThreeWayMerge(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	base := rec.Base
	merged := make(map[string]any)
	var unresolved []string

	for _, field := range mergeFieldSet(base, rec.Changes) {
		baseValue, baseHas := base[field]

		// Distinct values proposed for this field, in deterministic order.
		type proposal struct {
			device string
			value  any
		}
		var divergent []proposal
		seen := make(map[string]struct{})
		agreed := true
		var agreedValue any
		first := true
		for _, ch := range rec.Changes {
			value, has := ch.Payload[field]
			if !has {
				if !baseHas {
					// The change never saw this field and has no base for
					// it; it holds no opinion.
					continue
				}
				// Device did not touch the field; it implicitly proposes
				// the base value.
				value = baseValue
			}
			key := canonicalValue(value)
			if first {
				agreedValue, first = value, false
			} else if key != canonicalValue(agreedValue) {
				agreed = false
			}
			if !baseHas || key != canonicalValue(baseValue) {
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					divergent = append(divergent, proposal{device: ch.DeviceID, value: value})
				}
			}
		}

		switch {
		case agreed:
			merged[field] = agreedValue
		case len(divergent) == 1:
			// Exactly one device diverged from the common base.
			merged[field] = divergent[0].value
			trail.add("field %q: took device %s's divergent value", field, divergent[0].device)
		default:
			if len(divergent) == 2 {
				if avg, ok := numericAverage(divergent[0].value, divergent[1].value); ok {
					merged[field] = avg
					trail.add("field %q: numeric divergence averaged", field)
					break
				}
			}
			// Non-numeric divergence has no safe automatic answer. The
			// concatenated placeholder stays in the audit trail for review;
			// the merge is handed to a human instead of being committed.
			parts := make([]string, 0, len(divergent))
			for _, p := range divergent {
				parts = append(parts, fmt.Sprintf("%v", p.value))
			}
			trail.add("field %q: divergent values [%s] need human review", field, strings.Join(parts, " | "))
			if baseHas {
				merged[field] = baseValue
			}
			unresolved = append(unresolved, field)
		}
	}

	res.MergedValue = merged
	if len(unresolved) > 0 {
		res.RequiresUserIntervention = true
		trail.add("merge left %d field(s) unresolved: %s", len(unresolved), strings.Join(unresolved, ", "))
		return
	}
	res.Apply = true
	trail.add("three-way merge produced a complete result")
}

func (r *ConflictResolver) resolveHighestPriority(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	winner, bestPriority, found := DeviceChange{}, 0.0, false
	for _, ch := range rec.Changes {
		priority, ok := numericField(ch.Payload, "priority")
		if !ok {
			continue
		}
		if !found || priority > bestPriority ||
			(priority == bestPriority && ch.Timestamp.After(winner.Timestamp)) {
			winner, bestPriority, found = ch, priority, true
		}
	}
	if !found {
		// No change carries a priority; fall back to wall-clock ordering.
		trail.add("no priority field present; falling back to last write wins")
		r.resolveLastWriteWins(rec, res, trail)
		return
	}
	r.declareWinner(res, winner, trail, "priority %v wins", bestPriority)
}

func (r *ConflictResolver) resolveUserChoice(rec *ConflictRecord, res *ResolutionResult, trail *auditTrail) {
	trail.add("user choice strategy; surfacing competing values")
	res.RequiresUserIntervention = true
}

func (r *ConflictResolver) declareWinner(res *ResolutionResult, winner DeviceChange, trail *auditTrail, format string, args ...any) {
	res.WinningDevice = winner.DeviceID
	res.MergedValue = winner.Payload
	res.DeleteEntity = winner.Deleted
	res.Apply = true
	trail.add("device %s wins: "+format, append([]any{winner.DeviceID}, args...)...)
}

// auditTrail accumulates timestamped action strings for the resolution
// result.
type auditTrail struct {
	entries []string
	now     func() time.Time
}

func newAuditTrail(now func() time.Time) *auditTrail {
	return &auditTrail{now: now}
}

func (t *auditTrail) add(format string, args ...any) {
	t.entries = append(t.entries, t.now().UTC().Format(time.RFC3339Nano)+" "+fmt.Sprintf(format, args...))
}

func mergedClock(changes []DeviceChange) VectorClock {
	clock := NewVectorClock()
	for _, ch := range changes {
		clock.Merge(ch.Clock)
	}
	return clock
}

func competingValues(changes []DeviceChange) map[string]map[string]any {
	values := make(map[string]map[string]any, len(changes))
	for _, ch := range changes {
		values[ch.DeviceID] = ch.Payload
	}
	return values
}

func rolesDiffer(changes []DeviceChange) bool {
	seen := ""
	for _, ch := range changes {
		role := strings.ToLower(ch.Role)
		if role == "" {
			continue
		}
		if seen == "" {
			seen = role
		} else if role != seen {
			return true
		}
	}
	return false
}

func anyHasField(changes []DeviceChange, field string) bool {
	for _, ch := range changes {
		if _, ok := ch.Payload[field]; ok {
			return true
		}
	}
	return false
}

func payloadsAgree(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for field, value := range a {
		other, ok := b[field]
		if !ok || canonicalValue(value) != canonicalValue(other) {
			return false
		}
	}
	return true
}

// mergeFieldSet returns the union of field names across the base and every
// change, sorted for deterministic iteration.
func mergeFieldSet(base map[string]any, changes []DeviceChange) []string {
	seen := make(map[string]struct{}, len(base))
	for field := range base {
		seen[field] = struct{}{}
	}
	for _, ch := range changes {
		for field := range ch.Payload {
			seen[field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func numericField(payload map[string]any, field string) (float64, bool) {
	switch v := payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func numericAverage(a, b any) (float64, bool) {
	av, aok := asFloat(a)
	bv, bok := asFloat(b)
	if !aok || !bok {
		return 0, false
	}
	return (av + bv) / 2, true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
