// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import "fmt"

// Operation constants for offline operations
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Priority orders offline operations. Lower numeric value syncs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a wire-level priority name to a Priority.
// Unknown names map to PriorityNormal.
func ParsePriority(name string) Priority {
	for p, n := range priorityNames {
		if n == name {
			return p
		}
	}
	return PriorityNormal
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	*p = ParsePriority(s)
	return nil
}

// ConflictKind classifies a detected conflict.
type ConflictKind int

const (
	ConflictConcurrentUpdate ConflictKind = iota
	ConflictDeleteUpdate
	ConflictConstraintViolation
	ConflictBusinessRule
	ConflictDependency
)

var conflictKindNames = map[ConflictKind]string{
	ConflictConcurrentUpdate:    "concurrent_update",
	ConflictDeleteUpdate:        "delete_update",
	ConflictConstraintViolation: "constraint_violation",
	ConflictBusinessRule:        "business_rule",
	ConflictDependency:          "dependency",
}

func (k ConflictKind) String() string {
	if name, ok := conflictKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("conflict_kind(%d)", int(k))
}

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy int

const (
	// StrategyAuto defers to kind- and entity-type-based selection.
	StrategyAuto ResolutionStrategy = iota
	StrategyLastWriteWins
	StrategyFirstWriteWins
	StrategyThreeWayMerge
	StrategyBusinessRule
	StrategyHighestPriority
	StrategyUserChoice
)

var strategyNames = map[ResolutionStrategy]string{
	StrategyAuto:            "auto",
	StrategyLastWriteWins:   "last_write_wins",
	StrategyFirstWriteWins:  "first_write_wins",
	StrategyThreeWayMerge:   "three_way_merge",
	StrategyBusinessRule:    "business_rule",
	StrategyHighestPriority: "highest_priority",
	StrategyUserChoice:      "user_choice",
}

func (s ResolutionStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy converts a wire-level strategy name to a ResolutionStrategy.
// Empty and unknown names map to StrategyAuto.
func ParseStrategy(name string) ResolutionStrategy {
	for s, n := range strategyNames {
		if n == name {
			return s
		}
	}
	return StrategyAuto
}

// Network kind constants reported by mobile clients
const (
	NetworkWifi     = "wifi"
	NetworkCellular = "cellular"
	NetworkMetered  = "metered"
	NetworkOffline  = "offline"
)

// Sync mode constants for sync requests
const (
	SyncModeFull        = "full"
	SyncModeIncremental = "incremental"
	SyncModeOfflineOnly = "offline_only"
)

// Delta kind constants for delta payloads
const (
	DeltaKindFull        = "full"
	DeltaKindIncremental = "incremental"
)

// Status constants for per-operation sync outcomes
const (
	StSynced   = "synced"
	StPending  = "pending"
	StConflict = "conflict"
	StFailed   = "failed"
)

// Entity type constants for the workforce domain
const (
	EntityTypeSchedule     = "schedule"
	EntityTypeRequest      = "request"
	EntityTypeNotification = "notification"
)
