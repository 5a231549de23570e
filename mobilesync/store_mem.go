// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemChangeSource is an in-memory ChangeSource used by unit tests and local
// development. It mirrors the Postgres implementation's semantics: version
// checked writes, an idempotency gate on operation ids, tombstone logging
// and per-entity locking.
type MemChangeSource struct {
	mu        sync.Mutex
	rows      map[string]map[string]*EntityRow // user -> type:id -> row
	deletions map[string][]EntityDeletion      // user -> tombstones
	applied   map[string]map[string]int64      // user -> operation id -> version
	syncState map[string]*DeviceSyncState      // user:device -> state

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewMemChangeSource creates an empty in-memory change source.
func NewMemChangeSource() *MemChangeSource {
	return &MemChangeSource{
		rows:      make(map[string]map[string]*EntityRow),
		deletions: make(map[string][]EntityDeletion),
		applied:   make(map[string]map[string]int64),
		syncState: make(map[string]*DeviceSyncState),
		locks:     make(map[string]*sync.Mutex),
	}
}

func entityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

func (s *MemChangeSource) Ping(ctx context.Context) error { return nil }

func (s *MemChangeSource) ChangedSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var result []EntityRow
	for _, row := range s.rows[userID] {
		if row.EntityType != entityType || row.Deleted {
			continue
		}
		if row.UpdatedAt.After(since) {
			result = append(result, *cloneRow(row))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].EntityID < result[j].EntityID
		}
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemChangeSource) DeletionsSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityDeletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var result []EntityDeletion
	for _, d := range s.deletions[userID] {
		if d.EntityType == entityType && d.DeletedAt.After(since) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeletedAt.Before(result[j].DeletedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemChangeSource) Get(ctx context.Context, userID, entityType, entityID string) (*EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[userID][entityKey(entityType, entityID)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return cloneRow(row), nil
}

func (s *MemChangeSource) ApplyChange(ctx context.Context, op *OfflineOperation, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[op.UserID] == nil {
		s.applied[op.UserID] = make(map[string]int64)
	}
	if ver, ok := s.applied[op.UserID][op.OperationID]; ok {
		return ver, nil // already applied
	}

	if s.rows[op.UserID] == nil {
		s.rows[op.UserID] = make(map[string]*EntityRow)
	}
	key := entityKey(op.EntityType, op.EntityID)
	row := s.rows[op.UserID][key]

	var newVersion int64
	switch op.Kind {
	case OpCreate:
		if row != nil {
			return 0, ErrStaleVersion
		}
		s.rows[op.UserID][key] = &EntityRow{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Payload:    clonePayload(op.Payload),
			Version:    1,
			Clock:      op.Clock.Clone(),
			UpdatedAt:  time.Now(),
		}
		newVersion = 1

	case OpUpdate:
		if row == nil || row.Version != expectedVersion {
			return 0, ErrStaleVersion
		}
		if row.Payload == nil {
			row.Payload = make(map[string]any)
		}
		for k, v := range op.Payload {
			row.Payload[k] = v
		}
		row.Version++
		row.Deleted = false
		row.Clock = op.Clock.Clone()
		row.UpdatedAt = time.Now()
		newVersion = row.Version

	case OpDelete:
		if row == nil || row.Version != expectedVersion {
			return 0, ErrStaleVersion
		}
		row.Deleted = true
		row.Version++
		row.Clock = op.Clock.Clone()
		row.UpdatedAt = time.Now()
		s.deletions[op.UserID] = append(s.deletions[op.UserID], EntityDeletion{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			DeletedAt:  time.Now(),
		})
		newVersion = row.Version
	}

	s.applied[op.UserID][op.OperationID] = newVersion
	return newVersion, nil
}

func (s *MemChangeSource) PutResolved(ctx context.Context, userID, entityType, entityID string, payload map[string]any, clock VectorClock) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows[userID] == nil {
		s.rows[userID] = make(map[string]*EntityRow)
	}
	key := entityKey(entityType, entityID)
	row := s.rows[userID][key]
	if row == nil {
		row = &EntityRow{EntityType: entityType, EntityID: entityID}
		s.rows[userID][key] = row
	}
	row.Payload = clonePayload(payload)
	row.Version++
	row.Deleted = false
	row.Clock = clock.Clone()
	row.UpdatedAt = time.Now()
	return row.Version, nil
}

func (s *MemChangeSource) WithEntityLock(ctx context.Context, entityType, entityID string, fn func(ctx context.Context) error) error {
	s.locksMu.Lock()
	key := entityKey(entityType, entityID)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemChangeSource) SaveSyncState(ctx context.Context, state *DeviceSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := state.UserID + ":" + state.DeviceID
	copied := *state
	if prev, ok := s.syncState[key]; ok {
		copied.SyncVersion = prev.SyncVersion + 1
	}
	copied.UpdatedAt = time.Now()
	s.syncState[key] = &copied
	return nil
}

func (s *MemChangeSource) GetSyncState(ctx context.Context, userID, deviceID string) (*DeviceSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.syncState[userID+":"+deviceID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	copied := *state
	return &copied, nil
}

func cloneRow(row *EntityRow) *EntityRow {
	copied := *row
	copied.Payload = clonePayload(row.Payload)
	copied.Clock = row.Clock.Clone()
	return &copied
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return copied
}
