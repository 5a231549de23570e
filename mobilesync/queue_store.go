// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"sort"
	"sync"
	"time"
)

// QueueStore persists a device session's offline operations. It holds and
// orders data; eviction and scheduling policy live in the QueueManager.
type QueueStore interface {
	// Append stores a new operation.
	Append(op *OfflineOperation) error

	// List returns a device's operations ordered by (priority, created-at).
	List(userID, deviceID string) ([]*OfflineOperation, error)

	// Update rewrites an operation's mutable fields (retry bookkeeping).
	Update(op *OfflineOperation) error

	// Remove deletes one operation; removing a missing operation is a no-op.
	Remove(userID, deviceID, operationID string) error

	// Stats returns the device's operation count, total bytes and oldest
	// creation time (zero when empty).
	Stats(userID, deviceID string) (count int, bytes int64, oldest time.Time, err error)

	// TotalCount returns the number of queued operations across all devices.
	TotalCount() (int, error)

	// EvictBefore removes operations at or below the given priority created
	// before the cutoff, returning how many operations and bytes it freed.
	EvictBefore(userID, deviceID string, priority Priority, cutoff time.Time) (int, int64, error)

	// SweepExpired removes operations older than the cutoff across all
	// devices, regardless of priority.
	SweepExpired(cutoff time.Time) (int, error)

	Close() error
}

// MemQueueStore is the in-memory QueueStore used in tests and for deployments
// that accept losing the backlog on restart (the protocol re-derives state
// with a full sync).
type MemQueueStore struct {
	mu  sync.Mutex
	ops map[string][]*OfflineOperation // user:device -> operations
}

// NewMemQueueStore creates an empty in-memory queue store.
func NewMemQueueStore() *MemQueueStore {
	return &MemQueueStore{ops: make(map[string][]*OfflineOperation)}
}

func queueKey(userID, deviceID string) string {
	return userID + ":" + deviceID
}

func (s *MemQueueStore) Append(op *OfflineOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *op
	key := queueKey(op.UserID, op.DeviceID)
	s.ops[key] = append(s.ops[key], &copied)
	return nil
}

func (s *MemQueueStore) List(userID, deviceID string) ([]*OfflineOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.ops[queueKey(userID, deviceID)]
	result := make([]*OfflineOperation, len(ops))
	for i, op := range ops {
		copied := *op
		result[i] = &copied
	}
	sortOperations(result)
	return result, nil
}

func (s *MemQueueStore) Update(op *OfflineOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.ops[queueKey(op.UserID, op.DeviceID)] {
		if existing.OperationID == op.OperationID {
			copied := *op
			s.ops[queueKey(op.UserID, op.DeviceID)][i] = &copied
			return nil
		}
	}
	return ErrEntityNotFound
}

func (s *MemQueueStore) Remove(userID, deviceID, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := queueKey(userID, deviceID)
	ops := s.ops[key]
	for i, op := range ops {
		if op.OperationID == operationID {
			s.ops[key] = append(ops[:i], ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemQueueStore) Stats(userID, deviceID string) (int, int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		bytes  int64
		oldest time.Time
	)
	ops := s.ops[queueKey(userID, deviceID)]
	for _, op := range ops {
		bytes += op.SizeBytes
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	return len(ops), bytes, oldest, nil
}

func (s *MemQueueStore) TotalCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, ops := range s.ops {
		total += len(ops)
	}
	return total, nil
}

func (s *MemQueueStore) EvictBefore(userID, deviceID string, priority Priority, cutoff time.Time) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := queueKey(userID, deviceID)
	var (
		kept       []*OfflineOperation
		freedOps   int
		freedBytes int64
	)
	for _, op := range s.ops[key] {
		if op.Priority >= priority && op.CreatedAt.Before(cutoff) {
			freedOps++
			freedBytes += op.SizeBytes
			continue
		}
		kept = append(kept, op)
	}
	s.ops[key] = kept
	return freedOps, freedBytes, nil
}

func (s *MemQueueStore) SweepExpired(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ops := range s.ops {
		var kept []*OfflineOperation
		for _, op := range ops {
			if op.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, op)
		}
		s.ops[key] = kept
	}
	return removed, nil
}

func (s *MemQueueStore) Close() error { return nil }

// sortOperations orders by priority (CRITICAL first) then creation time.
func sortOperations(ops []*OfflineOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}
