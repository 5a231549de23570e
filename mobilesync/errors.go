// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import "errors"

// Error taxonomy for the sync subsystem. Callers are expected to test with
// errors.Is after unwrapping.
var (
	// ErrCapacityExceeded: queue is full and eviction could not free enough
	// room. Surfaced to the caller; the operation is not enqueued.
	ErrCapacityExceeded = errors.New("offline queue capacity exceeded")

	// ErrStaleVersion: a version-checked write lost the race. Recovered
	// locally by routing into the conflict resolver; never surfaced raw.
	ErrStaleVersion = errors.New("stale entity version")

	// ErrUnresolvableConflict: no strategy produced a confident result.
	// Surfaced as requires_user_intervention; the operation stays pending.
	ErrUnresolvableConflict = errors.New("conflict requires user intervention")

	// ErrTransientBackend: the change source is unreachable. Retried with
	// backoff, then surfaced as failed-but-requeued.
	ErrTransientBackend = errors.New("transient backend failure")

	// ErrCorruptPayload: checksum mismatch on a received payload. Forces a
	// fallback full resync; a corrupt payload is never partially applied.
	ErrCorruptPayload = errors.New("corrupt payload checksum")

	// ErrEntityNotFound: the change source holds no row for the entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrSyncClosed: the component has been shut down.
	ErrSyncClosed = errors.New("sync subsystem has been closed")
)
