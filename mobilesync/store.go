// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeSource is the authoritative store for entity data. It is shared by
// all devices and mutated only through the queue manager and the conflict
// resolver. Every write is version-checked; a stale expected version fails
// with ErrStaleVersion, which is the conflict signal consumed by the
// resolver.
type ChangeSource interface {
	// ChangedSince returns rows of one entity type changed after since,
	// newest last, bounded by limit. A zero since returns everything.
	ChangedSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityRow, error)

	// DeletionsSince returns tombstones recorded after since, bounded by limit.
	DeletionsSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityDeletion, error)

	// Get returns the current row, or ErrEntityNotFound.
	Get(ctx context.Context, userID, entityType, entityID string) (*EntityRow, error)

	// ApplyChange applies one offline operation when the entity's current
	// version equals expectedVersion, returning the new version. Re-applying
	// an operation that already went through is idempotent and succeeds with
	// the previously assigned version.
	ApplyChange(ctx context.Context, op *OfflineOperation, expectedVersion int64) (int64, error)

	// PutResolved commits a resolver-approved state regardless of the
	// current version. Callers must hold the entity lock.
	PutResolved(ctx context.Context, userID, entityType, entityID string, payload map[string]any, clock VectorClock) (int64, error)

	// WithEntityLock runs fn under per-entity mutual exclusion so version
	// comparisons stay race-free across concurrent sync rounds.
	WithEntityLock(ctx context.Context, entityType, entityID string, fn func(ctx context.Context) error) error

	// SaveSyncState upserts the device's sync state record.
	SaveSyncState(ctx context.Context, state *DeviceSyncState) error

	// GetSyncState returns the device's sync state, or ErrEntityNotFound.
	GetSyncState(ctx context.Context, userID, deviceID string) (*DeviceSyncState, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// PgChangeSource implements ChangeSource against PostgreSQL.
type PgChangeSource struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgChangeSource creates the Postgres change source and initializes its
// schema. It fails when the database is unreachable; the subsystem refuses
// to start without its backing store.
func NewPgChangeSource(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgChangeSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgChangeSource{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize change source schema: %w", err)
	}
	return s, nil
}

func (s *PgChangeSource) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for all sync bookkeeping
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Authoritative entity rows with per-entity versioning
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.entity_row (
			user_id      TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL,
			entity_id    TEXT        NOT NULL,
			payload      JSONB,
			version      BIGINT      NOT NULL DEFAULT 0,
			deleted      BOOLEAN     NOT NULL DEFAULT FALSE,
			vector_clock JSONB       NOT NULL DEFAULT '{}'::jsonb,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entity_row_changed_idx
			ON sync.entity_row (user_id, entity_type, updated_at)`,

		// 2) Deletion log (bounded tombstone window for incremental syncs)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.deletion_log (
			user_id     TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			deleted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id, deleted_at)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS deletion_log_since_idx
			ON sync.deletion_log (user_id, entity_type, deleted_at)`,

		// 3) Idempotency gate: one row per applied operation
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.applied_op (
			user_id      TEXT        NOT NULL,
			operation_id UUID        NOT NULL,
			new_version  BIGINT      NOT NULL,
			applied_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, operation_id)
		)`,

		// 4) One live sync-state record per (user, device)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.device_sync_state (
			user_id         TEXT        NOT NULL,
			device_id       TEXT        NOT NULL,
			last_sync_at    TIMESTAMPTZ NOT NULL,
			last_checksum   TEXT        NOT NULL DEFAULT '',
			pending_changes INT         NOT NULL DEFAULT 0,
			queue_size      INT         NOT NULL DEFAULT 0,
			sync_version    BIGINT      NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PgChangeSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgChangeSource) ChangedSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, payload, version, deleted, vector_clock, updated_at
		FROM sync.entity_row
		WHERE user_id = @user_id AND entity_type = @entity_type
		  AND updated_at > @since AND NOT deleted
		ORDER BY updated_at, entity_id
		LIMIT @limit`,
		pgx.NamedArgs{"user_id": userID, "entity_type": entityType, "since": since, "limit": limit},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch changed rows: %v", ErrTransientBackend, err)
	}
	defer rows.Close()

	var result []EntityRow
	for rows.Next() {
		var (
			row          EntityRow
			payloadJSON  []byte
			clockJSON    []byte
		)
		if err := rows.Scan(&row.EntityType, &row.EntityID, &payloadJSON, &row.Version, &row.Deleted, &clockJSON, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan changed row: %w", err)
		}
		if err := decodeRowJSON(payloadJSON, clockJSON, &row); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *PgChangeSource) DeletionsSince(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]EntityDeletion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, deleted_at
		FROM sync.deletion_log
		WHERE user_id = @user_id AND entity_type = @entity_type AND deleted_at > @since
		ORDER BY deleted_at
		LIMIT @limit`,
		pgx.NamedArgs{"user_id": userID, "entity_type": entityType, "since": since, "limit": limit},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch deletion log: %v", ErrTransientBackend, err)
	}
	defer rows.Close()

	var result []EntityDeletion
	for rows.Next() {
		var d EntityDeletion
		if err := rows.Scan(&d.EntityType, &d.EntityID, &d.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PgChangeSource) Get(ctx context.Context, userID, entityType, entityID string) (*EntityRow, error) {
	var (
		row         EntityRow
		payloadJSON []byte
		clockJSON   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT entity_type, entity_id, payload, version, deleted, vector_clock, updated_at
		FROM sync.entity_row
		WHERE user_id = @user_id AND entity_type = @entity_type AND entity_id = @entity_id`,
		pgx.NamedArgs{"user_id": userID, "entity_type": entityType, "entity_id": entityID},
	).Scan(&row.EntityType, &row.EntityID, &payloadJSON, &row.Version, &row.Deleted, &clockJSON, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch entity: %v", ErrTransientBackend, err)
	}
	if err := decodeRowJSON(payloadJSON, clockJSON, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ApplyChange applies one operation inside a transaction with an insert-first
// idempotency gate: replayed operations succeed with their original version
// instead of tripping the version check.
func (s *PgChangeSource) ApplyChange(ctx context.Context, op *OfflineOperation, expectedVersion int64) (int64, error) {
	var newVersion int64

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		// Idempotency gate first: a replayed operation id short-circuits.
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync.applied_op (user_id, operation_id, new_version)
			VALUES (@user_id, @operation_id, 0)
			ON CONFLICT (user_id, operation_id) DO NOTHING`,
			pgx.NamedArgs{"user_id": op.UserID, "operation_id": op.OperationID},
		)
		if err != nil {
			return fmt.Errorf("idempotency gate: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return tx.QueryRow(ctx, `
				SELECT new_version FROM sync.applied_op
				WHERE user_id = @user_id AND operation_id = @operation_id`,
				pgx.NamedArgs{"user_id": op.UserID, "operation_id": op.OperationID},
			).Scan(&newVersion)
		}

		newVersion, err = s.applyInTx(ctx, tx, op, expectedVersion)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE sync.applied_op SET new_version = @version
			WHERE user_id = @user_id AND operation_id = @operation_id`,
			pgx.NamedArgs{"user_id": op.UserID, "operation_id": op.OperationID, "version": newVersion},
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return 0, err
		}
		if isRetryablePGTxError(err) {
			return 0, fmt.Errorf("%w: apply change: %v", ErrTransientBackend, err)
		}
		return 0, err
	}
	return newVersion, nil
}

func (s *PgChangeSource) applyInTx(ctx context.Context, tx pgx.Tx, op *OfflineOperation, expectedVersion int64) (int64, error) {
	clockJSON, err := json.Marshal(op.Clock)
	if err != nil {
		return 0, fmt.Errorf("encode vector clock: %w", err)
	}

	switch op.Kind {
	case OpCreate:
		payloadJSON, err := json.Marshal(op.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync.entity_row (user_id, entity_type, entity_id, payload, version, vector_clock, updated_at)
			VALUES (@user_id, @entity_type, @entity_id, @payload, 1, @clock, now())
			ON CONFLICT (user_id, entity_type, entity_id) DO NOTHING`,
			pgx.NamedArgs{
				"user_id": op.UserID, "entity_type": op.EntityType, "entity_id": op.EntityID,
				"payload": payloadJSON, "clock": clockJSON,
			},
		)
		if err != nil {
			return 0, fmt.Errorf("insert entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Row exists: a concurrent create is a version conflict.
			return 0, ErrStaleVersion
		}
		return 1, nil

	case OpUpdate:
		// Field delta merged into the stored payload; version check is the
		// conflict signal.
		payloadJSON, err := json.Marshal(op.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		var newVersion int64
		err = tx.QueryRow(ctx, `
			UPDATE sync.entity_row
			SET payload = COALESCE(payload, '{}'::jsonb) || @payload::jsonb,
			    version = version + 1,
			    vector_clock = @clock,
			    deleted = FALSE,
			    updated_at = now()
			WHERE user_id = @user_id AND entity_type = @entity_type AND entity_id = @entity_id
			  AND version = @expected
			RETURNING version`,
			pgx.NamedArgs{
				"user_id": op.UserID, "entity_type": op.EntityType, "entity_id": op.EntityID,
				"payload": payloadJSON, "clock": clockJSON, "expected": expectedVersion,
			},
		).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStaleVersion
		}
		if err != nil {
			return 0, fmt.Errorf("update entity: %w", err)
		}
		return newVersion, nil

	case OpDelete:
		var newVersion int64
		err := tx.QueryRow(ctx, `
			UPDATE sync.entity_row
			SET deleted = TRUE, version = version + 1, vector_clock = @clock, updated_at = now()
			WHERE user_id = @user_id AND entity_type = @entity_type AND entity_id = @entity_id
			  AND version = @expected
			RETURNING version`,
			pgx.NamedArgs{
				"user_id": op.UserID, "entity_type": op.EntityType, "entity_id": op.EntityID,
				"clock": clockJSON, "expected": expectedVersion,
			},
		).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStaleVersion
		}
		if err != nil {
			return 0, fmt.Errorf("delete entity: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync.deletion_log (user_id, entity_type, entity_id)
			VALUES (@user_id, @entity_type, @entity_id)`,
			pgx.NamedArgs{"user_id": op.UserID, "entity_type": op.EntityType, "entity_id": op.EntityID},
		)
		if err != nil {
			return 0, fmt.Errorf("record tombstone: %w", err)
		}
		return newVersion, nil

	default:
		return 0, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (s *PgChangeSource) PutResolved(ctx context.Context, userID, entityType, entityID string, payload map[string]any, clock VectorClock) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return 0, fmt.Errorf("encode vector clock: %w", err)
	}

	var newVersion int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sync.entity_row (user_id, entity_type, entity_id, payload, version, vector_clock, updated_at)
		VALUES (@user_id, @entity_type, @entity_id, @payload, 1, @clock, now())
		ON CONFLICT (user_id, entity_type, entity_id) DO UPDATE
		SET payload = @payload::jsonb,
		    version = sync.entity_row.version + 1,
		    vector_clock = @clock::jsonb,
		    deleted = FALSE,
		    updated_at = now()
		RETURNING version`,
		pgx.NamedArgs{
			"user_id": userID, "entity_type": entityType, "entity_id": entityID,
			"payload": payloadJSON, "clock": clockJSON,
		},
	).Scan(&newVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: put resolved: %v", ErrTransientBackend, err)
	}
	return newVersion, nil
}

// WithEntityLock serializes resolution on one entity via a session advisory
// lock held on a dedicated connection for the duration of fn.
func (s *PgChangeSource) WithEntityLock(ctx context.Context, entityType, entityID string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire lock connection: %v", ErrTransientBackend, err)
	}
	defer conn.Release()

	key := entityType + ":" + entityID
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended(@key, 0))`, pgx.NamedArgs{"key": key}); err != nil {
		return fmt.Errorf("%w: advisory lock: %v", ErrTransientBackend, err)
	}
	defer func() {
		// Unlock on a background context so a canceled round still releases.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended(@key, 0))`, pgx.NamedArgs{"key": key})
	}()

	return fn(ctx)
}

func (s *PgChangeSource) SaveSyncState(ctx context.Context, state *DeviceSyncState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.device_sync_state
			(user_id, device_id, last_sync_at, last_checksum, pending_changes, queue_size, sync_version, updated_at)
		VALUES (@user_id, @device_id, @last_sync_at, @last_checksum, @pending_changes, @queue_size, @sync_version, now())
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET last_sync_at = @last_sync_at,
		    last_checksum = @last_checksum,
		    pending_changes = @pending_changes,
		    queue_size = @queue_size,
		    sync_version = sync.device_sync_state.sync_version + 1,
		    updated_at = now()`,
		pgx.NamedArgs{
			"user_id": state.UserID, "device_id": state.DeviceID,
			"last_sync_at": state.LastSyncAt, "last_checksum": state.LastChecksum,
			"pending_changes": state.PendingChanges, "queue_size": state.QueueSize,
			"sync_version": state.SyncVersion,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: save sync state: %v", ErrTransientBackend, err)
	}
	return nil
}

func (s *PgChangeSource) GetSyncState(ctx context.Context, userID, deviceID string) (*DeviceSyncState, error) {
	var state DeviceSyncState
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, device_id, last_sync_at, last_checksum, pending_changes, queue_size, sync_version, updated_at
		FROM sync.device_sync_state
		WHERE user_id = @user_id AND device_id = @device_id`,
		pgx.NamedArgs{"user_id": userID, "device_id": deviceID},
	).Scan(&state.UserID, &state.DeviceID, &state.LastSyncAt, &state.LastChecksum,
		&state.PendingChanges, &state.QueueSize, &state.SyncVersion, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch sync state: %v", ErrTransientBackend, err)
	}
	return &state, nil
}

// ExpireSyncState drops sync-state records idle longer than ttl. Losing a
// record is safe: the next sync for that device falls back to full mode.
func (s *PgChangeSource) ExpireSyncState(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.device_sync_state WHERE updated_at < @cutoff`,
		pgx.NamedArgs{"cutoff": time.Now().Add(-ttl)},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: expire sync state: %v", ErrTransientBackend, err)
	}
	return tag.RowsAffected(), nil
}

func decodeRowJSON(payloadJSON, clockJSON []byte, row *EntityRow) error {
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &row.Payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(clockJSON) > 0 {
		if err := json.Unmarshal(clockJSON, &row.Clock); err != nil {
			return fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return nil
}
