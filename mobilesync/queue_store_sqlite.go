// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteQueueStore is a durable QueueStore on a local SQLite database. It
// keeps a device's backlog across process restarts, the same way the mobile
// clients keep their local change logs.
type SQLiteQueueStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialize writes to avoid SQLite locking issues
}

// OpenSQLiteQueueStore opens (or creates) the queue database at path.
func OpenSQLiteQueueStore(path string) (*SQLiteQueueStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS _offline_op (
		operation_id  TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		device_id     TEXT NOT NULL,
		kind          TEXT NOT NULL,
		entity_type   TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		payload       TEXT,
		priority      INTEGER NOT NULL,
		strategy      INTEGER NOT NULL,
		base_version  INTEGER NOT NULL,
		base_payload  TEXT,
		vector_clock  TEXT,
		checksum      TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_retry_at INTEGER NOT NULL DEFAULT 0,
		size_bytes    INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS _offline_op_device_idx
		ON _offline_op (user_id, device_id, priority, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue index: %w", err)
	}

	return &SQLiteQueueStore{db: db}, nil
}

func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteQueueStore) Append(op *OfflineOperation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payloadJSON, baseJSON, clockJSON, err := encodeOpJSON(op)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO _offline_op
			(operation_id, user_id, device_id, kind, entity_type, entity_id, payload,
			 priority, strategy, base_version, base_payload, vector_clock, checksum,
			 created_at, retry_count, last_retry_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.UserID, op.DeviceID, op.Kind, op.EntityType, op.EntityID,
		payloadJSON, int(op.Priority), int(op.Strategy), op.BaseVersion, baseJSON, clockJSON,
		op.Checksum, op.CreatedAt.UnixNano(), op.RetryCount, unixOrZero(op.LastRetryAt), op.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) List(userID, deviceID string) ([]*OfflineOperation, error) {
	rows, err := s.db.Query(`
		SELECT operation_id, user_id, device_id, kind, entity_type, entity_id, payload,
		       priority, strategy, base_version, base_payload, vector_clock, checksum,
		       created_at, retry_count, last_retry_at, size_bytes
		FROM _offline_op
		WHERE user_id = ? AND device_id = ?
		ORDER BY priority, created_at`,
		userID, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*OfflineOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteQueueStore) Update(op *OfflineOperation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`
		UPDATE _offline_op SET retry_count = ?, last_retry_at = ?
		WHERE operation_id = ?`,
		op.RetryCount, unixOrZero(op.LastRetryAt), op.OperationID,
	)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

func (s *SQLiteQueueStore) Remove(userID, deviceID, operationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM _offline_op
		WHERE user_id = ? AND device_id = ? AND operation_id = ?`,
		userID, deviceID, operationID,
	)
	if err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) Stats(userID, deviceID string) (int, int64, time.Time, error) {
	var (
		count  int
		bytes  sql.NullInt64
		oldest sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(created_at)
		FROM _offline_op WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	).Scan(&count, &bytes, &oldest)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("queue stats: %w", err)
	}
	var oldestTime time.Time
	if oldest.Valid && count > 0 {
		oldestTime = time.Unix(0, oldest.Int64)
	}
	return count, bytes.Int64, oldestTime, nil
}

func (s *SQLiteQueueStore) TotalCount() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM _offline_op`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue total count: %w", err)
	}
	return count, nil
}

func (s *SQLiteQueueStore) EvictBefore(userID, deviceID string, priority Priority, cutoff time.Time) (int, int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		count int
		bytes sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM _offline_op
		WHERE user_id = ? AND device_id = ? AND priority >= ? AND created_at < ?`,
		userID, deviceID, int(priority), cutoff.UnixNano(),
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("eviction candidates: %w", err)
	}
	if count == 0 {
		return 0, 0, nil
	}
	_, err = s.db.Exec(`
		DELETE FROM _offline_op
		WHERE user_id = ? AND device_id = ? AND priority >= ? AND created_at < ?`,
		userID, deviceID, int(priority), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("evict operations: %w", err)
	}
	return count, bytes.Int64, nil
}

func (s *SQLiteQueueStore) SweepExpired(cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`DELETE FROM _offline_op WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	removed, _ := result.RowsAffected()
	return int(removed), nil
}

func encodeOpJSON(op *OfflineOperation) (payloadJSON, baseJSON, clockJSON []byte, err error) {
	if op.Payload != nil {
		payloadJSON, err = json.Marshal(op.Payload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	if op.BasePayload != nil {
		baseJSON, err = json.Marshal(op.BasePayload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode base payload: %w", err)
		}
	}
	if op.Clock != nil {
		clockJSON, err = json.Marshal(op.Clock)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode vector clock: %w", err)
		}
	}
	return payloadJSON, baseJSON, clockJSON, nil
}

func scanOperation(rows *sql.Rows) (*OfflineOperation, error) {
	var (
		op                               OfflineOperation
		payloadJSON, baseJSON, clockJSON sql.NullString
		priority, strategy               int
		createdAt, lastRetryAt           int64
	)
	err := rows.Scan(&op.OperationID, &op.UserID, &op.DeviceID, &op.Kind,
		&op.EntityType, &op.EntityID, &payloadJSON, &priority, &strategy,
		&op.BaseVersion, &baseJSON, &clockJSON, &op.Checksum, &createdAt,
		&op.RetryCount, &lastRetryAt, &op.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	op.Priority = Priority(priority)
	op.Strategy = ResolutionStrategy(strategy)
	op.CreatedAt = time.Unix(0, createdAt)
	if lastRetryAt > 0 {
		op.LastRetryAt = time.Unix(0, lastRetryAt)
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &op.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if baseJSON.Valid && baseJSON.String != "" {
		if err := json.Unmarshal([]byte(baseJSON.String), &op.BasePayload); err != nil {
			return nil, fmt.Errorf("decode base payload: %w", err)
		}
	}
	if clockJSON.Valid && clockJSON.String != "" {
		if err := json.Unmarshal([]byte(clockJSON.String), &op.Clock); err != nil {
			return nil, fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return &op, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
