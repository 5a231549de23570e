// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryBackoffSchedule delays retried offline operations: 1m, 5m, 15m, 1h.
// Retry counts past the end of the schedule stay at the last entry.
var retryBackoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// backoffDelay returns the delay before retry number retryCount (1-based).
func backoffDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	if retryCount > len(retryBackoffSchedule) {
		return retryBackoffSchedule[len(retryBackoffSchedule)-1]
	}
	return retryBackoffSchedule[retryCount-1]
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// isTransientBackendError classifies errors that should be retried with
// backoff rather than failing an operation permanently.
func isTransientBackendError(err error) bool {
	if errors.Is(err, ErrTransientBackend) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isRetryablePGTxError(err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
