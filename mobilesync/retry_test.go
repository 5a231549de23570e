// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_FollowsSchedule(t *testing.T) {
	require.Equal(t, time.Duration(0), backoffDelay(0))
	require.Equal(t, time.Minute, backoffDelay(1))
	require.Equal(t, 5*time.Minute, backoffDelay(2))
	require.Equal(t, 15*time.Minute, backoffDelay(3))
	require.Equal(t, time.Hour, backoffDelay(4))

	// Counts past the schedule stay at the last entry
	require.Equal(t, time.Hour, backoffDelay(5))
	require.Equal(t, time.Hour, backoffDelay(100))
}

func TestIsTransientBackendError_Classification(t *testing.T) {
	require.True(t, isTransientBackendError(ErrTransientBackend))
	require.True(t, isTransientBackendError(fmt.Errorf("sync: %w", ErrTransientBackend)))
	require.True(t, isTransientBackendError(context.DeadlineExceeded))
	require.True(t, isTransientBackendError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isTransientBackendError(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isTransientBackendError(&pgconn.PgError{Code: "55P03"}))

	require.False(t, isTransientBackendError(errors.New("schema violation")))
	require.False(t, isTransientBackendError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isTransientBackendError(ErrStaleVersion))
	require.False(t, isTransientBackendError(ErrCapacityExceeded))
}

func TestSleepWithContext_CancelledContextReturnsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, sleepWithContext(context.Background(), 0))
}
