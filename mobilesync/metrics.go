// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import "sync/atomic"

// Metrics accumulates process-wide sync counters. Lifecycle is tied to the
// process: counters reset only on restart and are exposed through the
// health query.
type Metrics struct {
	syncRounds        atomic.Int64
	syncFailures      atomic.Int64
	totalDurationMs   atomic.Int64
	conflictsResolved atomic.Int64
	conflictsManual   atomic.Int64
	bytesUploaded     atomic.Int64
	bytesDownloaded   atomic.Int64
	originalBytes     atomic.Int64
	compressedBytes   atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	opsSynced         atomic.Int64
	opsFailed         atomic.Int64
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	SyncRounds         int64
	SyncFailures       int64
	SuccessRate        float64
	AvgSyncTimeMs      float64
	ConflictsResolved  int64
	ConflictsManual    int64
	BytesUploaded      int64
	BytesDownloaded    int64
	CacheHitRate       float64
	DataReductionRatio float64
	OpsSynced          int64
	OpsFailed          int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordRound(durationMs int64, failed bool) {
	m.syncRounds.Add(1)
	m.totalDurationMs.Add(durationMs)
	if failed {
		m.syncFailures.Add(1)
	}
}

func (m *Metrics) RecordConflict(manual bool) {
	if manual {
		m.conflictsManual.Add(1)
		return
	}
	m.conflictsResolved.Add(1)
}

func (m *Metrics) RecordUpload(bytes int64, synced, failed int) {
	m.bytesUploaded.Add(bytes)
	m.opsSynced.Add(int64(synced))
	m.opsFailed.Add(int64(failed))
}

func (m *Metrics) RecordDownload(originalSize, transferredSize int) {
	m.bytesDownloaded.Add(int64(transferredSize))
	m.originalBytes.Add(int64(originalSize))
	m.compressedBytes.Add(int64(transferredSize))
}

func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.cacheHits.Add(1)
		return
	}
	m.cacheMisses.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SyncRounds:        m.syncRounds.Load(),
		SyncFailures:      m.syncFailures.Load(),
		ConflictsResolved: m.conflictsResolved.Load(),
		ConflictsManual:   m.conflictsManual.Load(),
		BytesUploaded:     m.bytesUploaded.Load(),
		BytesDownloaded:   m.bytesDownloaded.Load(),
		OpsSynced:         m.opsSynced.Load(),
		OpsFailed:         m.opsFailed.Load(),
	}
	if snap.SyncRounds > 0 {
		snap.SuccessRate = float64(snap.SyncRounds-snap.SyncFailures) / float64(snap.SyncRounds)
		snap.AvgSyncTimeMs = float64(m.totalDurationMs.Load()) / float64(snap.SyncRounds)
	}
	hits, misses := m.cacheHits.Load(), m.cacheMisses.Load()
	if hits+misses > 0 {
		snap.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	if compressed := m.compressedBytes.Load(); compressed > 0 {
		snap.DataReductionRatio = float64(m.originalBytes.Load()) / float64(compressed)
	}
	return snap
}
