// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// DeltaEngine computes the minimal set of entity changes and deletions a
// device needs since its last acknowledged sync point. It reads the change
// source but never writes entity data; its only side effect is updating the
// device's sync state.
type DeltaEngine struct {
	source  ChangeSource
	config  DeltaConfig
	logger  *slog.Logger
	metrics *Metrics

	cacheMu sync.Mutex
	cache   map[string]deltaCacheEntry

	now func() time.Time
}

type deltaCacheEntry struct {
	payload   *DeltaPayload
	expiresAt time.Time
}

// NewDeltaEngine creates a delta engine on top of a change source.
func NewDeltaEngine(source ChangeSource, config DeltaConfig, metrics *Metrics, logger *slog.Logger) *DeltaEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &DeltaEngine{
		source:  source,
		config:  config,
		logger:  logger,
		metrics: metrics,
		cache:   make(map[string]deltaCacheEntry),
		now:     time.Now,
	}
}

// ComputeDelta builds the download payload for one device. A zero since
// timestamp, or one older than the staleness threshold, forces full-sync
// mode regardless of caller intent. The second return value reports whether
// the payload was served from the short-window cache.
func (e *DeltaEngine) ComputeDelta(ctx context.Context, userID, deviceID string, since time.Time, entityTypes []string) (*DeltaPayload, bool, error) {
	if len(entityTypes) == 0 {
		entityTypes = []string{EntityTypeSchedule, EntityTypeRequest, EntityTypeNotification}
	}

	deltaKind := DeltaKindIncremental
	if since.IsZero() || e.now().Sub(since) > e.config.StalenessThreshold {
		deltaKind = DeltaKindFull
		since = time.Time{}
	}

	cacheKey := e.cacheKey(userID, deviceID, since, entityTypes)
	if cached, ok := e.cacheLookup(cacheKey); ok {
		e.metrics.RecordCache(true)
		return cached, true, nil
	}
	e.metrics.RecordCache(false)

	payload := &DeltaPayload{
		SyncID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    deviceID,
		LastSync:    since,
		DeltaKind:   deltaKind,
		GeneratedAt: e.now(),
	}

	for _, entityType := range entityTypes {
		rows, err := e.source.ChangedSince(ctx, userID, entityType, since, e.config.MaxChangesPerType)
		if err != nil {
			return nil, false, fmt.Errorf("compute delta for %s: %w", entityType, err)
		}

		changes := make([]EntityChange, 0, len(rows))
		for _, row := range rows {
			changes = append(changes, EntityChange{
				EntityType: row.EntityType,
				EntityID:   row.EntityID,
				Payload:    row.Payload,
				Version:    row.Version,
				UpdatedAt:  row.UpdatedAt,
			})
		}

		// Large homogeneous batches are delta-encoded against a derived
		// template so only differing fields travel.
		if len(changes) >= e.config.TemplateEncodeMin {
			template, encoded := templateEncode(changes)
			if len(template) > 0 {
				if payload.Templates == nil {
					payload.Templates = make(map[string]map[string]any)
				}
				payload.Templates[entityType] = template
				changes = encoded
			}
		}
		payload.Changes = append(payload.Changes, changes...)

		if deltaKind == DeltaKindIncremental {
			deletions, err := e.source.DeletionsSince(ctx, userID, entityType, since, e.config.DeletionLogLimit)
			if err != nil {
				return nil, false, fmt.Errorf("deletion log for %s: %w", entityType, err)
			}
			payload.Deletions = append(payload.Deletions, deletions...)
		}
	}

	serialized, err := canonicalDeltaBytes(payload)
	if err != nil {
		return nil, false, fmt.Errorf("serialize delta: %w", err)
	}
	payload.OriginalSize = len(serialized)
	payload.CompressedSize = len(serialized)
	payload.Checksum = checksumBytes(serialized)

	// Compress when the payload is big enough and compression actually
	// earns its CPU cost.
	if payload.OriginalSize >= e.config.CompressionThreshold {
		compressed := snappy.Encode(nil, serialized)
		gain := 1.0 - float64(len(compressed))/float64(payload.OriginalSize)
		if gain >= e.config.CompressionMinGain {
			payload.Compressed = true
			payload.CompressedSize = len(compressed)
		}
	}
	e.metrics.RecordDownload(payload.OriginalSize, payload.CompressedSize)

	// Side effect: advance the device's sync point.
	state := &DeviceSyncState{
		UserID:       userID,
		DeviceID:     deviceID,
		LastSyncAt:   payload.GeneratedAt,
		LastChecksum: payload.Checksum,
	}
	if err := e.source.SaveSyncState(ctx, state); err != nil {
		// Sync state loss is recoverable via full sync; the payload itself
		// is still valid.
		e.logger.Warn("Failed to save device sync state", "error", err, "user_id", userID, "device_id", deviceID)
	}

	e.cacheStore(cacheKey, payload)

	e.logger.Debug("Computed delta",
		"user_id", userID, "device_id", deviceID, "kind", deltaKind,
		"changes", len(payload.Changes), "deletions", len(payload.Deletions),
		"original_size", payload.OriginalSize, "compressed_size", payload.CompressedSize)

	return payload, false, nil
}

func (e *DeltaEngine) cacheKey(userID, deviceID string, since time.Time, entityTypes []string) string {
	types := append([]string(nil), entityTypes...)
	sort.Strings(types)
	return userID + "|" + deviceID + "|" + strconv.FormatInt(since.UnixNano(), 10) + "|" + strings.Join(types, ",")
}

func (e *DeltaEngine) cacheLookup(key string) (*DeltaPayload, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	entry, ok := e.cache[key]
	if !ok || e.now().After(entry.expiresAt) {
		delete(e.cache, key)
		return nil, false
	}
	return entry.payload, true
}

func (e *DeltaEngine) cacheStore(key string, payload *DeltaPayload) {
	if e.config.PayloadCacheTTL <= 0 {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	// Opportunistic purge keeps the map bounded without a sweeper goroutine.
	for k, entry := range e.cache {
		if e.now().After(entry.expiresAt) {
			delete(e.cache, k)
		}
	}
	e.cache[key] = deltaCacheEntry{payload: payload, expiresAt: e.now().Add(e.config.PayloadCacheTTL)}
}

// templateEncode derives a template from the most common value of each field
// shared by every change, then strips template-matching fields from the
// individual payloads. Returns a nil template when nothing is shared.
func templateEncode(changes []EntityChange) (map[string]any, []EntityChange) {
	if len(changes) == 0 {
		return nil, changes
	}

	// Candidate fields: present in every payload.
	counts := make(map[string]int)
	for _, ch := range changes {
		for field := range ch.Payload {
			counts[field]++
		}
	}

	template := make(map[string]any)
	for field, n := range counts {
		if n != len(changes) {
			continue
		}
		// Most common value wins the template slot.
		valueCounts := make(map[string]int)
		valueByKey := make(map[string]any)
		for _, ch := range changes {
			key := canonicalValue(ch.Payload[field])
			valueCounts[key]++
			valueByKey[key] = ch.Payload[field]
		}
		bestKey, bestCount := "", 0
		for key, count := range valueCounts {
			if count > bestCount || (count == bestCount && key < bestKey) {
				bestKey, bestCount = key, count
			}
		}
		// A template entry only pays off when it is shared by more than one
		// row.
		if bestCount > 1 {
			template[field] = valueByKey[bestKey]
		}
	}
	if len(template) == 0 {
		return nil, changes
	}

	encoded := make([]EntityChange, len(changes))
	for i, ch := range changes {
		diff := make(map[string]any)
		for field, value := range ch.Payload {
			tmplValue, inTemplate := template[field]
			if !inTemplate || canonicalValue(value) != canonicalValue(tmplValue) {
				diff[field] = value
			}
		}
		encoded[i] = EntityChange{
			EntityType: ch.EntityType,
			EntityID:   ch.EntityID,
			Payload:    diff,
			Version:    ch.Version,
			UpdatedAt:  ch.UpdatedAt,
		}
	}
	return template, encoded
}

// ExpandedChanges reverses template encoding, returning every change with
// its full payload.
func (p *DeltaPayload) ExpandedChanges() []EntityChange {
	if len(p.Templates) == 0 {
		return p.Changes
	}
	expanded := make([]EntityChange, len(p.Changes))
	for i, ch := range p.Changes {
		template := p.Templates[ch.EntityType]
		if template == nil {
			expanded[i] = ch
			continue
		}
		full := make(map[string]any, len(template)+len(ch.Payload))
		for field, value := range template {
			full[field] = value
		}
		for field, value := range ch.Payload {
			full[field] = value
		}
		expanded[i] = EntityChange{
			EntityType: ch.EntityType,
			EntityID:   ch.EntityID,
			Payload:    full,
			Version:    ch.Version,
			UpdatedAt:  ch.UpdatedAt,
		}
	}
	return expanded
}

// VerifyChecksum recomputes the payload checksum and returns
// ErrCorruptPayload on mismatch. Clients call this independently of
// transport-layer integrity; a corrupt payload forces a full resync.
func (p *DeltaPayload) VerifyChecksum() error {
	serialized, err := canonicalDeltaBytes(p)
	if err != nil {
		return fmt.Errorf("serialize for checksum: %w", err)
	}
	if checksumBytes(serialized) != p.Checksum {
		return ErrCorruptPayload
	}
	return nil
}

// MarshalDeltaBody serializes a delta payload for transport, applying snappy
// compression when the engine marked the payload compressible.
func MarshalDeltaBody(p *DeltaPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if p.Compressed {
		return snappy.Encode(nil, data), nil
	}
	return data, nil
}

// UnmarshalDeltaBody reverses MarshalDeltaBody and validates the checksum.
func UnmarshalDeltaBody(data []byte, compressed bool) (*DeltaPayload, error) {
	if compressed {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", ErrCorruptPayload, err)
		}
		data = decoded
	}
	var payload DeltaPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode delta: %v", ErrCorruptPayload, err)
	}
	if err := payload.VerifyChecksum(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// canonicalDeltaBytes produces the deterministic serialization the checksum
// is computed over: changes sorted by (type, id), deletions sorted by
// (type, id, time). encoding/json sorts map keys, which keeps payload field
// order stable.
func canonicalDeltaBytes(p *DeltaPayload) ([]byte, error) {
	changes := append([]EntityChange(nil), p.Changes...)
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].EntityType != changes[j].EntityType {
			return changes[i].EntityType < changes[j].EntityType
		}
		return changes[i].EntityID < changes[j].EntityID
	})
	deletions := append([]EntityDeletion(nil), p.Deletions...)
	sort.Slice(deletions, func(i, j int) bool {
		if deletions[i].EntityType != deletions[j].EntityType {
			return deletions[i].EntityType < deletions[j].EntityType
		}
		if deletions[i].EntityID != deletions[j].EntityID {
			return deletions[i].EntityID < deletions[j].EntityID
		}
		return deletions[i].DeletedAt.Before(deletions[j].DeletedAt)
	})

	return json.Marshal(struct {
		Changes   []EntityChange            `json:"changes"`
		Deletions []EntityDeletion          `json:"deletions"`
		Templates map[string]map[string]any `json:"templates"`
	}{changes, deletions, p.Templates})
}

func checksumBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// canonicalValue is a stable comparison key for arbitrary JSON values.
func canonicalValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
