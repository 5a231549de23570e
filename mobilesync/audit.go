// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketResolutions = []byte("resolutions")
	bucketByEntity    = []byte("by_entity")
)

// AuditStore persists resolution results for replay and debugging. Records
// are retained for a bounded window (ResolverConfig.AuditRetention) and
// swept lazily.
type AuditStore struct {
	db        *bolt.DB
	retention time.Duration
}

// OpenAuditStore opens (or creates) the bbolt-backed audit store at path.
func OpenAuditStore(path string, retention time.Duration) (*AuditStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketResolutions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByEntity)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit buckets: %w", err)
	}
	return &AuditStore{db: db, retention: retention}, nil
}

func (a *AuditStore) Close() error {
	return a.db.Close()
}

// Save persists one resolution result, keyed by resolution id, with a
// secondary entity index for replay queries.
func (a *AuditStore) Save(res *ResolutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketResolutions).Put([]byte(res.ResolutionID), data); err != nil {
			return err
		}
		indexKey := res.EntityType + ":" + res.EntityID + ":" + res.ResolutionID
		return tx.Bucket(bucketByEntity).Put([]byte(indexKey), []byte(res.ResolutionID))
	})
}

// Get returns one resolution by id, or ErrEntityNotFound.
func (a *AuditStore) Get(resolutionID string) (*ResolutionResult, error) {
	var res ResolutionResult
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResolutions).Get([]byte(resolutionID))
		if data == nil {
			return ErrEntityNotFound
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListByEntity returns every retained resolution for one entity, oldest
// first.
func (a *AuditStore) ListByEntity(entityType, entityID string) ([]*ResolutionResult, error) {
	prefix := []byte(entityType + ":" + entityID + ":")
	var results []*ResolutionResult
	err := a.db.View(func(tx *bolt.Tx) error {
		resolutions := tx.Bucket(bucketResolutions)
		cursor := tx.Bucket(bucketByEntity).Cursor()
		for k, id := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, id = cursor.Next() {
			data := resolutions.Get(id)
			if data == nil {
				continue
			}
			var res ResolutionResult
			if err := json.Unmarshal(data, &res); err != nil {
				return fmt.Errorf("decode resolution %s: %w", id, err)
			}
			results = append(results, &res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Sweep removes resolutions older than the retention window and returns the
// number deleted.
func (a *AuditStore) Sweep() (int, error) {
	cutoff := time.Now().Add(-a.retention)
	removed := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		resolutions := tx.Bucket(bucketResolutions)
		index := tx.Bucket(bucketByEntity)

		var stale [][2][]byte // resolution key, index key
		if err := resolutions.ForEach(func(k, v []byte) error {
			var res ResolutionResult
			if err := json.Unmarshal(v, &res); err != nil {
				// Unreadable records are swept with everything else.
				stale = append(stale, [2][]byte{append([]byte(nil), k...), nil})
				return nil
			}
			if res.ResolvedAt.Before(cutoff) {
				indexKey := []byte(res.EntityType + ":" + res.EntityID + ":" + res.ResolutionID)
				stale = append(stale, [2][]byte{append([]byte(nil), k...), indexKey})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, pair := range stale {
			if err := resolutions.Delete(pair[0]); err != nil {
				return err
			}
			if pair[1] != nil {
				if err := index.Delete(pair[1]); err != nil {
					return err
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
