// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weather

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// DefaultCacheTTL bounds how stale a served observation can be.
// Weather changes slowly; ten minutes keeps repeat questions in one
// conversation from hammering the provider.
const DefaultCacheTTL = 10 * time.Minute

// Cache is a TTL cache for weather observations keyed by normalized
// location name. Entries expire via Badger's native TTL support, so
// there is no sweeper goroutine.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewCache opens a Badger-backed cache at dir. An empty dir opens the
// database in memory, which is what tests and diskless deployments use.
func NewCache(dir string, ttl time.Duration) (*Cache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(location string) []byte {
	return []byte("wx:" + strings.ToLower(strings.TrimSpace(location)))
}

// Get returns the cached observation for location, or nil on a miss.
// Cache failures are reported as misses; the caller falls through to a
// live lookup.
func (c *Cache) Get(location string) *Observation {
	var obs *Observation
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(location))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded Observation
			if err := json.Unmarshal(val, &decoded); err != nil {
				return err
			}
			obs = &decoded
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		slog.Warn("Weather cache read failed", "location", location, "error", err)
	}
	return obs
}

// Put stores an observation under location with the cache TTL. Write
// failures are logged and ignored; the cache is best-effort.
func (c *Cache) Put(location string, obs *Observation) {
	raw, err := json.Marshal(obs)
	if err != nil {
		slog.Warn("Weather cache marshal failed", "location", location, "error", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(location), raw).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		slog.Warn("Weather cache write failed", "location", location, "error", err)
	}
}
