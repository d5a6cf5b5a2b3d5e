// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	HitCount     int64
	LastAccessAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// LRU is the in-process L1: a max-entries LRU with lazy per-entry TTL.
// Expired entries are dropped on access; size overflow evicts the least
// recently used entry in O(1).
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	order      *list.List // front = most recently used
	items      map[string]*list.Element

	hits   int64
	misses int64
}

// NewLRU creates an L1 cache. maxEntries <= 0 means unbounded.
func NewLRU(maxEntries int, defaultTTL time.Duration) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the entry for key, or false on miss or lazy-expired entry.
func (c *LRU) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*Entry)
	now := time.Now()
	if entry.expired(now) {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	entry.HitCount++
	entry.LastAccessAt = now
	c.order.MoveToFront(el)
	c.hits++
	return entry, true
}

// Set stores a value under key. A zero ttl uses the cache default; a
// negative ttl stores without expiry.
func (c *LRU) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	entry := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(entry)

	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).Key)
	}
}

// Delete removes key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Exists reports whether key is present and unexpired.
func (c *LRU) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	return !el.Value.(*Entry).expired(time.Now())
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the current entry count, including lazily expired entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counters.
func (c *LRU) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
