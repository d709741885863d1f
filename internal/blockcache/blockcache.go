// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package blockcache holds recently used sparse-image blocks, bounded by a
// block count, evicting least-recently-used entries.
package blockcache

import (
	"github.com/goburrow/cache"
)

// DefaultCapacity is the default number of cached blocks.
const DefaultCapacity = 64

// Key identifies a block: a stable 64-bit image identity and the block
// index within that image.
type Key struct {
	Image uint64
	Block int64
}

// A Cache is safe for concurrent use by multiple goroutines.
// Payloads are immutable once inserted; Copy gives callers their own bytes.
type Cache struct {
	c cache.Cache
}

// New creates a cache bounded to capacity blocks. Values below 1 are raised
// to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Cache{
		c: cache.New(cache.WithMaximumSize(capacity)),
	}
}

// Block returns the cached payload for k. The returned slice is shared and
// must not be written to.
func (c *Cache) Block(k Key) ([]byte, bool) {
	v, ok := c.c.GetIfPresent(k)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Copy copies the cached block into dst starting at off within the block.
func (c *Cache) Copy(dst []byte, k Key, off int64) bool {
	b, ok := c.Block(k)
	if !ok || off < 0 || off > int64(len(b)) {
		return false
	}
	copy(dst, b[off:])
	return true
}

// Insert stores a payload. The cache owns b afterwards; the caller must not
// modify it.
func (c *Cache) Insert(k Key, b []byte) {
	c.c.Put(k, b)
}

// Close discards every entry.
func (c *Cache) Close() error {
	c.c.InvalidateAll()
	return c.c.Close()
}
