// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package blockcache

import (
	"bytes"
	"testing"
)

func TestGetAfterInsert(t *testing.T) {
	c := New(8)
	defer c.Close()

	k := Key{Image: 42, Block: 7}
	if _, ok := c.Block(k); ok {
		t.Error("hit before insert")
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c.Insert(k, payload)

	got, ok := c.Block(k)
	if !ok || !bytes.Equal(got, payload) {
		t.Errorf("got %v, %v", got, ok)
	}

	// Distinct images with the same block index do not collide
	if _, ok := c.Block(Key{Image: 43, Block: 7}); ok {
		t.Error("cross-image hit")
	}
}

func TestCopyOut(t *testing.T) {
	c := New(8)
	defer c.Close()

	k := Key{Image: 1, Block: 0}
	c.Insert(k, []byte{10, 11, 12, 13})

	dst := make([]byte, 2)
	if !c.Copy(dst, k, 1) {
		t.Fatal("miss")
	}
	if dst[0] != 11 || dst[1] != 12 {
		t.Errorf("got %v", dst)
	}

	if c.Copy(dst, k, 5) {
		t.Error("copy past the payload")
	}
	if c.Copy(dst, Key{Image: 2}, 0) {
		t.Error("copy of absent key")
	}
}

func TestCapacityBound(t *testing.T) {
	const capacity = 16
	c := New(capacity)
	defer c.Close()

	// Grossly overfill, then count how many keys still hit.
	// The policy's exact victim choice is its own business; the bound is not.
	for i := int64(0); i < int64(capacity*20); i++ {
		c.Insert(Key{Image: 1, Block: i}, []byte{byte(i)})
	}
	hits := 0
	for i := int64(0); i < int64(capacity*20); i++ {
		if _, ok := c.Block(Key{Image: 1, Block: i}); ok {
			hits++
		}
	}
	if hits > capacity {
		t.Errorf("%d entries survive in a %d-entry cache", hits, capacity)
	}
	if hits == 0 {
		t.Error("nothing survived at all")
	}
}

func TestRecencyPreference(t *testing.T) {
	const capacity = 16
	c := New(capacity)
	defer c.Close()

	hot := Key{Image: 9, Block: 0}
	c.Insert(hot, []byte{0xff})

	// Keep touching the hot block while flooding with one-shot blocks
	for i := int64(0); i < int64(capacity*10); i++ {
		c.Insert(Key{Image: 1, Block: i}, []byte{byte(i)})
		c.Block(hot)
	}
	if _, ok := c.Block(hot); !ok {
		t.Error("constantly-touched block was evicted")
	}
}
