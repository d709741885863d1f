// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package phdi

import (
	"fmt"
	"io"

	"github.com/elliotnunn/phdi/internal/blockcache"
)

// ReadBufferAt reads up to len(p) bytes of the medium starting at logical
// offset off, without touching the seek offset. It returns 0, nil at or
// past the media end, and never reads across it.
//
// Positional reads may run concurrently from any number of goroutines.
func (d *Disk) ReadBufferAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readAt(p, off)
}

// ReadBuffer reads from the shared seek offset and advances it by the
// number of bytes read. On error the offset is left unchanged.
func (d *Disk) ReadBuffer(p []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	d.seekMu.Lock()
	defer d.seekMu.Unlock()
	n, err := d.readAt(p, d.offset)
	if err != nil {
		return n, err
	}
	d.offset += int64(n)
	return n, nil
}

// Seek repositions the shared seek offset in the manner of [io.Seeker].
// Seeking past the media end is legal; reads there return no bytes.
func (d *Disk) Seek(offset int64, whence int) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, ErrClosed
	}

	d.seekMu.Lock()
	defer d.seekMu.Unlock()
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += d.offset
	case io.SeekEnd:
		offset += d.media
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: seek to %d", ErrInvalidArgument, offset)
	}
	d.offset = offset
	return offset, nil
}

// Offset returns the shared seek offset.
func (d *Disk) Offset() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.seekMu.Lock()
	defer d.seekMu.Unlock()
	return d.offset
}

// readAt runs the pipeline under a held read lock.
func (d *Disk) readAt(p []byte, off int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if off >= d.media {
		return 0, nil
	}
	if rest := d.media - off; int64(len(p)) > rest {
		p = p[:rest]
	}

	total := 0
	for len(p) > 0 {
		if d.aborted.Load() {
			if total > 0 {
				return total, nil
			}
			return 0, ErrAborted
		}

		i := d.table.Find(off)
		if i < 0 {
			// unreachable: off was clamped to the medium and extents tile it
			return total, fmt.Errorf("%w: no extent for offset %d", ErrCorruptImage, off)
		}
		e := d.exts[i]

		n, err := d.readSegment(e, off-e.start, p)
		total += n
		off += int64(n)
		p = p[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readSegment copies out one run of consecutive bytes that resolve to the
// same (image, block): the rest of a sparse block, a stretch of a plain
// file, or a hole. local is the offset within the extent.
func (d *Disk) readSegment(e *extentState, local int64, p []byte) (int, error) {
	// Never look past the extent; the caller re-dispatches
	n := int64(len(p))
	n = min(n, e.size-local)

	for _, img := range e.images {
		if img.sparse == nil {
			// Plain: every byte inside the file is exposed directly
			if local < img.size {
				n = min(n, img.size-local)
				return d.pool.ReadAt(img.path, p[:n], local)
			}
			continue
		}

		blockBytes := img.sparse.Header.BlockSizeBytes()
		block := local / blockBytes
		inBlock := local % blockBytes

		// Resolution can change at this image's next block boundary,
		// whether or not the block is allocated here
		n = min(n, blockBytes-inBlock)

		sector, ok := img.sparse.BAT.Get(block)
		if !ok {
			continue // hole, ask the parent
		}
		fileOff := int64(sector) * SectorSize
		if fileOff+blockBytes > img.size {
			return 0, fmt.Errorf("%w: %s: block %d lies outside the file",
				ErrCorruptImage, img.values.Filename, block)
		}
		return d.readSparseBlock(img, block, fileOff, inBlock, p[:n])
	}

	// No image in the chain exposes these bytes; they are zero
	clear(p[:n])
	return int(n), nil
}

// readSparseBlock serves p from one allocated block, through the cache.
func (d *Disk) readSparseBlock(img *imageState, block, fileOff, inBlock int64, p []byte) (int, error) {
	key := blockcache.Key{Image: img.id, Block: block}
	if d.cache.Copy(p, key, inBlock) {
		return len(p), nil
	}

	blockBytes := img.sparse.Header.BlockSizeBytes()
	buf := make([]byte, blockBytes)
	if _, err := d.pool.ReadAt(img.path, buf, fileOff); err != nil {
		return 0, err
	}
	d.cache.Insert(key, buf)
	copy(p, buf[inBlock:])
	return len(p), nil
}
