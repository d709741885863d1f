// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package phdi reads Parallels Hard Disk (PHDI/HDD) images.
//
// A PHDI image is a directory whose DiskDescriptor.xml enumerates one or
// more extents, each backed by a plain (raw) or sparse file, plus the
// snapshot chain that decides which file answers for which block. [Open]
// assembles all of that into a [Disk]: one contiguous read-only medium.
package phdi

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/elliotnunn/phdi/internal/blockcache"
	"github.com/elliotnunn/phdi/internal/descriptor"
	"github.com/elliotnunn/phdi/internal/filepool"
	"github.com/elliotnunn/phdi/internal/sparse"
	"github.com/elliotnunn/phdi/internal/storage"
	"github.com/google/uuid"
)

// SectorSize is the fixed sector size of the format.
const SectorSize = 512

// Options tunes an open disk. The zero value picks sensible defaults.
type Options struct {
	// BlockCacheBlocks bounds the block cache, counted in blocks.
	// Zero means the default of 64.
	BlockCacheBlocks int

	// OpenFiles bounds the pool of open image files.
	// Zero means the default of 64; values below 16 are raised.
	OpenFiles int

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

// ImageType distinguishes the two extent-file layouts.
type ImageType int

const (
	ImageTypeUnknown    ImageType = ImageType(descriptor.ImageTypeUnknown)
	ImageTypePlain      ImageType = ImageType(descriptor.ImageTypePlain)
	ImageTypeCompressed ImageType = ImageType(descriptor.ImageTypeCompressed)
)

func (t ImageType) String() string { return descriptor.ImageType(t).String() }

// ImageDescriptor describes one backing file of one extent.
type ImageDescriptor struct {
	Identifier uuid.UUID
	Type       ImageType
	Filename   string // as written in the descriptor, relative to its directory
}

// ExtentDescriptor describes one contiguous byte range of the medium and
// its image chain, leaf-first.
type ExtentDescriptor struct {
	StartOffset int64
	Size        int64
	Images      []ImageDescriptor
}

// SnapshotDescriptor describes one snapshot. A zero ParentIdentifier marks
// a root snapshot.
type SnapshotDescriptor struct {
	Identifier       uuid.UUID
	ParentIdentifier uuid.UUID
}

// Geometry is the informational CHS tuple from the descriptor.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// A Disk is an open PHDI image. Positional reads ([Disk.ReadBufferAt]) may
// run concurrently; [Disk.ReadBuffer]/[Disk.Seek] share one seek offset and
// are linearised against each other.
type Disk struct {
	mu     sync.RWMutex // open/close state against everything else
	closed bool

	seekMu sync.Mutex // serialises the shared seek offset
	offset int64

	aborted atomic.Bool

	log   *slog.Logger
	desc  *descriptor.Descriptor
	table *storage.Table
	media int64
	exts  []*extentState
	pool  *filepool.Pool
	cache *blockcache.Cache
}

// One resolved extent, ready for reads.
type extentState struct {
	start, size int64
	images      []*imageState
}

// One image file of one chain.
type imageState struct {
	values descriptor.ImageValues
	path   string
	id     uint64        // stable identity for cache keys
	size   int64         // backing file size at open time
	sparse *sparse.Image // nil for plain images
}

// MediaSize returns the logical size of the medium in bytes.
func (d *Disk) MediaSize() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.media
}

// Name returns the disk name from the descriptor, possibly empty.
func (d *Disk) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.desc == nil {
		return ""
	}
	return d.desc.Name
}

// BlockSize returns the descriptor's block size in sectors.
func (d *Disk) BlockSize() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.desc == nil {
		return 0
	}
	return d.desc.BlockSize
}

// Geometry returns the informational cylinder/head/sector counts.
func (d *Disk) Geometry() Geometry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.desc == nil {
		return Geometry{}
	}
	return Geometry(d.desc.Geometry)
}

// ExtentCount returns the number of extents.
func (d *Disk) ExtentCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.exts)
}

// ExtentDescriptor describes extent i.
func (d *Disk) ExtentDescriptor(i int) (ExtentDescriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i < 0 || i >= len(d.exts) {
		return ExtentDescriptor{}, ErrInvalidArgument
	}
	e := d.exts[i]
	ed := ExtentDescriptor{StartOffset: e.start, Size: e.size}
	for _, img := range e.images {
		ed.Images = append(ed.Images, ImageDescriptor{
			Identifier: img.values.Identifier,
			Type:       ImageType(img.values.Type),
			Filename:   img.values.Filename,
		})
	}
	return ed, nil
}

// ImageDescriptor describes image j of extent i; j runs leaf-first.
func (d *Disk) ImageDescriptor(i, j int) (ImageDescriptor, error) {
	ed, err := d.ExtentDescriptor(i)
	if err != nil {
		return ImageDescriptor{}, err
	}
	if j < 0 || j >= len(ed.Images) {
		return ImageDescriptor{}, ErrInvalidArgument
	}
	return ed.Images[j], nil
}

// SnapshotCount returns the number of snapshots in the descriptor.
func (d *Disk) SnapshotCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.desc == nil {
		return 0
	}
	return len(d.desc.Snapshots)
}

// Snapshot describes snapshot i, in descriptor order.
func (d *Disk) Snapshot(i int) (SnapshotDescriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.desc == nil || i < 0 || i >= len(d.desc.Snapshots) {
		return SnapshotDescriptor{}, ErrInvalidArgument
	}
	s := d.desc.Snapshots[i]
	return SnapshotDescriptor{
		Identifier:       s.Identifier,
		ParentIdentifier: s.ParentIdentifier,
	}, nil
}

// SignalAbort makes in-flight and future reads stop at their next segment
// boundary. A read that has already moved bytes returns them with a nil
// error; one that has not returns [ErrAborted].
func (d *Disk) SignalAbort() {
	d.aborted.Store(true)
}

// Close releases every file and cache entry. The disk is unusable
// afterwards; Close is idempotent.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.pool != nil {
		err = d.pool.CloseAll()
	}
	if d.cache != nil {
		d.cache.Close()
	}
	d.desc, d.table, d.exts = nil, nil, nil
	d.log.Debug("disk closed")
	return err
}
