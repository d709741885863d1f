// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package phdi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/elliotnunn/phdi/internal/blockcache"
	"github.com/elliotnunn/phdi/internal/descriptor"
	"github.com/elliotnunn/phdi/internal/filepool"
	"github.com/elliotnunn/phdi/internal/sparse"
	"github.com/elliotnunn/phdi/internal/storage"
	"github.com/elliotnunn/phdi/internal/xmltag"
)

// Refuse to slurp descriptors bigger than this; real ones are a few KiB.
const maxDescriptorSize = 16 << 20

// DescriptorName is the conventional descriptor filename inside an .hdd
// directory.
const DescriptorName = "DiskDescriptor.xml"

// Open opens the disk described by the given DiskDescriptor.xml.
// path may also name the containing .hdd directory.
// A nil opt means all defaults.
func Open(path string, opt *Options) (d *Disk, reterr error) {
	if opt == nil {
		opt = &Options{}
	}
	log := opt.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, DescriptorName)
	}

	raw, err := readDescriptor(path)
	if err != nil {
		return nil, err
	}

	tree, err := xmltag.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedXML, err)
	}
	desc, err := descriptor.Parse(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	table, err := storage.Resolve(desc, filepath.Dir(path))
	if err != nil {
		if errors.Is(err, storage.ErrCycle) {
			return nil, fmt.Errorf("%w: %w", ErrCycleDetected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDanglingReference, err)
	}

	d = &Disk{
		log:   log,
		desc:  desc,
		table: table,
		media: int64(desc.MediaSize),
		pool:  filepool.New(orDefault(opt.OpenFiles, filepool.DefaultCapacity), log),
		cache: blockcache.New(orDefault(opt.BlockCacheBlocks, blockcache.DefaultCapacity)),
	}
	opened := d // error returns below set d to nil
	defer func() {
		if reterr != nil {
			opened.Close() // release whatever was partially opened
		}
	}()

	for i := range table.Extents {
		e, err := d.openExtent(&table.Extents[i])
		if err != nil {
			return nil, fmt.Errorf("extent %d: %w", i, err)
		}
		d.exts = append(d.exts, e)
	}

	log.Debug("disk open",
		"descriptor", path,
		"mediaSize", d.media,
		"extents", len(d.exts),
		"snapshots", len(desc.Snapshots))
	return d, nil
}

// readDescriptor applies the five-byte signature gate before anything is
// parsed, then slurps the file.
func readDescriptor(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sig [5]byte
	if _, err := io.ReadFull(f, sig[:]); err != nil {
		return nil, fmt.Errorf("%w: descriptor too short for an XML document", ErrUnsupportedFormat)
	}
	if string(sig[:]) != "<?xml" {
		return nil, fmt.Errorf("%w: descriptor does not start with <?xml", ErrUnsupportedFormat)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() > maxDescriptorSize {
		return nil, fmt.Errorf("%w: descriptor is %d bytes", ErrMalformedDescriptor, st.Size())
	}

	raw := make([]byte, st.Size())
	copy(raw, sig[:])
	if _, err := io.ReadFull(f, raw[len(sig):]); err != nil {
		return nil, err
	}
	return raw, nil
}

// openExtent sizes every image of the chain and parses header+BAT of the
// sparse ones, so that reads never parse anything.
func (d *Disk) openExtent(se *storage.Extent) (*extentState, error) {
	e := &extentState{start: se.StartOffset, size: se.Size}
	for _, img := range se.Images {
		size, err := d.pool.Size(img.Path)
		if err != nil {
			return nil, err
		}
		is := &imageState{
			values: img.Values,
			path:   img.Path,
			id:     xxhash.Sum64String(img.Path),
			size:   size,
		}
		if img.Values.Type == descriptor.ImageTypeCompressed {
			sp, err := sparse.Open(poolReaderAt{d.pool, img.Path}, size)
			switch {
			case errors.Is(err, sparse.ErrUnsupported):
				return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, img.Values.Filename, err)
			case errors.Is(err, sparse.ErrCorrupt):
				return nil, fmt.Errorf("%w: %s: %w", ErrCorruptImage, img.Values.Filename, err)
			case err != nil:
				return nil, fmt.Errorf("%s: %w", img.Values.Filename, err)
			}
			is.sparse = sp
			d.log.Debug("sparse image",
				"path", img.Path,
				"blockSectors", sp.Header.BlockSize,
				"batEntries", sp.BAT.Len())
		}
		e.images = append(e.images, is)
	}

	// A child cannot expose more data than its parent provides
	for i := 0; i+1 < len(e.images); i++ {
		child, parent := e.images[i], e.images[i+1]
		if parent.mediaSectors() < child.mediaSectors() {
			return nil, fmt.Errorf("%w: image %s is larger than its parent %s",
				ErrMalformedDescriptor, child.values.Filename, parent.values.Filename)
		}
	}
	return e, nil
}

// mediaSectors is how many sectors of the medium this image can answer for.
func (is *imageState) mediaSectors() uint64 {
	if is.sparse != nil {
		return is.sparse.Header.SectorCount
	}
	return uint64(is.size) / SectorSize
}

// poolReaderAt adapts one pooled file to io.ReaderAt for the sparse parser.
type poolReaderAt struct {
	pool *filepool.Pool
	path string
}

func (r poolReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.pool.ReadAt(r.path, p, off)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
