// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package descriptor interprets the DiskDescriptor.xml tag tree into a typed
// model of the disk: parameters, storage extents, images and snapshots.
package descriptor

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/elliotnunn/phdi/internal/xmltag"
	"github.com/google/uuid"
)

const SectorSize = 512

var ErrInvalid = errors.New("invalid disk descriptor")

// ImageType distinguishes the two extent-file layouts.
type ImageType int

const (
	ImageTypeUnknown    ImageType = iota
	ImageTypePlain                // raw file, byte N of the extent is byte N of the file
	ImageTypeCompressed           // Parallels name for the sparse header+BAT format
)

func (t ImageType) String() string {
	switch t {
	case ImageTypePlain:
		return "Plain"
	case ImageTypeCompressed:
		return "Compressed"
	}
	return "Unknown"
}

// ImageValues describes one backing file of one extent.
type ImageValues struct {
	Identifier uuid.UUID
	Type       ImageType
	Filename   string // relative to the descriptor directory
}

// SnapshotValues describes one snapshot. A zero ParentIdentifier marks a
// root snapshot.
type SnapshotValues struct {
	Identifier       uuid.UUID
	ParentIdentifier uuid.UUID
	Filename         string
}

// Storage is one <Storage> element: a byte range of the medium and the
// images that may back it.
type Storage struct {
	StartOffset int64  // bytes
	EndOffset   int64  // bytes, exclusive
	BlockSize   uint32 // sectors; sizes the storage when <Start>/<End> are absent
	Images      []ImageValues
}

func (s *Storage) Size() int64 { return s.EndOffset - s.StartOffset }

// Geometry is the informational CHS tuple from <Disk_Parameters>.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// Descriptor is the interpreted DiskDescriptor.xml.
type Descriptor struct {
	MediaSize   uint64 // bytes
	BlockSize   uint32 // sectors, from the first <Storage> that gives a <Blocksize>
	Name        string
	Geometry    Geometry
	Storages    []Storage // ordered by start offset, tiling [0, MediaSize)
	Snapshots   []SnapshotValues
	TopSnapshot uuid.UUID // zero when the descriptor carries no snapshots
}

// Snapshot returns the snapshot with the given identifier, or nil.
func (d *Descriptor) Snapshot(id uuid.UUID) *SnapshotValues {
	for i := range d.Snapshots {
		if d.Snapshots[i].Identifier == id {
			return &d.Snapshots[i]
		}
	}
	return nil
}

// Parse interprets a parsed tag tree as a disk descriptor.
func Parse(root *xmltag.Tag) (*Descriptor, error) {
	if root.Name != "Parallels_disk_image" {
		return nil, fmt.Errorf("%w: root element is <%s>, not <Parallels_disk_image>", ErrInvalid, root.Name)
	}

	d := &Descriptor{}
	if err := d.parseParameters(root.Child("Disk_Parameters")); err != nil {
		return nil, err
	}
	if err := d.parseStorageData(root.Child("StorageData")); err != nil {
		return nil, err
	}
	if err := d.parseSnapshots(root.Child("Snapshots")); err != nil {
		return nil, err
	}
	if err := d.checkCoverage(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) parseParameters(params *xmltag.Tag) error {
	if params == nil {
		return fmt.Errorf("%w: missing <Disk_Parameters>", ErrInvalid)
	}
	sectors, err := requiredNumber(params, "Disk_size")
	if err != nil {
		return err
	}
	d.MediaSize = sectors * SectorSize

	// CHS values and the name are informational; absence is fine
	d.Geometry.Cylinders = uint32(optionalNumber(params, "Cylinders"))
	d.Geometry.Heads = uint32(optionalNumber(params, "Heads"))
	d.Geometry.Sectors = uint32(optionalNumber(params, "Sectors"))
	d.Name, _ = params.ChildValue("Disk_name")
	return nil
}

func (d *Descriptor) parseStorageData(sd *xmltag.Tag) error {
	if sd == nil {
		return fmt.Errorf("%w: missing <StorageData>", ErrInvalid)
	}
	var nextStart int64
	for _, st := range sd.Children {
		if st.Name != "Storage" {
			continue
		}
		s := Storage{BlockSize: uint32(optionalNumber(st, "Blocksize"))}

		_, hasStart := st.ChildValue("Start")
		_, hasEnd := st.ChildValue("End")
		switch {
		case hasStart && hasEnd:
			start, err := requiredNumber(st, "Start")
			if err != nil {
				return err
			}
			end, err := requiredNumber(st, "End")
			if err != nil {
				return err
			}
			s.StartOffset = int64(start) * SectorSize
			s.EndOffset = int64(end) * SectorSize
		default:
			// No explicit range: the storage is laid out after its
			// predecessor and sized by <Blocksize>*<NumberOfBlocks>
			nblocks, err := requiredNumber(st, "NumberOfBlocks")
			if err != nil {
				return fmt.Errorf("%w: <Storage> has neither <Start>/<End> nor <NumberOfBlocks>", ErrInvalid)
			}
			if s.BlockSize == 0 {
				return fmt.Errorf("%w: <NumberOfBlocks> without <Blocksize>", ErrInvalid)
			}
			s.StartOffset = nextStart
			s.EndOffset = nextStart + int64(nblocks)*int64(s.BlockSize)*SectorSize
		}
		if s.EndOffset <= s.StartOffset {
			return fmt.Errorf("%w: <Storage> range [%d, %d) is empty or inverted",
				ErrInvalid, s.StartOffset, s.EndOffset)
		}
		nextStart = s.EndOffset

		for _, img := range st.Children {
			if img.Name != "Image" {
				continue
			}
			iv, err := parseImage(img)
			if err != nil {
				return err
			}
			s.Images = append(s.Images, iv)
		}
		if len(s.Images) == 0 {
			return fmt.Errorf("%w: <Storage> without <Image>", ErrInvalid)
		}
		if d.BlockSize == 0 {
			d.BlockSize = s.BlockSize
		}
		d.Storages = append(d.Storages, s)
	}
	if len(d.Storages) == 0 {
		return fmt.Errorf("%w: no <Storage> elements", ErrInvalid)
	}
	return nil
}

func parseImage(img *xmltag.Tag) (ImageValues, error) {
	var iv ImageValues

	guid, ok := img.ChildValue("GUID")
	if !ok {
		return iv, fmt.Errorf("%w: <Image> without <GUID>", ErrInvalid)
	}
	id, err := uuid.Parse(guid)
	if err != nil {
		return iv, fmt.Errorf("%w: <Image> GUID %q: %v", ErrInvalid, guid, err)
	}
	iv.Identifier = id

	typ, _ := img.ChildValue("Type")
	switch typ {
	case "Plain":
		iv.Type = ImageTypePlain
	case "Compressed":
		iv.Type = ImageTypeCompressed
	default:
		return iv, fmt.Errorf("%w: <Image> type %q", ErrInvalid, typ)
	}

	iv.Filename, ok = img.ChildValue("File")
	if !ok || iv.Filename == "" {
		return iv, fmt.Errorf("%w: <Image> without <File>", ErrInvalid)
	}
	return iv, nil
}

func (d *Descriptor) parseSnapshots(snaps *xmltag.Tag) error {
	if snaps == nil {
		return nil // legal: single-image disks have no <Snapshots>
	}
	if top, ok := snaps.ChildValue("TopGUID"); ok && top != "" {
		id, err := uuid.Parse(top)
		if err != nil {
			return fmt.Errorf("%w: <TopGUID> %q: %v", ErrInvalid, top, err)
		}
		d.TopSnapshot = id
	}
	for _, shot := range snaps.Children {
		if shot.Name != "Shot" {
			continue
		}
		var sv SnapshotValues
		guid, ok := shot.ChildValue("GUID")
		if !ok {
			return fmt.Errorf("%w: <Shot> without <GUID>", ErrInvalid)
		}
		id, err := uuid.Parse(guid)
		if err != nil {
			return fmt.Errorf("%w: <Shot> GUID %q: %v", ErrInvalid, guid, err)
		}
		sv.Identifier = id

		// An empty or all-zero ParentGUID marks a root snapshot
		if parent, ok := shot.ChildValue("ParentGUID"); ok && parent != "" {
			id, err := uuid.Parse(parent)
			if err != nil {
				return fmt.Errorf("%w: <Shot> ParentGUID %q: %v", ErrInvalid, parent, err)
			}
			sv.ParentIdentifier = id
		}
		sv.Filename, _ = shot.ChildValue("File")
		d.Snapshots = append(d.Snapshots, sv)
	}
	if d.TopSnapshot != uuid.Nil && d.Snapshot(d.TopSnapshot) == nil {
		return fmt.Errorf("%w: <TopGUID> names no <Shot>", ErrInvalid)
	}
	return nil
}

// checkCoverage requires the storages to tile [0, MediaSize)
// without gap or overlap.
func (d *Descriptor) checkCoverage() error {
	slices.SortStableFunc(d.Storages, func(a, b Storage) int {
		return cmp.Compare(a.StartOffset, b.StartOffset)
	})
	var next int64
	for i := range d.Storages {
		s := &d.Storages[i]
		if s.StartOffset != next {
			return fmt.Errorf("%w: extent %d starts at %d, expected %d (extents must be contiguous from 0)",
				ErrInvalid, i, s.StartOffset, next)
		}
		next = s.EndOffset
	}
	if uint64(next) != d.MediaSize {
		return fmt.Errorf("%w: extents cover %d bytes of a %d-byte medium",
			ErrInvalid, next, d.MediaSize)
	}
	return nil
}

func requiredNumber(t *xmltag.Tag, name string) (uint64, error) {
	v, ok := t.ChildValue(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing <%s>", ErrInvalid, name)
	}
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> value %q is not a number", ErrInvalid, name, v)
	}
	return n, nil
}

func optionalNumber(t *xmltag.Tag, name string) uint64 {
	v, ok := t.ChildValue(name)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseUint(v, 10, 63)
	return n
}
