// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package storage turns the descriptor model into an ordered extent table,
// resolving each extent's snapshot chain into a leaf-first list of images.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/elliotnunn/phdi/internal/descriptor"
	"github.com/google/uuid"
)

var (
	ErrDangling = errors.New("dangling snapshot or image reference")
	ErrCycle    = errors.New("cycle in snapshot chain")
)

// Image is one link of an extent's chain, with its backing file located.
type Image struct {
	Values descriptor.ImageValues
	Path   string // descriptor-directory-relative filename joined onto baseDir
}

// Extent is one contiguous byte range of the medium.
// Images runs leaf-first: element 0 is read first, later elements back the
// holes of earlier ones.
type Extent struct {
	StartOffset int64
	Size        int64
	Images      []Image
}

// Table is the ordered, contiguous list of extents.
type Table struct {
	Extents []Extent
}

// Resolve builds the extent table. baseDir is the directory holding the
// descriptor; image filenames are interpreted relative to it.
func Resolve(d *descriptor.Descriptor, baseDir string) (*Table, error) {
	t := &Table{}
	for i := range d.Storages {
		s := &d.Storages[i]
		chain, err := resolveChain(d, s)
		if err != nil {
			return nil, fmt.Errorf("extent %d: %w", i, err)
		}
		e := Extent{
			StartOffset: s.StartOffset,
			Size:        s.Size(),
		}
		for _, iv := range chain {
			e.Images = append(e.Images, Image{
				Values: iv,
				Path:   filepath.Join(baseDir, filepath.FromSlash(iv.Filename)),
			})
		}
		t.Extents = append(t.Extents, e)
	}
	return t, nil
}

// resolveChain walks from the top snapshot down the ParentGUID links,
// selecting at each step the storage's image whose GUID matches the
// snapshot identifier.
func resolveChain(d *descriptor.Descriptor, s *descriptor.Storage) ([]descriptor.ImageValues, error) {
	if d.TopSnapshot == uuid.Nil {
		// No snapshots: the storage's single image is the whole chain
		if len(s.Images) != 1 {
			return nil, fmt.Errorf("%w: %d images but no top snapshot to choose between them",
				ErrDangling, len(s.Images))
		}
		return []descriptor.ImageValues{s.Images[0]}, nil
	}

	imageByID := make(map[uuid.UUID]descriptor.ImageValues, len(s.Images))
	for _, iv := range s.Images {
		imageByID[iv.Identifier] = iv
	}

	var chain []descriptor.ImageValues
	visited := make(map[uuid.UUID]bool)
	for id := d.TopSnapshot; id != uuid.Nil; {
		if visited[id] {
			return nil, fmt.Errorf("%w: snapshot %s revisited", ErrCycle, id)
		}
		visited[id] = true

		shot := d.Snapshot(id)
		if shot == nil {
			return nil, fmt.Errorf("%w: no snapshot %s", ErrDangling, id)
		}
		iv, ok := imageByID[id]
		if !ok {
			return nil, fmt.Errorf("%w: no image for snapshot %s", ErrDangling, id)
		}
		chain = append(chain, iv)
		id = shot.ParentIdentifier
	}
	return chain, nil
}

// Find returns the index of the extent containing the byte at off,
// or -1 when off is outside the medium.
func (t *Table) Find(off int64) int {
	if off < 0 {
		return -1
	}
	i := sort.Search(len(t.Extents), func(i int) bool {
		return t.Extents[i].StartOffset+t.Extents[i].Size > off
	})
	if i == len(t.Extents) {
		return -1
	}
	return i
}

// MediaSize is the total byte size covered by the table.
func (t *Table) MediaSize() int64 {
	if len(t.Extents) == 0 {
		return 0
	}
	last := &t.Extents[len(t.Extents)-1]
	return last.StartOffset + last.Size
}
