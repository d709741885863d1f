// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// makeImage builds a sparse image file in memory.
// bat entries are sector numbers, 0 for holes.
func makeImage(t *testing.T, blockSectors uint32, bat []uint32, fill byte) []byte {
	t.Helper()
	dataStart := uint32(1) // sector 1 leaves room for header+BAT as long as they fit in 512 bytes
	for HeaderSize+4*len(bat) > int(dataStart)*SectorSize {
		dataStart++
	}

	end := int64(dataStart) * SectorSize
	for _, e := range bat {
		if e != 0 {
			end = max(end, int64(e)*SectorSize+int64(blockSectors)*SectorSize)
		}
	}

	img := make([]byte, end)
	copy(img, "WithoutFreeSpace")
	binary.LittleEndian.PutUint32(img[16:], 2) // version
	binary.LittleEndian.PutUint32(img[28:], blockSectors)
	binary.LittleEndian.PutUint32(img[32:], uint32(len(bat)))
	binary.LittleEndian.PutUint64(img[36:], uint64(len(bat))*uint64(blockSectors))
	binary.LittleEndian.PutUint32(img[48:], dataStart)
	for i, e := range bat {
		binary.LittleEndian.PutUint32(img[HeaderSize+4*i:], e)
		if e != 0 {
			start := int64(e) * SectorSize
			for j := int64(0); j < int64(blockSectors)*SectorSize; j++ {
				img[start+j] = fill
			}
		}
	}
	return img
}

func TestOpen(t *testing.T) {
	img := makeImage(t, 8, []uint32{1, 0, 9}, 0xcc)
	s, err := Open(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Header.BlockSizeBytes(); got != 8*512 {
		t.Errorf("block size %d bytes", got)
	}
	if got := s.MediaBytes(); got != 3*8*512 {
		t.Errorf("media bytes %d", got)
	}
	if sec, ok := s.BAT.Get(0); !ok || sec != 1 {
		t.Errorf("BAT[0] = %d, %v", sec, ok)
	}
	if _, ok := s.BAT.Get(1); ok {
		t.Error("BAT[1] should be a hole")
	}
	if sec, ok := s.BAT.Get(2); !ok || sec != 9 {
		t.Errorf("BAT[2] = %d, %v", sec, ok)
	}
	if _, ok := s.BAT.Get(3); ok {
		t.Error("BAT[3] is past the table")
	}
	if _, ok := s.BAT.Get(-1); ok {
		t.Error("negative index")
	}
}

func TestBadSignature(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	copy(img, "NotAParallelsImg")
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

func TestExtendedSignatureRefused(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	copy(img, "WithouFreSpacExt")
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

func TestBadVersion(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	binary.LittleEndian.PutUint32(img[16:], 3)
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

func TestZeroBlockSize(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	binary.LittleEndian.PutUint32(img[28:], 0)
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v", err)
	}
}

func TestEntryBeforeDataStart(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	binary.LittleEndian.PutUint32(img[48:], 2) // data starts at sector 2, entry points at 1
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v", err)
	}
}

func TestEntryPastEndOfFile(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	binary.LittleEndian.PutUint32(img[HeaderSize:], 1000)
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v", err)
	}
}

func TestTruncatedBAT(t *testing.T) {
	img := makeImage(t, 8, []uint32{1}, 0)
	binary.LittleEndian.PutUint32(img[32:], 1<<30)
	_, err := Open(bytes.NewReader(img), int64(len(img)))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v", err)
	}
}
