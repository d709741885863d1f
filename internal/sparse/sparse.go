// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sparse reads the header and block allocation table of a Parallels
// sparse (.hds) image.
//
// The file starts with a 64-byte little-endian header, followed immediately
// by the BAT: one uint32 starting-sector number per block, zero meaning the
// block was never allocated. Block data begins at DataStartSector.
package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	SectorSize = 512
	HeaderSize = 64

	signature    = "WithoutFreeSpace"
	signatureExt = "WithouFreSpacExt" // extended variant, layout undefined, refused
)

var (
	ErrUnsupported = errors.New("unsupported sparse image format")
	ErrCorrupt     = errors.New("corrupt sparse image")
)

// Header is the fixed-size prefix of a sparse image file.
type Header struct {
	FormatVersion   uint32
	Heads           uint32 // informational
	Cylinders       uint32 // informational
	BlockSize       uint32 // sectors per block
	BATEntryCount   uint32
	SectorCount     uint64
	InUse           uint32 // informational
	DataStartSector uint32
}

// BlockSizeBytes returns the byte size of one block.
func (h *Header) BlockSizeBytes() int64 {
	return int64(h.BlockSize) * SectorSize
}

// ParseHeader decodes and validates the 64-byte header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: file shorter than the %d-byte header", ErrCorrupt, HeaderSize)
	}
	switch string(data[0:16]) {
	case signature:
	case signatureExt:
		return nil, fmt.Errorf("%w: extended sparse images (%q) are not supported", ErrUnsupported, signatureExt)
	default:
		return nil, fmt.Errorf("%w: bad signature", ErrUnsupported)
	}

	h := &Header{
		FormatVersion:   binary.LittleEndian.Uint32(data[16:]),
		Heads:           binary.LittleEndian.Uint32(data[20:]),
		Cylinders:       binary.LittleEndian.Uint32(data[24:]),
		BlockSize:       binary.LittleEndian.Uint32(data[28:]),
		BATEntryCount:   binary.LittleEndian.Uint32(data[32:]),
		SectorCount:     binary.LittleEndian.Uint64(data[36:]),
		InUse:           binary.LittleEndian.Uint32(data[44:]),
		DataStartSector: binary.LittleEndian.Uint32(data[48:]),
	}
	if h.FormatVersion != 2 {
		return nil, fmt.Errorf("%w: format version %d", ErrUnsupported, h.FormatVersion)
	}
	if h.BlockSize == 0 {
		return nil, fmt.Errorf("%w: zero block size", ErrCorrupt)
	}
	return h, nil
}

// BAT maps block indices to the starting sector of the block within the
// same file. Entry 0 means the block is a hole.
type BAT struct {
	entries []uint32
}

// Len returns the number of entries.
func (b *BAT) Len() int { return len(b.entries) }

// Get returns the starting sector of block i.
// ok is false when the block is a hole or i is past the table.
func (b *BAT) Get(i int64) (sector uint32, ok bool) {
	if i < 0 || i >= int64(len(b.entries)) {
		return 0, false
	}
	s := b.entries[i]
	return s, s != 0
}

// Image is a parsed sparse image: its header, BAT and backing file size.
type Image struct {
	Header *Header
	BAT    *BAT

	// FileSize bounds every allocated block; rechecked on each read.
	FileSize int64
}

// Open parses the header at offset 0 of r and loads the BAT that follows it.
// Every non-zero BAT entry is checked against the data start and file size.
func Open(r io.ReaderAt, fileSize int64) (*Image, error) {
	var hdr [HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("reading sparse image header: %w", err)
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	batBytes := int64(h.BATEntryCount) * 4
	if HeaderSize+batBytes > fileSize {
		return nil, fmt.Errorf("%w: %d BAT entries do not fit in a %d-byte file",
			ErrCorrupt, h.BATEntryCount, fileSize)
	}
	if int64(h.DataStartSector)*SectorSize < HeaderSize+batBytes {
		return nil, fmt.Errorf("%w: data start sector %d overlaps the BAT",
			ErrCorrupt, h.DataStartSector)
	}

	raw := make([]byte, batBytes)
	if _, err := r.ReadAt(raw, HeaderSize); err != nil {
		return nil, fmt.Errorf("reading BAT: %w", err)
	}

	blockBytes := h.BlockSizeBytes()
	entries := make([]uint32, h.BATEntryCount)
	for i := range entries {
		e := binary.LittleEndian.Uint32(raw[i*4:])
		if e == 0 {
			continue
		}
		if e < h.DataStartSector {
			return nil, fmt.Errorf("%w: BAT entry %d starts at sector %d, before the data area",
				ErrCorrupt, i, e)
		}
		if int64(e)*SectorSize+blockBytes > fileSize {
			return nil, fmt.Errorf("%w: BAT entry %d extends past the end of the file",
				ErrCorrupt, i)
		}
		entries[i] = e
	}

	return &Image{Header: h, BAT: &BAT{entries}, FileSize: fileSize}, nil
}

// MediaBytes is the number of bytes of the medium this image covers.
func (s *Image) MediaBytes() int64 {
	return int64(s.Header.SectorCount) * SectorSize
}
