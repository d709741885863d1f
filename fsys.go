// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package phdi

import (
	"io"
	"io/fs"
	"time"
)

// FileSystem presents the medium as an fs.FS holding one regular file with
// the given name. Every opened file carries its own read position, so the
// result is safe to share.
func (d *Disk) FileSystem(name string) fs.FS {
	return &mediaFS{disk: d, name: name}
}

type mediaFS struct {
	disk *Disk
	name string
}

type mediaDir struct {
	fsys     *mediaFS
	listDone bool
}

type mediaFile struct {
	fsys *mediaFS
	seek int64
}

func (fsys *mediaFS) Open(name string) (fs.File, error) {
	switch name {
	default:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case ".":
		return &mediaDir{fsys: fsys}, nil
	case fsys.name:
		return &mediaFile{fsys: fsys}, nil
	}
}

func (f *mediaFile) Read(p []byte) (int, error) {
	n, err := f.fsys.disk.ReadBufferAt(p, f.seek)
	f.seek += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return n, err
}

func (f *mediaFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.fsys.disk.ReadBufferAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *mediaFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.seek
	case io.SeekEnd:
		offset += f.fsys.disk.MediaSize()
	default:
		return 0, fs.ErrInvalid
	}
	if offset < 0 {
		return 0, fs.ErrInvalid
	}
	f.seek = offset
	return offset, nil
}

func (f *mediaFile) Stat() (fs.FileInfo, error) { return f, nil }
func (f *mediaFile) Close() error               { return nil }

func (f *mediaFile) Name() string               { return f.fsys.name }
func (f *mediaFile) Size() int64                { return f.fsys.disk.MediaSize() }
func (f *mediaFile) Mode() fs.FileMode          { return 0o444 }
func (f *mediaFile) Type() fs.FileMode          { return 0 } // regular file
func (f *mediaFile) ModTime() time.Time         { return time.Time{} }
func (f *mediaFile) IsDir() bool                { return false }
func (f *mediaFile) Sys() any                   { return nil }
func (f *mediaFile) Info() (fs.FileInfo, error) { return f, nil }

func (d *mediaDir) Read(p []byte) (int, error) { return 0, fs.ErrInvalid }
func (d *mediaDir) Stat() (fs.FileInfo, error) { return d, nil }
func (d *mediaDir) Close() error               { return nil }

func (d *mediaDir) ReadDir(count int) ([]fs.DirEntry, error) {
	if d.listDone {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	d.listDone = true
	return []fs.DirEntry{&mediaFile{fsys: d.fsys}}, nil
}

func (d *mediaDir) Name() string       { return "." }
func (d *mediaDir) Size() int64        { return 0 }
func (d *mediaDir) Mode() fs.FileMode  { return 0o555 | fs.ModeDir }
func (d *mediaDir) ModTime() time.Time { return time.Time{} }
func (d *mediaDir) IsDir() bool        { return true }
func (d *mediaDir) Sys() any           { return nil }
