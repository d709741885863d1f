// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/elliotnunn/phdi"
)

const (
	rootInode  = fuseops.RootInodeID
	mediaInode = fuseops.RootInodeID + 1
)

// mediaFS is the two-inode filesystem: the root directory and the raw
// media file inside it.
type mediaFS struct {
	fuseutil.NotImplementedFileSystem
	disk *phdi.Disk
	size int64
}

func (fs *mediaFS) rootAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  0o555 | os.ModeDir,
	}
}

func (fs *mediaFS) mediaAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  0o444,
		Size:  uint64(fs.size),
	}
}

func (fs *mediaFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = phdi.SectorSize
	op.Blocks = uint64(fs.size) / phdi.SectorSize
	op.IoSize = 1 << 20
	return nil
}

func (fs *mediaFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != rootInode || op.Name != mediaName {
		return fuse.ENOENT
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                mediaInode,
		Attributes:           fs.mediaAttributes(),
		AttributesExpiration: expiry(),
		EntryExpiration:      expiry(),
	}
	return nil
}

func (fs *mediaFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	switch op.Inode {
	case rootInode:
		op.Attributes = fs.rootAttributes()
	case mediaInode:
		op.Attributes = fs.mediaAttributes()
	default:
		return fuse.ENOENT
	}
	op.AttributesExpiration = expiry()
	return nil
}

func (fs *mediaFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOTDIR
	}
	return nil
}

func (fs *mediaFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOTDIR
	}
	if op.Offset > 0 {
		return nil
	}
	op.BytesRead = fuseutil.WriteDirent(op.Dst, fuseutil.Dirent{
		Offset: 1,
		Inode:  mediaInode,
		Name:   mediaName,
		Type:   fuseutil.DT_File,
	})
	return nil
}

func (fs *mediaFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if op.Inode != mediaInode {
		return fuse.EINVAL
	}
	op.KeepPageCache = true // the medium is immutable
	return nil
}

func (fs *mediaFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := fs.disk.ReadBufferAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err == io.EOF {
		return nil
	}
	return err
}

func (fs *mediaFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *mediaFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func expiry() time.Time {
	return time.Now().Add(time.Hour) // nothing here ever changes
}
