// Copyright 2026 The ClaudeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file adapts a VfsBackend to jacobsa/fuse's fuseutil.FileSystem, the
// same shape gcsfuse's fs.fileSystem implements over its GCS-backed inode
// tree. Keeping the jacobsa/fuse import confined to this one file is what
// lets internal/engine, internal/writebuffer, and the rest of the core
// never import a kernel bridge at all.
package vfsbridge

import (
	"math"
	"os"
	"syscall"

	"github.com/claudefs/claudefs/internal/claudefserr"
	"github.com/claudefs/claudefs/internal/enforce"
	"github.com/claudefs/claudefs/internal/inode"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// fileSystem is the fuseutil.FileSystem adapter over a VfsBackend.
// Methods spec.md §6 doesn't name fall through to NotImplementedFileSystem
// (hard links, device nodes, and the like), the same way
// gcsfuse's fileSystem leaves exotic ops unimplemented rather than
// faking support for operations ClaudeFS never claimed to offer.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem
	backend VfsBackend
	uid     uint32
	gid     uint32
}

// NewServer builds a fuse.Server over backend, suitable for
// fuse.Mount. uid/gid are the identity the adapter passes to the backend
// for every create, mkdir, symlink, and write; the caller identity the
// kernel attaches to an op is not used.
func NewServer(backend VfsBackend, uid, gid uint32) fuse.Server {
	return fuseutil.NewFileSystemServer(&fileSystem{backend: backend, uid: uid, gid: gid})
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	var cerr *claudefserr.Error
	if ce, ok := err.(*claudefserr.Error); ok {
		cerr = ce
	}
	if cerr == nil {
		return fuse.EIO
	}
	switch cerr.Kind {
	case claudefserr.KindNotFound:
		return fuse.ENOENT
	case claudefserr.KindAlreadyExists:
		return fuse.EEXIST
	case claudefserr.KindPermissionDenied, claudefserr.KindQuotaExceeded:
		return fuse.EPERM
	case claudefserr.KindOutOfSpace:
		return syscall.ENOSPC
	default:
		return fuse.EIO
	}
}

func attrsToFuse(id inode.ID, a inode.Attributes) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  modeToFileMode(a.Kind, a.Mode),
		Uid:   a.UID,
		Gid:   a.GID,
	}
}

// modeToFileMode combines an inode's kind with its permission bits into
// the os.FileMode fuseops.InodeAttributes expects.
func modeToFileMode(kind inode.Kind, perm uint32) os.FileMode {
	mode := os.FileMode(perm) & os.ModePerm
	switch kind {
	case inode.KindDirectory:
		mode |= os.ModeDir
	case inode.KindSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fs *fileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (fs *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	snap, err := fs.backend.Lookup(op.Context(), inode.ID(op.Parent), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(snap.ID)
	op.Entry.Attributes = attrsToFuse(snap.ID, snap.Attrs)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.backend.GetAttr(op.Context(), inode.ID(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsToFuse(inode.ID(op.Inode), attrs)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	req := SetAttrRequest{Size: op.Size, Mode: nil}
	if op.Mode != nil {
		m := uint32(*op.Mode)
		req.Mode = &m
	}
	attrs, err := fs.backend.SetAttr(op.Context(), inode.ID(op.Inode), req)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsToFuse(inode.ID(op.Inode), attrs)
	return nil
}

func (fs *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	return nil
}

func (fs *fileSystem) MkDir(op *fuseops.MkDirOp) error {
	snap, err := fs.backend.Mkdir(op.Context(), inode.ID(op.Parent), op.Name, uint32(op.Mode), fs.uid, fs.gid)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(snap.ID)
	op.Entry.Attributes = attrsToFuse(snap.ID, snap.Attrs)
	return nil
}

func (fs *fileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	snap, err := fs.backend.Create(op.Context(), inode.ID(op.Parent), op.Name, uint32(op.Mode), fs.uid, fs.gid)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(snap.ID)
	op.Entry.Attributes = attrsToFuse(snap.ID, snap.Attrs)
	return nil
}

func (fs *fileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	snap, err := fs.backend.Symlink(op.Context(), inode.ID(op.Parent), op.Name, op.Target, fs.uid, fs.gid)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(snap.ID)
	op.Entry.Attributes = attrsToFuse(snap.ID, snap.Attrs)
	return nil
}

func (fs *fileSystem) RmDir(op *fuseops.RmDirOp) error {
	return toErrno(fs.backend.Rmdir(op.Context(), inode.ID(op.Parent), op.Name))
}

func (fs *fileSystem) Unlink(op *fuseops.UnlinkOp) error {
	return toErrno(fs.backend.Unlink(op.Context(), inode.ID(op.Parent), op.Name))
}

func (fs *fileSystem) Rename(op *fuseops.RenameOp) error {
	return toErrno(fs.backend.Rename(op.Context(), inode.ID(op.OldParent), op.OldName, inode.ID(op.NewParent), op.NewName))
}

func (fs *fileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	_, err := fs.backend.Readdir(op.Context(), inode.ID(op.Inode))
	return toErrno(err)
}

func (fs *fileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	entries, err := fs.backend.Readdir(op.Context(), inode.ID(op.Inode))
	if err != nil {
		return toErrno(err)
	}

	var buf []byte
	offset := fuseops.DirOffset(1)
	for i, e := range entries {
		if int(op.Offset) > i {
			offset++
			continue
		}
		direntType := fuseutil.DT_File
		if e.Kind == inode.KindDirectory {
			direntType = fuseutil.DT_Directory
		} else if e.Kind == inode.KindSymlink {
			direntType = fuseutil.DT_Link
		}
		n := fuseutil.WriteDirent(op.Dst[len(buf):], fuseutil.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(e.Inode),
			Name:   e.Name,
			Type:   direntType,
		})
		if n == 0 {
			break
		}
		buf = op.Dst[:len(buf)+n]
		offset++
	}
	op.BytesRead = len(buf)
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *fileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	_, err := fs.backend.GetAttr(op.Context(), inode.ID(op.Inode))
	return toErrno(err)
}

func (fs *fileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	if len(op.Dst) == 0 {
		return nil
	}
	data, err := fs.backend.Read(op.Context(), inode.ID(op.Inode), uint64(op.Offset), len(op.Dst))
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *fileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	target, err := fs.backend.Readlink(op.Context(), inode.ID(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *fileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	attrs, err := fs.backend.GetAttr(op.Context(), inode.ID(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	acl := enforce.ACL{OwnerUID: attrs.UID, OwnerGID: attrs.GID}
	subj := enforce.Subject{Kind: enforce.SubjectUser, ID: fs.uid}
	err = fs.backend.Write(op.Context(), inode.ID(op.Inode), uint64(op.Offset), op.Data, subj, acl, fs.uid, fs.gid)
	return toErrno(err)
}

func (fs *fileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	return toErrno(fs.backend.Fsync(op.Context(), inode.ID(op.Inode)))
}

func (fs *fileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	return toErrno(fs.backend.Fsync(op.Context(), inode.ID(op.Inode)))
}

func (fs *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *fileSystem) StatFS(op *fuseops.StatFSOp) error {
	info, err := fs.backend.Statfs(op.Context())
	if err != nil {
		return toErrno(err)
	}
	op.BlockSize = 4096
	op.Blocks = info.TotalBytes / 4096
	op.BlocksFree = info.FreeBytes / 4096
	op.BlocksAvailable = info.FreeBytes / 4096
	op.Inodes = info.TotalInodes
	if op.Inodes == 0 {
		op.Inodes = math.MaxUint64 / 2
	}
	op.InodesFree = info.FreeInodes
	return nil
}

func (fs *fileSystem) GetXattr(op *fuseops.GetXattrOp) error {
	v, err := fs.backend.GetXattr(op.Context(), inode.ID(op.Inode), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = copy(op.Dst, v)
	return nil
}

func (fs *fileSystem) SetXattr(op *fuseops.SetXattrOp) error {
	return toErrno(fs.backend.SetXattr(op.Context(), inode.ID(op.Inode), op.Name, op.Value))
}

func (fs *fileSystem) Fallocate(op *fuseops.FallocateOp) error {
	return toErrno(fs.backend.Fallocate(op.Context(), inode.ID(op.Inode), op.Offset, op.Length))
}

var _ fuseutil.FileSystem = (*fileSystem)(nil)
