//go:build linux

package fuse

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mcachefs/mcachefs/internal/origin"
)

// toErrno maps an engine error to the errno returned to the kernel.
// Anything that does not carry an errno becomes EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EPERM
	}
	return syscall.EIO
}

func fillAttr(a origin.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.Rdev = uint32(a.Rdev)
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// setattr is a decoded SETATTR request. Chown fields are -1 when unset.
type setattr struct {
	mode         *uint32
	uid, gid     int64
	size         *int64
	atime, mtime *time.Time
}

func (s setattr) chown() bool { return s.uid >= 0 || s.gid >= 0 }

func (s setattr) times() bool { return s.atime != nil || s.mtime != nil }

func decodeSetattr(in *fuse.SetAttrIn, now time.Time) setattr {
	s := setattr{uid: -1, gid: -1}
	if m, ok := in.GetMode(); ok {
		m &= 07777
		s.mode = &m
	}
	if u, ok := in.GetUID(); ok {
		s.uid = int64(u)
	}
	if g, ok := in.GetGID(); ok {
		s.gid = int64(g)
	}
	if sz, ok := in.GetSize(); ok {
		n := int64(sz)
		s.size = &n
	}
	switch {
	case in.Valid&fuse.FATTR_ATIME_NOW != 0:
		s.atime = &now
	case in.Valid&fuse.FATTR_ATIME != 0:
		at := time.Unix(int64(in.Atime), int64(in.Atimensec))
		s.atime = &at
	}
	switch {
	case in.Valid&fuse.FATTR_MTIME_NOW != 0:
		s.mtime = &now
	case in.Valid&fuse.FATTR_MTIME != 0:
		mt := time.Unix(int64(in.Mtime), int64(in.Mtimensec))
		s.mtime = &mt
	}
	return s
}
