// Package origin is the contract mcachefs uses to talk to the slower store
// it shadows, plus the local-directory implementation that ships with it.
//
// Every path handed to a Store is a cleaned, "/"-rooted path relative to
// the store root. Errors wrap syscall.Errno so callers can test them with
// errors.Is(err, syscall.ENOENT).
package origin

import (
	"io"
	"os"
	"path"
	"syscall"
	"time"
)

// Attr is the attribute set mcachefs tracks per filesystem object.
type Attr struct {
	Ino   uint64
	Mode  uint32 // file type and permission bits, as in st_mode
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint64
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Type returns the S_IFMT bits of the mode.
func (a Attr) Type() uint32 { return a.Mode & syscall.S_IFMT }

// Perm returns the permission bits (including setuid/setgid/sticky).
func (a Attr) Perm() uint32 { return a.Mode &^ syscall.S_IFMT }

func (a Attr) IsDir() bool     { return a.Type() == syscall.S_IFDIR }
func (a Attr) IsRegular() bool { return a.Type() == syscall.S_IFREG }
func (a Attr) IsSymlink() bool { return a.Type() == syscall.S_IFLNK }

// DirEntry is one name returned by ReadDir.
type DirEntry struct {
	Name string
	Mode uint32 // S_IFMT bits only
	Ino  uint64
}

// Store is the origin collaborator. Reads happen on cache misses; writes
// happen only while the flush engine drains the journal.
type Store interface {
	Stat(path string) (Attr, error)
	ReadDir(path string) ([]DirEntry, error)
	Readlink(path string) (string, error)
	Open(path string) (*os.File, error)

	Create(path string, mode uint32) error
	Mknod(path string, mode uint32, rdev uint64) error
	Mkdir(path string, mode uint32) error
	Symlink(target, path string) error
	Link(oldpath, newpath string) error
	Unlink(path string) error
	Rmdir(path string) error
	Rename(from, to string) error

	// Chown follows chown(2): -1 leaves the field unchanged.
	Chown(path string, uid, gid int) error
	Chmod(path string, mode uint32) error
	Truncate(path string, size int64) error
	Utimens(path string, atime, mtime time.Time) error
	// WriteFrom copies length bytes of src starting at off into the same
	// range of path.
	WriteFrom(path string, src io.ReaderAt, off, length int64) error

	Statfs(path string) (*syscall.Statfs_t, error)
}

// Clean normalizes p into the "/"-rooted identity form used everywhere in
// mcachefs: no trailing slash, no "." or ".." segments.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Parent returns the parent identity of p. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(p)
}

// Join returns the identity of name inside dir.
func Join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// HasPrefix reports whether p is prefix itself or lies below it.
func HasPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || (len(p) > len(prefix) && p[len(prefix)] == '/' && p[:len(prefix)] == prefix)
}

// Rebase moves p from below oldPrefix to below newPrefix. p must satisfy
// HasPrefix(p, oldPrefix).
func Rebase(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}
	rest := p[len(oldPrefix):]
	if oldPrefix == "/" {
		rest = p
	}
	if newPrefix == "/" {
		return rest
	}
	return newPrefix + rest
}
