//go:build linux

package origin

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultBufferSize is used by WriteFrom when Dir.BufferSize is unset.
const DefaultBufferSize = 1 << 20

// Dir is a Store rooted at a local directory.
type Dir struct {
	Root       string
	BufferSize int64
}

var _ Store = (*Dir)(nil)

// NewDir returns a Dir for root after checking that root is a directory.
func NewDir(root string, bufferSize int64) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, fmt.Errorf("origin %s: %w", abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("origin %s: %w", abs, syscall.ENOTDIR)
	}
	return &Dir{Root: abs, BufferSize: bufferSize}, nil
}

// Path maps an identity to the host path below Root.
func (d *Dir) Path(p string) string {
	return d.Root + Clean(p)
}

func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func (d *Dir) Stat(p string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(d.Path(p), &st); err != nil {
		return Attr{}, wrap("lstat", p, err)
	}
	return attrFromStat(&st), nil
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Ino:   st.Ino,
		Mode:  st.Mode,
		Nlink: uint32(st.Nlink),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Rdev:  uint64(st.Rdev),
		Size:  st.Size,
		Atime: time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)),
		Mtime: time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
		Ctime: time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)),
	}
}

func (d *Dir) ReadDir(p string) ([]DirEntry, error) {
	f, err := os.Open(d.Path(p))
	if err != nil {
		return nil, wrap("opendir", p, unwrapPathError(err))
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, wrap("readdir", p, unwrapPathError(err))
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		var ino uint64
		if info, err := e.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				ino = st.Ino
			}
		}
		out = append(out, DirEntry{Name: e.Name(), Mode: typeBits(e.Type()), Ino: ino})
	}
	return out, nil
}

func typeBits(t os.FileMode) uint32 {
	switch {
	case t&os.ModeDir != 0:
		return syscall.S_IFDIR
	case t&os.ModeSymlink != 0:
		return syscall.S_IFLNK
	case t&os.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case t&os.ModeSocket != 0:
		return syscall.S_IFSOCK
	case t&os.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case t&os.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return syscall.S_IFREG
}

// unwrapPathError strips *os.PathError so the wrapped message does not
// repeat the host path.
func unwrapPathError(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

func (d *Dir) Readlink(p string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(d.Path(p), buf)
	if err != nil {
		return "", wrap("readlink", p, err)
	}
	return string(buf[:n]), nil
}

func (d *Dir) Open(p string) (*os.File, error) {
	f, err := os.OpenFile(d.Path(p), os.O_RDONLY, 0)
	if err != nil {
		return nil, wrap("open", p, unwrapPathError(err))
	}
	return f, nil
}

func (d *Dir) Create(p string, mode uint32) error {
	fd, err := unix.Open(d.Path(p), unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_CLOEXEC, mode&07777)
	if err != nil {
		return wrap("create", p, err)
	}
	return wrap("create", p, unix.Close(fd))
}

func (d *Dir) Mknod(p string, mode uint32, rdev uint64) error {
	return wrap("mknod", p, unix.Mknod(d.Path(p), mode, int(rdev)))
}

func (d *Dir) Mkdir(p string, mode uint32) error {
	return wrap("mkdir", p, unix.Mkdir(d.Path(p), mode&07777))
}

func (d *Dir) Symlink(target, p string) error {
	return wrap("symlink", p, unix.Symlink(target, d.Path(p)))
}

func (d *Dir) Link(oldpath, newpath string) error {
	return wrap("link", newpath, unix.Link(d.Path(oldpath), d.Path(newpath)))
}

func (d *Dir) Unlink(p string) error {
	return wrap("unlink", p, unix.Unlink(d.Path(p)))
}

func (d *Dir) Rmdir(p string) error {
	return wrap("rmdir", p, unix.Rmdir(d.Path(p)))
}

func (d *Dir) Rename(from, to string) error {
	return wrap("rename", from, unix.Rename(d.Path(from), d.Path(to)))
}

func (d *Dir) Chown(p string, uid, gid int) error {
	return wrap("chown", p, unix.Lchown(d.Path(p), uid, gid))
}

func (d *Dir) Chmod(p string, mode uint32) error {
	return wrap("chmod", p, unix.Chmod(d.Path(p), mode&07777))
}

func (d *Dir) Truncate(p string, size int64) error {
	return wrap("truncate", p, unix.Truncate(d.Path(p), size))
}

func (d *Dir) Utimens(p string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return wrap("utimens", p, unix.UtimesNanoAt(unix.AT_FDCWD, d.Path(p), ts, unix.AT_SYMLINK_NOFOLLOW))
}

func (d *Dir) WriteFrom(p string, src io.ReaderAt, off, length int64) error {
	f, err := os.OpenFile(d.Path(p), os.O_WRONLY, 0)
	if err != nil {
		return wrap("open", p, unwrapPathError(err))
	}

	bufSize := d.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if length < bufSize {
		bufSize = length
	}
	buf := make([]byte, bufSize)

	for done := int64(0); done < length; {
		chunk := buf
		if rest := length - done; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, rerr := src.ReadAt(chunk, off+done)
		if n > 0 {
			if _, werr := f.WriteAt(chunk[:n], off+done); werr != nil {
				f.Close()
				return wrap("write", p, unwrapPathError(werr))
			}
			done += int64(n)
		}
		if rerr == io.EOF {
			// The source shrank after the write was journaled; a later
			// truncate entry carries the final size.
			break
		}
		if rerr != nil {
			f.Close()
			return wrap("read", p, rerr)
		}
	}
	return wrap("close", p, f.Close())
}

func (d *Dir) Statfs(p string) (*syscall.Statfs_t, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(d.Path(p), &st); err != nil {
		return nil, wrap("statfs", p, err)
	}
	return &st, nil
}
