package engine

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/handle"
	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// Owner is the caller identity new objects are created with.
type Owner struct {
	Uid uint32
	Gid uint32
}

// Lookup resolves p.
func (e *Engine) Lookup(p string) (meta.Entry, error) {
	return e.stat("lookup", p)
}

// Getattr returns the effective attributes of p.
func (e *Engine) Getattr(p string) (meta.Entry, error) {
	return e.stat("getattr", p)
}

func (e *Engine) stat(op, p string) (meta.Entry, error) {
	c := e.begin(op, p)
	p = origin.Clean(p)
	c.to(Resolved)
	ent, err := e.cache.Lookup(p)
	c.to(Consulted)
	return ent, c.done(err)
}

// Readdir lists p.
func (e *Engine) Readdir(p string) ([]origin.DirEntry, error) {
	c := e.begin("readdir", p)
	p = origin.Clean(p)
	c.to(Resolved)
	list, err := e.cache.Children(p)
	c.to(Consulted)
	return list, c.done(err)
}

// Readlink returns the target of the symlink p.
func (e *Engine) Readlink(p string) (string, error) {
	c := e.begin("readlink", p)
	p = origin.Clean(p)
	c.to(Resolved)
	target, err := e.cache.Readlink(p)
	c.to(Consulted)
	return target, c.done(err)
}

// Open opens the regular file p. O_TRUNC on a writable open truncates the
// file first.
func (e *Engine) Open(p string, flags int) (*handle.Handle, error) {
	c := e.begin("open", p)
	p = origin.Clean(p)
	c.to(Resolved)
	if flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		if _, err := e.truncate(c, p, 0); err != nil {
			return nil, c.done(err)
		}
	}
	h, err := e.handles.Open(p, flags)
	c.to(Consulted)
	if err == nil && flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		if ent, ok := e.cache.Snapshot(p); ok && e.transfer.Opened(ent) {
			e.trace.Log("open %s: queued for backup", p)
		}
	}
	return h, c.done(err)
}

// Create creates the regular file p and opens it.
func (e *Engine) Create(p string, mode uint32, flags int, owner Owner) (meta.Entry, *handle.Handle, error) {
	c := e.begin("create", p)
	p = origin.Clean(p)
	c.to(Resolved)
	ent, err := e.cache.Create(p, meta.NewObject{
		Mode: syscall.S_IFREG | mode&07777,
		Uid:  owner.Uid,
		Gid:  owner.Gid,
	})
	c.to(Consulted)
	if err != nil {
		return ent, nil, c.done(err)
	}
	c.to(Journaled)
	h, err := e.handles.Open(p, flags&^(os.O_CREATE|os.O_EXCL|os.O_TRUNC))
	return ent, h, c.done(err)
}

// Read reads from an open handle.
func (e *Engine) Read(h *handle.Handle, dest []byte, off int64) ([]byte, error) {
	c := e.begin("read", h.Path())
	c.to(Resolved)
	data, err := e.handles.Read(h, dest, off)
	c.to(Consulted)
	return data, c.done(err)
}

// Write writes to an open handle.
func (e *Engine) Write(h *handle.Handle, data []byte, off int64) (int, error) {
	c := e.begin("write", h.Path())
	c.to(Resolved)
	n, err := e.handles.Write(h, data, off)
	if err == nil {
		c.to(Journaled)
	}
	return n, c.done(err)
}

// Fsync syncs the backing file of an open handle.
func (e *Engine) Fsync(h *handle.Handle) error {
	c := e.begin("fsync", h.Path())
	c.to(Resolved)
	return c.done(e.handles.Sync(h))
}

// Release closes an open handle.
func (e *Engine) Release(h *handle.Handle) error {
	c := e.begin("release", h.Path())
	c.to(Resolved)
	return c.done(e.handles.Close(h))
}

// Mknod creates a special file (or a regular one when mode has no type).
func (e *Engine) Mknod(p string, mode uint32, rdev uint64, owner Owner) (meta.Entry, error) {
	switch mode & syscall.S_IFMT {
	case 0:
		mode |= syscall.S_IFREG
	case syscall.S_IFDIR, syscall.S_IFLNK:
		return meta.Entry{}, fmt.Errorf("mknod %s: %w", p, syscall.EINVAL)
	}
	return e.create("mknod", p, meta.NewObject{Mode: mode, Rdev: rdev, Uid: owner.Uid, Gid: owner.Gid})
}

// Mkdir creates the directory p.
func (e *Engine) Mkdir(p string, mode uint32, owner Owner) (meta.Entry, error) {
	return e.create("mkdir", p, meta.NewObject{Mode: syscall.S_IFDIR | mode&07777, Uid: owner.Uid, Gid: owner.Gid})
}

// Symlink creates the symlink p pointing at target.
func (e *Engine) Symlink(target, p string, owner Owner) (meta.Entry, error) {
	return e.create("symlink", p, meta.NewObject{Mode: syscall.S_IFLNK, Target: target, Uid: owner.Uid, Gid: owner.Gid})
}

func (e *Engine) create(op, p string, obj meta.NewObject) (meta.Entry, error) {
	c := e.begin(op, p)
	p = origin.Clean(p)
	c.to(Resolved)
	ent, err := e.cache.Create(p, obj)
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return ent, c.done(err)
}

// Link creates newpath as a hard link to oldpath.
func (e *Engine) Link(oldpath, newpath string) (meta.Entry, error) {
	c := e.begin("link", newpath)
	c.to(Resolved)
	ent, err := e.cache.Link(oldpath, newpath)
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return ent, c.done(err)
}

// Unlink removes the non-directory p.
func (e *Engine) Unlink(p string) error {
	return e.remove("unlink", p, false)
}

// Rmdir removes the empty directory p.
func (e *Engine) Rmdir(p string) error {
	return e.remove("rmdir", p, true)
}

func (e *Engine) remove(op, p string, dir bool) error {
	c := e.begin(op, p)
	p = origin.Clean(p)
	c.to(Resolved)
	err := e.cache.Remove(p, dir)
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return c.done(err)
}

// Rename moves from to to. Open handles follow the move.
func (e *Engine) Rename(from, to string) error {
	c := e.begin("rename", from)
	from, to = origin.Clean(from), origin.Clean(to)
	c.to(Resolved)
	_, err := e.cache.Rename(from, to)
	c.to(Consulted)
	if err != nil {
		return c.done(err)
	}
	c.to(Journaled)
	e.handles.Rename(from, to)
	return c.done(nil)
}

// Chown changes the owner of p. A negative uid or gid leaves that field
// unchanged; with both negative nothing is journaled.
func (e *Engine) Chown(p string, uid, gid int64) (meta.Entry, error) {
	c := e.begin("chown", p)
	p = origin.Clean(p)
	c.to(Resolved)
	if uid < 0 && gid < 0 {
		ent, err := e.cache.Lookup(p)
		c.to(Consulted)
		return ent, c.done(err)
	}

	var d meta.Delta
	je := journal.Entry{Op: journal.OpChown, Uid: journal.Unchanged, Gid: journal.Unchanged}
	if uid >= 0 {
		u := uint32(uid)
		d.Uid = &u
		je.Uid = uid
	}
	if gid >= 0 {
		g := uint32(gid)
		d.Gid = &g
		je.Gid = gid
	}
	return e.upsert(c, p, d, je)
}

// Chmod changes the permission bits of p.
func (e *Engine) Chmod(p string, mode uint32) (meta.Entry, error) {
	c := e.begin("chmod", p)
	p = origin.Clean(p)
	c.to(Resolved)
	mode &= 07777
	return e.upsert(c, p, meta.Delta{Mode: &mode}, journal.Entry{Op: journal.OpChmod, Mode: mode})
}

func (e *Engine) upsert(c *call, p string, d meta.Delta, je journal.Entry) (meta.Entry, error) {
	ent, err := e.cache.Upsert(p, d, je)
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return ent, c.done(err)
}

// Truncate sets the size of the regular file p.
func (e *Engine) Truncate(p string, size int64) (meta.Entry, error) {
	c := e.begin("truncate", p)
	p = origin.Clean(p)
	c.to(Resolved)
	ent, err := e.truncate(c, p, size)
	return ent, c.done(err)
}

func (e *Engine) truncate(c *call, p string, size int64) (meta.Entry, error) {
	if size < 0 {
		return meta.Entry{}, fmt.Errorf("truncate %s: %w", p, syscall.EINVAL)
	}
	ent, err := e.cache.Update(p, func(cur meta.Entry) (meta.Delta, *journal.Entry, error) {
		switch {
		case cur.Attr.IsDir():
			return meta.Delta{}, nil, fmt.Errorf("truncate %s: %w", p, syscall.EISDIR)
		case !cur.Attr.IsRegular():
			return meta.Delta{}, nil, fmt.Errorf("truncate %s: %w", p, syscall.EINVAL)
		}

		id := cur.DataID
		var err error
		if id == "" && size == 0 {
			// Nothing of the origin content survives; skip the copy.
			id = e.data.NewID()
			err = e.data.Create(id)
		} else {
			id, err = e.cache.CopyUp(cur)
		}
		if err != nil {
			return meta.Delta{}, nil, err
		}
		if err := e.data.Truncate(id, size); err != nil {
			return meta.Delta{}, nil, fmt.Errorf("truncate %s: %w", p, err)
		}

		now := time.Now()
		d := meta.Delta{Size: &size, Mtime: &now, DataID: &id, Data: true}
		return d, &journal.Entry{Op: journal.OpTruncate, Size: size, DataID: id}, nil
	})
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return ent, err
}

// Utimens sets the access and modification times of p. A nil time is left
// unchanged.
func (e *Engine) Utimens(p string, atime, mtime *time.Time) (meta.Entry, error) {
	c := e.begin("utimens", p)
	p = origin.Clean(p)
	c.to(Resolved)
	ent, err := e.cache.Update(p, func(cur meta.Entry) (meta.Delta, *journal.Entry, error) {
		at, mt := cur.Attr.Atime, cur.Attr.Mtime
		if atime != nil {
			at = *atime
		}
		if mtime != nil {
			mt = *mtime
		}
		d := meta.Delta{Atime: &at, Mtime: &mt}
		return d, &journal.Entry{Op: journal.OpUtime, Atime: at.UnixNano(), Mtime: mt.UnixNano()}, nil
	})
	c.to(Consulted)
	if err == nil {
		c.to(Journaled)
	}
	return ent, c.done(err)
}

// Statfs reports the origin filesystem statistics.
func (e *Engine) Statfs() (*syscall.Statfs_t, error) {
	c := e.begin("statfs", "/")
	c.to(Resolved)
	st, err := e.origin.Statfs("/")
	c.to(Consulted)
	return st, c.done(err)
}
