package meta

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// NewObject describes an object to create in the cache.
type NewObject struct {
	Mode   uint32 // file type and permission bits
	Rdev   uint64
	Uid    uint32
	Gid    uint32
	Target string // symlink target
}

func createOp(mode uint32) journal.Op {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return journal.OpMkdir
	case syscall.S_IFLNK:
		return journal.OpSymlink
	}
	return journal.OpCreate
}

// Create adds a new object at p. Regular files get an empty backing file.
func (c *Cache) Create(p string, obj NewObject) (Entry, error) {
	p = origin.Clean(p)
	unlock := c.locks.LockAll(p, origin.Parent(p))
	defer unlock()

	je := journal.Entry{
		Op:   createOp(obj.Mode),
		Path: p,
		Mode: obj.Mode,
		Rdev: obj.Rdev,
		Uid:  int64(obj.Uid),
		Gid:  int64(obj.Gid),
	}
	if je.Op == journal.OpSymlink {
		je.To = obj.Target
		je.Mode = 0
	}
	return c.createLocked(je, c.record, c.now())
}

func (c *Cache) createLocked(je journal.Entry, rec recorder, now time.Time) (Entry, error) {
	p := je.Path
	if p == "/" {
		return Entry{}, errno("create", p, syscall.EEXIST)
	}
	if _, err := c.lookupLocked(p); err == nil {
		return Entry{}, errno("create", p, syscall.EEXIST)
	} else if !errors.Is(err, syscall.ENOENT) {
		return Entry{}, err
	}
	parent, err := c.lookupLocked(origin.Parent(p))
	if err != nil {
		return Entry{}, err
	}
	if !parent.Attr.IsDir() {
		return Entry{}, errno("create", p, syscall.ENOTDIR)
	}

	mode := je.Mode
	var size int64
	nlink := uint32(1)
	switch je.Op {
	case journal.OpMkdir:
		mode = syscall.S_IFDIR | mode&^syscall.S_IFMT
		nlink = 2
	case journal.OpSymlink:
		mode = syscall.S_IFLNK | 0777
		size = int64(len(je.To))
	default:
		if mode&syscall.S_IFMT == 0 {
			mode |= syscall.S_IFREG
		}
	}

	created := false
	if mode&syscall.S_IFMT == syscall.S_IFREG && je.DataID == "" {
		je.DataID = c.data.NewID()
		if err := c.data.Create(je.DataID); err != nil {
			return Entry{}, fmt.Errorf("create %s: %w", p, err)
		}
		created = true
	}

	seq, err := rec(je)
	if err != nil {
		if created {
			c.data.Remove(je.DataID)
		}
		return Entry{}, fmt.Errorf("journal create %s: %w", p, err)
	}

	replaced := false
	if old, ok := c.table.get(p); ok && old.State == Whiteout {
		replaced = true
	}
	e := &Entry{
		Path: p,
		Attr: origin.Attr{
			Ino:   c.nextIno(),
			Mode:  mode,
			Nlink: nlink,
			Uid:   uint32(je.Uid),
			Gid:   uint32(je.Gid),
			Rdev:  je.Rdev,
			Size:  size,
			Atime: now,
			Mtime: now,
			Ctime: now,
		},
		Target:     je.To,
		State:      Created,
		Dirty:      DirtyCreated,
		Pending:    seq,
		DataID:     je.DataID,
		Generation: c.nextGen(),
		Replaced:   replaced,
	}
	c.table.put(e)
	c.neg.Invalidate(p)
	c.touchParent(p, seq, now, nlinkDelta(je.Op))
	return *e, nil
}

func nlinkDelta(op journal.Op) int {
	switch op {
	case journal.OpMkdir:
		return 1
	case journal.OpRmdir:
		return -1
	}
	return 0
}

// touchParent stamps the parent directory of p as modified by seq.
func (c *Cache) touchParent(p string, seq uint64, now time.Time, nlink int) {
	if p == "/" {
		return
	}
	c.table.modify(origin.Parent(p), func(e *Entry) {
		e.Attr.Mtime = now
		e.Attr.Ctime = now
		e.Attr.Nlink = uint32(int(e.Attr.Nlink) + nlink)
		e.Dirty |= DirtyTimes
		if seq > e.Pending {
			e.Pending = seq
		}
	})
}

// Link creates newpath as a hard link to oldpath. Both names share the
// same backing file, so oldpath's content is copied up first.
func (c *Cache) Link(oldpath, newpath string) (Entry, error) {
	oldpath, newpath = origin.Clean(oldpath), origin.Clean(newpath)
	unlock := c.locks.LockAll(oldpath, newpath, origin.Parent(newpath))
	e, err := c.linkLocked(journal.Entry{Op: journal.OpLink, Path: oldpath, To: newpath}, c.record, c.now())
	unlock()
	if err == nil {
		c.shareLinks(e)
	}
	return e, err
}

func (c *Cache) linkLocked(je journal.Entry, rec recorder, now time.Time) (Entry, error) {
	oldpath, newpath := je.Path, je.To
	src, err := c.lookupLocked(oldpath)
	if err != nil {
		return Entry{}, err
	}
	if src.Attr.IsDir() {
		return Entry{}, errno("link", oldpath, syscall.EPERM)
	}
	if _, err := c.lookupLocked(newpath); err == nil {
		return Entry{}, errno("link", newpath, syscall.EEXIST)
	} else if !errors.Is(err, syscall.ENOENT) {
		return Entry{}, err
	}
	if parent, err := c.lookupLocked(origin.Parent(newpath)); err != nil {
		return Entry{}, err
	} else if !parent.Attr.IsDir() {
		return Entry{}, errno("link", newpath, syscall.ENOTDIR)
	}

	if src.Attr.IsRegular() {
		if je.DataID == "" {
			id, err := c.CopyUp(src)
			if err != nil {
				return Entry{}, err
			}
			je.DataID = id
		}
		src.DataID = je.DataID
	}

	seq, err := rec(je)
	if err != nil {
		return Entry{}, fmt.Errorf("journal link %s: %w", newpath, err)
	}

	src.Attr.Nlink++
	src.Attr.Ctime = now
	src.Pending = seq
	c.table.replace(&src)

	replaced := false
	if old, ok := c.table.get(newpath); ok && old.State == Whiteout {
		replaced = true
	}
	e := src
	e.Path = newpath
	e.State = Created
	e.Dirty = DirtyCreated
	e.Generation = c.nextGen()
	e.Replaced = replaced
	c.table.put(&e)
	c.neg.Invalidate(newpath)
	c.touchParent(newpath, seq, now, 0)
	return e, nil
}

// Remove deletes the object at p: unlink for non-directories, rmdir when
// dir is set. Objects origin still holds are replaced by a whiteout.
func (c *Cache) Remove(p string, dir bool) error {
	p = origin.Clean(p)
	if p == "/" {
		return errno("remove", p, syscall.EBUSY)
	}
	op := journal.OpUnlink
	if dir {
		op = journal.OpRmdir
	}
	unlock := c.locks.LockAll(p, origin.Parent(p))
	removed, err := c.removeLocked(journal.Entry{Op: op, Path: p}, c.record, c.now(), true)
	unlock()
	if err == nil {
		c.unlinked(removed)
	}
	return err
}

// removeLocked returns the removed entry as it was, stamped with the
// removal's sequence and time.
func (c *Cache) removeLocked(je journal.Entry, rec recorder, now time.Time, check bool) (Entry, error) {
	p := je.Path
	e, err := c.lookupLocked(p)
	if err != nil {
		return Entry{}, err
	}
	if check {
		switch {
		case je.Op == journal.OpRmdir && !e.Attr.IsDir():
			return Entry{}, errno("rmdir", p, syscall.ENOTDIR)
		case je.Op == journal.OpUnlink && e.Attr.IsDir():
			return Entry{}, errno("unlink", p, syscall.EISDIR)
		}
		if je.Op == journal.OpRmdir {
			kids, err := c.listDir(e)
			if err != nil {
				return Entry{}, err
			}
			if len(kids) > 0 {
				return Entry{}, errno("rmdir", p, syscall.ENOTEMPTY)
			}
		}
	}

	seq, err := rec(je)
	if err != nil {
		return Entry{}, fmt.Errorf("journal %s %s: %w", je.Op, p, err)
	}

	if e.Attr.IsDir() {
		for _, q := range c.table.under(p) {
			if q != p {
				c.table.del(q)
			}
		}
	}
	if e.InOrigin() {
		c.table.put(&Entry{
			Path:       p,
			Attr:       origin.Attr{Mode: e.Attr.Type()},
			State:      Whiteout,
			Dirty:      DirtyRemoved,
			Pending:    seq,
			Generation: c.nextGen(),
		})
	} else {
		c.table.del(p)
	}
	if e.Attr.IsDir() || e.Attr.Nlink <= 1 {
		c.unpinIno(e.Attr.Ino)
	}
	c.touchParent(p, seq, now, nlinkDelta(je.Op))
	e.Pending = seq
	e.Attr.Ctime = now
	return e, nil
}

// unlinked drops one link from the other cached names sharing the content
// of removed.
func (c *Cache) unlinked(removed Entry) {
	if removed.Attr.IsDir() || removed.Attr.Nlink < 2 {
		return
	}
	c.syncLinks(removed, func(o *Entry) {
		if o.Attr.Nlink > 1 {
			o.Attr.Nlink--
		}
		o.Attr.Ctime = removed.Attr.Ctime
	})
}

// shareLinks copies the attributes of e to the other cached names of the
// same hard-linked file.
func (c *Cache) shareLinks(e Entry) {
	if !e.Attr.IsRegular() || e.Attr.Nlink < 2 {
		return
	}
	c.syncLinks(e, func(o *Entry) {
		o.Attr = e.Attr
		o.Dirty |= e.Dirty &^ (DirtyCreated | DirtyRemoved)
	})
}

// syncLinks applies fn to every other cached name sharing e's backing
// file, each under its own identity lock. Callers must not hold any
// identity lock.
func (c *Cache) syncLinks(e Entry, fn func(o *Entry)) {
	if e.DataID == "" {
		return
	}
	linked := func(o *Entry) bool {
		return o.DataID == e.DataID && o.State != Whiteout
	}
	for _, q := range c.table.paths() {
		if q == e.Path {
			continue
		}
		if o, ok := c.table.get(q); !ok || !linked(o) {
			continue
		}
		unlock := c.locks.Lock(q)
		c.table.modify(q, func(o *Entry) {
			if !linked(o) {
				return
			}
			fn(o)
			if e.Pending > o.Pending {
				o.Pending = e.Pending
			}
		})
		unlock()
	}
}

// Rename moves from to to, replacing to if it exists, and records the
// origin path translation needed until the rename is flushed.
func (c *Cache) Rename(from, to string) (Entry, error) {
	from, to = origin.Clean(from), origin.Clean(to)
	if from == to {
		return c.Lookup(from)
	}
	if from == "/" || to == "/" || origin.HasPrefix(to, from) || origin.HasPrefix(from, to) {
		return Entry{}, errno("rename", from, syscall.EINVAL)
	}
	unlock := c.locks.LockAll(from, to, origin.Parent(from), origin.Parent(to))
	defer unlock()
	return c.renameLocked(journal.Entry{Op: journal.OpRename, Path: from, To: to}, c.record, c.now(), true)
}

func (c *Cache) renameLocked(je journal.Entry, rec recorder, now time.Time, check bool) (Entry, error) {
	from, to := je.Path, je.To
	src, err := c.lookupLocked(from)
	if err != nil {
		return Entry{}, err
	}
	dst, derr := c.lookupLocked(to)
	dstExists := derr == nil
	if derr != nil && !errors.Is(derr, syscall.ENOENT) {
		return Entry{}, derr
	}

	if check {
		if !dstExists {
			parent, err := c.lookupLocked(origin.Parent(to))
			if err != nil {
				return Entry{}, err
			}
			if !parent.Attr.IsDir() {
				return Entry{}, errno("rename", to, syscall.ENOTDIR)
			}
		}
		if dstExists {
			switch {
			case src.Attr.IsDir() && !dst.Attr.IsDir():
				return Entry{}, errno("rename", to, syscall.ENOTDIR)
			case !src.Attr.IsDir() && dst.Attr.IsDir():
				return Entry{}, errno("rename", to, syscall.EISDIR)
			case dst.Attr.IsDir():
				kids, err := c.listDir(dst)
				if err != nil {
					return Entry{}, err
				}
				if len(kids) > 0 {
					return Entry{}, errno("rename", to, syscall.ENOTEMPTY)
				}
			}
		}
	}

	seq, err := rec(je)
	if err != nil {
		return Entry{}, fmt.Errorf("journal rename %s: %w", from, err)
	}

	// Origin still holds the replaced target until the rename is flushed.
	originAtTo := dstExists && dst.InOrigin()
	if old, ok := c.table.get(to); ok && old.State == Whiteout {
		originAtTo = true
	}
	// Whatever sat at the target is gone, including cached whiteouts below
	// a replaced empty directory.
	if dstExists || c.hasEntry(to) {
		for _, q := range c.table.under(to) {
			c.table.del(q)
		}
	}

	var moved Entry
	for _, q := range c.table.under(from) {
		old, ok := c.table.get(q)
		if !ok {
			continue
		}
		e := *old
		e.Path = origin.Rebase(q, from, to)
		if seq > e.Pending {
			e.Pending = seq
		}
		e.Generation = c.nextGen()
		if q == from {
			e.Attr.Ctime = now
			e.Replaced = e.State == Created && originAtTo
			moved = e
		}
		c.table.del(q)
		c.table.put(&e)
	}

	if src.InOrigin() {
		c.table.put(&Entry{
			Path:       from,
			Attr:       origin.Attr{Mode: src.Attr.Type()},
			State:      Whiteout,
			Dirty:      DirtyRemoved,
			Pending:    seq,
			Generation: c.nextGen(),
		})
	}
	c.addTranslation(from, to, seq)
	c.neg.Reset()

	nlink := 0
	if src.Attr.IsDir() {
		nlink = 1
	}
	c.touchParent(from, seq, now, -nlink)
	if !dstExists || !dst.Attr.IsDir() {
		c.touchParent(to, seq, now, nlink)
	} else {
		c.touchParent(to, seq, now, 0)
	}
	return moved, nil
}

func (c *Cache) hasEntry(p string) bool {
	_, ok := c.table.get(p)
	return ok
}
