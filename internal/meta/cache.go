// Package meta is the inode cache: the in-memory mirror of filesystem
// metadata that every operation consults and mutates until the journal is
// flushed.
//
// Entries are keyed by identity (the cleaned "/"-rooted path). Mutations to
// one identity are serialized by a per-identity lock and are journaled
// atomically with the in-memory change; mutations to different identities
// proceed independently.
//
// The cache overlays origin. Objects created in the cache are Created until
// flushed, deleted origin objects are hidden by Whiteout entries, and
// renames not yet applied to origin are tracked so that names below a
// renamed directory still resolve to their origin location.
package meta

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/backing"
	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// syntheticIno is the first inode number handed to cache-only objects.
const syntheticIno = 1 << 62

// Cache is safe for concurrent use.
type Cache struct {
	origin  origin.Store
	data    *backing.Store
	journal *journal.Journal

	table *table
	locks keyedMutex
	neg   NegCache

	trMu    sync.RWMutex
	renames []translation

	// inos maps origin inode numbers of flushed objects to the synthetic
	// numbers they were created with.
	inoMu sync.RWMutex
	inos  map[uint64]uint64

	// copying holds the data IDs of backups still being written.
	copying sync.Map

	gen atomic.Uint64
	ino atomic.Uint64
	now func() time.Time
}

// New returns an empty cache over o, storing file contents in data and
// journaling every mutation to j.
func New(o origin.Store, data *backing.Store, j *journal.Journal) *Cache {
	return &Cache{
		origin:  o,
		data:    data,
		journal: j,
		table:   newTable(),
		inos:    make(map[uint64]uint64),
		now:     time.Now,
	}
}

// Origin returns the origin store the cache overlays.
func (c *Cache) Origin() origin.Store { return c.origin }

// Data returns the backing store holding cached contents.
func (c *Cache) Data() *backing.Store { return c.data }

// Journal returns the journal mutations are recorded in.
func (c *Cache) Journal() *journal.Journal { return c.journal }

func (c *Cache) nextGen() uint64 { return c.gen.Add(1) }

func (c *Cache) nextIno() uint64 { return syntheticIno + c.ino.Add(1) }

// pinIno makes origin inode originIno report as ino from now on.
func (c *Cache) pinIno(originIno, ino uint64) {
	c.inoMu.Lock()
	c.inos[originIno] = ino
	c.inoMu.Unlock()
}

// unpinIno forgets the origin inode pinned to ino, once its object is
// gone and origin may reuse the number.
func (c *Cache) unpinIno(ino uint64) {
	if ino < syntheticIno {
		return
	}
	c.inoMu.Lock()
	for o, s := range c.inos {
		if s == ino {
			delete(c.inos, o)
		}
	}
	c.inoMu.Unlock()
}

func (c *Cache) mapIno(originIno uint64) uint64 {
	c.inoMu.RLock()
	defer c.inoMu.RUnlock()
	if ino, ok := c.inos[originIno]; ok {
		return ino
	}
	return originIno
}

// LockPaths takes the identity locks of paths in a deadlock-free order and
// returns the function releasing them. The flush engine holds them while
// applying an entry to origin.
//
// Every operation takes all the identity locks it needs in one call; no
// lock is ever taken while another is held.
func (c *Cache) LockPaths(paths ...string) func() {
	return c.locks.LockAll(paths...)
}

// Lookup returns the entry for p, loading it from origin on a miss.
func (c *Cache) Lookup(p string) (Entry, error) {
	p = origin.Clean(p)
	if e, ok := c.table.get(p); ok {
		return visible(e)
	}
	if c.neg.Lookup(p) {
		return Entry{}, notFound(p)
	}

	unlock := c.locks.Lock(p)
	defer unlock()
	return c.lookupLocked(p)
}

func visible(e *Entry) (Entry, error) {
	if e.State == Whiteout {
		return Entry{}, notFound(e.Path)
	}
	return *e, nil
}

// lookupLocked is Lookup for callers already holding p's identity lock.
func (c *Cache) lookupLocked(p string) (Entry, error) {
	if e, ok := c.table.get(p); ok {
		return visible(e)
	}
	e, err := c.load(p)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// load stats p in origin and publishes a clean entry for it.
func (c *Cache) load(p string) (*Entry, error) {
	if p != "/" && c.shadowed(p) {
		return nil, notFound(p)
	}
	a, err := c.origin.Stat(c.OriginPath(p))
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			c.neg.Insert(p)
		}
		return nil, fmt.Errorf("lookup %s: %w", p, err)
	}
	a.Ino = c.mapIno(a.Ino)
	e := &Entry{Path: p, Attr: a, State: Clean, Generation: c.nextGen()}
	c.table.put(e)
	return e, nil
}

// shadowed reports whether the nearest cached ancestor of p hides every
// origin name below it: a whiteout, or a directory created in the cache.
func (c *Cache) shadowed(p string) bool {
	for a := origin.Parent(p); ; a = origin.Parent(a) {
		if e, ok := c.table.get(a); ok {
			return e.State != Clean
		}
		if a == "/" {
			return false
		}
	}
}

// Snapshot returns a copy of the cached entry for p without consulting
// origin. Whiteouts are reported as absent.
func (c *Cache) Snapshot(p string) (Entry, bool) {
	e, ok := c.table.get(origin.Clean(p))
	if !ok || e.State == Whiteout {
		return Entry{}, false
	}
	return *e, true
}

// UpdateFunc computes the change to apply to cur. Returning a nil journal
// entry applies the delta without journaling it.
type UpdateFunc func(cur Entry) (Delta, *journal.Entry, error)

// Update runs fn under p's identity lock and applies the delta it returns.
// The journal entry, if any, is appended before the new entry is published;
// if the append fails nothing changes.
//
// Journaled changes to a hard-linked file are copied to its other cached
// names once p's lock is released.
func (c *Cache) Update(p string, fn UpdateFunc) (Entry, error) {
	p = origin.Clean(p)
	unlock := c.locks.Lock(p)
	cur, err := c.lookupLocked(p)
	if err != nil {
		unlock()
		return Entry{}, err
	}
	d, je, err := fn(cur)
	if err != nil {
		unlock()
		return cur, err
	}
	next, err := c.applyLocked(cur, d, je, c.record)
	unlock()
	if err == nil && je != nil {
		c.shareLinks(next)
	}
	return next, err
}

// Upsert merges d into the entry for p and journals je with it.
func (c *Cache) Upsert(p string, d Delta, je journal.Entry) (Entry, error) {
	return c.Update(p, func(Entry) (Delta, *journal.Entry, error) {
		return d, &je, nil
	})
}

// recorder appends a journal entry, or stands in for the append when
// replaying entries that are already in the journal.
type recorder func(e journal.Entry) (uint64, error)

func (c *Cache) record(e journal.Entry) (uint64, error) {
	return c.journal.Append(e)
}

func replayed(seq uint64) recorder {
	return func(journal.Entry) (uint64, error) { return seq, nil }
}

func (c *Cache) applyLocked(cur Entry, d Delta, je *journal.Entry, rec recorder) (Entry, error) {
	if d.Empty() && je == nil {
		return cur, nil
	}
	next := cur
	if je != nil {
		if je.Path == "" {
			je.Path = cur.Path
		}
		seq, err := rec(*je)
		if err != nil {
			return cur, fmt.Errorf("journal %s %s: %w", je.Op, cur.Path, err)
		}
		next.Pending = seq
	}
	d.apply(&next, c.now())
	c.table.replace(&next)
	return next, nil
}

// CopyUp copies the origin content of cur into a new backing file and
// returns its data ID. If cur already has data, its ID is returned. The
// caller must hold cur's identity lock, which is the case inside an
// UpdateFunc.
func (c *Cache) CopyUp(cur Entry) (string, error) {
	if cur.DataID != "" {
		return cur.DataID, nil
	}
	if !cur.Attr.IsRegular() {
		return "", errno("copy-up", cur.Path, syscall.EINVAL)
	}
	id := c.data.NewID()
	if cur.State == Created {
		if err := c.data.Create(id); err != nil {
			return "", fmt.Errorf("copy-up %s: %w", cur.Path, err)
		}
		return id, nil
	}

	src, err := c.origin.Open(c.OriginPath(cur.Path))
	if err != nil {
		return "", fmt.Errorf("copy-up %s: %w", cur.Path, err)
	}
	defer src.Close()
	if _, err := c.data.CopyFrom(id, src); err != nil {
		return "", fmt.Errorf("copy-up %s: %w", cur.Path, err)
	}
	return id, nil
}

// EnsureData makes sure the content of p lives in the backing store and
// returns the updated entry. Copy-up is not a mutation and is not
// journaled.
func (c *Cache) EnsureData(p string) (Entry, error) {
	return c.Update(p, func(cur Entry) (Delta, *journal.Entry, error) {
		if cur.DataID != "" {
			return Delta{}, nil, nil
		}
		id, err := c.CopyUp(cur)
		if err != nil {
			return Delta{}, nil, err
		}
		return Delta{DataID: &id}, nil, nil
	})
}

// Backup copies the origin content of the regular file p into the backing
// store so later reads are served locally. The copy runs without p's
// identity lock; it is published only if the entry still has no content of
// its own by then, and discarded otherwise. Backup reports whether p has
// cached content when it returns.
func (c *Cache) Backup(p string) (bool, error) {
	e, err := c.Lookup(p)
	if err != nil {
		return false, err
	}
	if !e.Attr.IsRegular() {
		return false, errno("backup", e.Path, syscall.EINVAL)
	}
	if e.DataID != "" {
		return true, nil
	}

	id := c.data.NewID()
	c.copying.Store(id, true)
	defer c.copying.Delete(id)
	if err := c.copyOrigin(e, id); err != nil {
		c.data.Remove(id)
		return false, err
	}

	unlock := c.locks.Lock(e.Path)
	defer unlock()
	cur, ok := c.table.get(e.Path)
	if !ok || cur.State != Clean || cur.DataID != "" || cur.Attr.Size != e.Attr.Size || !cur.Attr.Mtime.Equal(e.Attr.Mtime) {
		c.data.Remove(id)
		return ok && cur.DataID != "", nil
	}
	next := *cur
	next.DataID = id
	c.table.replace(&next)
	return true, nil
}

func (c *Cache) copyOrigin(e Entry, id string) error {
	src, err := c.origin.Open(c.OriginPath(e.Path))
	if err != nil {
		return fmt.Errorf("backup %s: %w", e.Path, err)
	}
	defer src.Close()
	if _, err := c.data.CopyFrom(id, src); err != nil {
		return fmt.Errorf("backup %s: %w", e.Path, err)
	}
	return nil
}

// OpenData opens the content of e for reading: the backing file when the
// entry has one, the origin file otherwise.
func (c *Cache) OpenData(e Entry, flag int) (*os.File, error) {
	if e.DataID != "" {
		return c.data.Open(e.DataID, flag)
	}
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, errno("open", e.Path, syscall.EROFS)
	}
	return c.origin.Open(c.OriginPath(e.Path))
}

// Invalidate drops the cached entry for p so the next lookup reloads it
// from origin. Entries with unflushed changes are kept; the return value
// reports whether anything was dropped.
func (c *Cache) Invalidate(p string) bool {
	p = origin.Clean(p)
	unlock := c.locks.Lock(p)
	defer unlock()

	c.neg.Invalidate(p)
	e, ok := c.table.get(p)
	if !ok || e.State != Clean || e.Pending > c.journal.Checkpoint() {
		return false
	}
	c.table.del(p)
	return true
}

// Readlink returns the target of the symlink at p.
func (c *Cache) Readlink(p string) (string, error) {
	e, err := c.Lookup(p)
	if err != nil {
		return "", err
	}
	if !e.Attr.IsSymlink() {
		return "", errno("readlink", e.Path, syscall.EINVAL)
	}
	if e.State == Created {
		return e.Target, nil
	}
	return c.origin.Readlink(c.OriginPath(e.Path))
}

// Children lists dir: the origin listing merged with the names created,
// removed or renamed in the cache.
func (c *Cache) Children(dir string) ([]origin.DirEntry, error) {
	d, err := c.Lookup(dir)
	if err != nil {
		return nil, err
	}
	return c.listDir(d)
}

func (c *Cache) listDir(d Entry) ([]origin.DirEntry, error) {
	if !d.Attr.IsDir() {
		return nil, errno("readdir", d.Path, syscall.ENOTDIR)
	}

	names := make(map[string]origin.DirEntry)
	if d.State == Clean {
		od := c.OriginPath(d.Path)
		list, err := c.origin.ReadDir(od)
		if err != nil && !errors.Is(err, syscall.ENOENT) {
			return nil, err
		}
		for _, oe := range list {
			// A rename in the cache may have put another object under
			// this name; the cached entry below then takes over.
			if c.OriginPath(origin.Join(d.Path, oe.Name)) != origin.Join(od, oe.Name) {
				continue
			}
			oe.Ino = c.mapIno(oe.Ino)
			names[oe.Name] = oe
		}
	}

	for _, e := range c.table.children(d.Path) {
		name := path.Base(e.Path)
		if e.State == Whiteout {
			delete(names, name)
			continue
		}
		names[name] = origin.DirEntry{Name: name, Mode: e.Attr.Type(), Ino: e.Attr.Ino}
	}

	out := make([]origin.DirEntry, 0, len(names))
	for _, de := range names {
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DataIDs returns the data IDs referenced by cached entries, including
// backups still being copied.
func (c *Cache) DataIDs() map[string]bool {
	ids := make(map[string]bool)
	c.copying.Range(func(id, _ any) bool {
		ids[id.(string)] = true
		return true
	})
	for _, p := range c.table.paths() {
		if e, ok := c.table.get(p); ok && e.DataID != "" {
			ids[e.DataID] = true
		}
	}
	return ids
}

// Stats describes the cache.
type Stats struct {
	Entries      int
	Created      int
	Whiteouts    int
	Dirty        int
	WithData     int
	Translations int
	LockedIDs    int
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	var st Stats
	for _, p := range c.table.paths() {
		e, ok := c.table.get(p)
		if !ok {
			continue
		}
		st.Entries++
		switch e.State {
		case Created:
			st.Created++
		case Whiteout:
			st.Whiteouts++
		}
		if e.Dirty != 0 {
			st.Dirty++
		}
		if e.DataID != "" {
			st.WithData++
		}
	}
	st.Translations = c.Translations()
	st.LockedIDs = c.locks.held()
	return st
}

// SetClock replaces the clock used for ctime/mtime updates.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }
