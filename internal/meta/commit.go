package meta

import (
	"errors"
	"fmt"
	"iter"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/log"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// CommitResult reports what Commit did to the cache.
type CommitResult struct {
	Rebuilt    int
	Dropped    int
	Retired    int
	Unresolved int
}

// Commit rebuilds the entries whose changes are all at or below checkpoint
// from origin. Whiteouts and entries origin no longer holds are dropped; the
// rest become clean entries with a new generation. Entries with changes
// above checkpoint are left alone.
func (c *Cache) Commit(checkpoint uint64) CommitResult {
	res := CommitResult{Retired: c.retireTranslations(checkpoint)}
	c.neg.Reset()

	for _, p := range c.table.paths() {
		switch c.commitPath(p, checkpoint) {
		case commitRebuilt:
			res.Rebuilt++
		case commitDropped:
			res.Dropped++
		case commitFailed:
			res.Unresolved++
		}
	}
	return res
}

type commitOutcome int

const (
	commitKept commitOutcome = iota
	commitRebuilt
	commitDropped
	commitFailed
)

func (c *Cache) commitPath(p string, checkpoint uint64) commitOutcome {
	unlock := c.locks.Lock(p)
	defer unlock()

	e, ok := c.table.get(p)
	if !ok || e.Pending > checkpoint {
		return commitKept
	}
	if e.State == Clean && e.Pending == 0 && e.Dirty == 0 {
		return commitKept
	}
	if e.State == Whiteout {
		c.table.del(p)
		return commitDropped
	}

	a, err := c.origin.Stat(c.OriginPath(p))
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			c.table.del(p)
			return commitDropped
		}
		log.Warnf("commit %s: %v", p, err)
		return commitFailed
	}

	// Keep the inode number the object was handed out with while it lived
	// in the cache only.
	if e.Attr.Ino >= syntheticIno && a.Ino != e.Attr.Ino {
		c.pinIno(a.Ino, e.Attr.Ino)
	}
	a.Ino = c.mapIno(a.Ino)

	next := &Entry{
		Path:       p,
		Attr:       a,
		State:      Clean,
		Generation: c.nextGen(),
	}
	if a.IsRegular() && a.Size == e.Attr.Size {
		next.DataID = e.DataID
	}
	c.table.put(next)
	return commitRebuilt
}

// Settle forgets the rename translations origin has caught up with,
// without rebuilding any entry. The flush engine calls it as soon as a
// rename reached origin, so lookups stop translating names origin already
// moved.
func (c *Cache) Settle(checkpoint uint64) int {
	n := c.retireTranslations(checkpoint)
	if n > 0 {
		c.neg.Reset()
	}
	return n
}

// Reset empties the cache. Used after the journal is dropped: every cached
// change is discarded and origin becomes authoritative again.
func (c *Cache) Reset() {
	c.table.reset()
	c.trMu.Lock()
	c.renames = nil
	c.trMu.Unlock()
	c.neg.Reset()
}

// ReplayResult reports the outcome of Replay.
type ReplayResult struct {
	Applied int
	Skipped int
}

// Replay rebuilds the cache state of pending journal entries, typically
// those loaded from disk at startup. Entries are not journaled again. An
// entry that no longer applies is logged and skipped.
func (c *Cache) Replay(entries iter.Seq[journal.Entry]) ReplayResult {
	var res ReplayResult
	for e := range entries {
		if e.Op == journal.OpFlushMarker {
			continue
		}
		if err := c.replayOne(e); err != nil {
			log.Warnf("replay %s: %v", e, err)
			res.Skipped++
			continue
		}
		res.Applied++
	}
	return res
}

func (c *Cache) replayOne(e journal.Entry) error {
	unlock := c.locks.LockAll(lockSet(e)...)
	links, err := c.replayLocked(e)
	unlock()
	if err == nil && links != nil {
		links()
	}
	return err
}

// replayLocked applies e with its identities locked. The returned function,
// if any, updates the other names of a hard-linked file and must run after
// the locks are released.
func (c *Cache) replayLocked(e journal.Entry) (func(), error) {
	rec := replayed(e.Seq)
	when := timeFromNanos(e.Time)

	switch e.Op {
	case journal.OpCreate, journal.OpMkdir, journal.OpSymlink:
		_, err := c.createLocked(e, rec, when)
		return nil, err
	case journal.OpLink:
		ent, err := c.linkLocked(e, rec, when)
		return func() { c.shareLinks(ent) }, err
	case journal.OpUnlink, journal.OpRmdir:
		removed, err := c.removeLocked(e, rec, when, false)
		return func() { c.unlinked(removed) }, err
	case journal.OpRename:
		_, err := c.renameLocked(e, rec, when, false)
		return nil, err
	}

	cur, err := c.lookupLocked(e.Path)
	if err != nil {
		return nil, err
	}
	d, err := replayDelta(e, cur)
	if err != nil {
		return nil, err
	}
	next, err := c.applyLocked(cur, d, &e, rec)
	return func() { c.shareLinks(next) }, err
}

// lockSet returns the identities an operation must hold: the ones it
// touches plus the parents whose link count or times it changes.
func lockSet(e journal.Entry) []string {
	paths := e.Paths()
	switch e.Op {
	case journal.OpCreate, journal.OpMkdir, journal.OpSymlink, journal.OpUnlink, journal.OpRmdir:
		paths = append(paths, origin.Parent(e.Path))
	case journal.OpLink:
		paths = append(paths, origin.Parent(e.To))
	case journal.OpRename:
		paths = append(paths, origin.Parent(e.Path), origin.Parent(e.To))
	}
	return paths
}

func timeFromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Now()
	}
	return time.Unix(0, ns)
}

func replayDelta(e journal.Entry, cur Entry) (Delta, error) {
	var d Delta
	switch e.Op {
	case journal.OpChmod:
		d.Mode = &e.Mode
	case journal.OpChown:
		if e.Uid != journal.Unchanged {
			uid := uint32(e.Uid)
			d.Uid = &uid
		}
		if e.Gid != journal.Unchanged {
			gid := uint32(e.Gid)
			d.Gid = &gid
		}
	case journal.OpTruncate:
		d.Size = &e.Size
		d.Data = true
		if e.DataID != "" {
			d.DataID = &e.DataID
		}
	case journal.OpUtime:
		at, mt := e.ATime(), e.MTime()
		d.Atime, d.Mtime = &at, &mt
	case journal.OpWrite:
		size := max(cur.Attr.Size, e.Offset+e.Length)
		mt := timeFromNanos(e.Time)
		d.Size = &size
		d.Mtime = &mt
		d.Data = true
		d.DataID = &e.DataID
	default:
		return d, fmt.Errorf("cannot replay %s", e.Op)
	}
	return d, nil
}
