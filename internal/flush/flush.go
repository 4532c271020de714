// Package flush writes the journal back to origin.
//
// A flush drains the pending journal entries in sequence order. Each entry
// is applied to origin while the identity locks of the paths it touches are
// held, and the checkpoint advances past it as soon as origin accepted it.
// Once the drain stops, the checkpoint is persisted as a flush-marker and
// the cache entries covered by it are rebuilt from origin.
//
// Concurrent flush requests share the run in flight. A caller whose
// mutations were journaled after that run took its snapshot gets one more
// run of its own.
package flush

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcachefs/mcachefs/internal/backing"
	"github.com/mcachefs/mcachefs/internal/handle"
	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/log"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// Options tunes the engine.
type Options struct {
	// Interval between background flushes; zero disables them.
	Interval time.Duration
	// SkipErrors steps past entries origin rejects instead of stopping.
	SkipErrors bool
	// AutoPrune prunes the journal after every successful background flush.
	AutoPrune bool
}

// Result describes one drain.
type Result struct {
	Applied    int // entries origin accepted, idempotent outcomes included
	Idempotent int // entries whose effect origin already had
	Skipped    int // entries stepped past under SkipErrors
	Rebuilt    int // cache entries rebuilt or dropped by the commit
	Pending    int // entries still waiting after the drain
	Checkpoint uint64
	Duration   time.Duration
}

// PartialError reports a drain that stopped at an entry origin rejected.
// Every entry before it was applied; the checkpoint covers exactly those.
type PartialError struct {
	Entry      journal.Entry
	Applied    int
	Checkpoint uint64
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("flush stopped at %s after %d entries (checkpoint %d): %v",
		e.Entry, e.Applied, e.Checkpoint, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Stats are cumulative engine counters.
type Stats struct {
	Runs         int
	Applied      int
	Skipped      int
	Failures     int
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
}

// Engine is safe for concurrent use.
type Engine struct {
	cache   *meta.Cache
	journal *journal.Journal
	origin  origin.Store
	data    *backing.Store
	handles *handle.Manager
	opts    Options

	group singleflight.Group
	// mu serializes drains: flush, apply and drop never overlap.
	mu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New returns an engine flushing the journal of c to c's origin.
func New(c *meta.Cache, h *handle.Manager, opts Options) *Engine {
	return &Engine{
		cache:   c,
		journal: c.Journal(),
		origin:  c.Origin(),
		data:    c.Data(),
		handles: h,
		opts:    opts,
	}
}

// FlushMetadata applies every pending entry to origin and rebuilds the
// cache entries the new checkpoint covers.
func (f *Engine) FlushMetadata(ctx context.Context) (Result, error) {
	return f.coalesce(ctx, "flush", true)
}

// ApplyJournal applies every pending entry to origin without rebuilding
// the cache.
func (f *Engine) ApplyJournal(ctx context.Context) (Result, error) {
	return f.coalesce(ctx, "apply", false)
}

func (f *Engine) coalesce(ctx context.Context, key string, rebuild bool) (Result, error) {
	want := f.journal.Last()
	var (
		res Result
		err error
	)
	// The shared run may have snapshotted the journal before our entries
	// were appended; one more run is then enough.
	for attempt := 0; attempt < 2; attempt++ {
		var v any
		v, err, _ = f.group.Do(key, func() (any, error) {
			return f.drain(ctx, rebuild)
		})
		res = v.(Result)
		if err != nil || !f.journal.HasPendingThrough(want) {
			break
		}
	}
	return res, err
}

func (f *Engine) drain(ctx context.Context, rebuild bool) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	var (
		res  Result
		perr error
	)
	for e := range f.journal.Pending() {
		if err := ctx.Err(); err != nil {
			perr = err
			break
		}
		idem, err := f.apply(e)
		if err != nil {
			if f.opts.SkipErrors {
				log.Warnf("flush: skipping %s: %v", e, err)
				res.Skipped++
				f.journal.Advance(e.Seq)
				continue
			}
			perr = &PartialError{Entry: e, Applied: res.Applied, Checkpoint: f.journal.Checkpoint(), Err: err}
			break
		}
		res.Applied++
		if idem {
			res.Idempotent++
		}
		f.journal.Advance(e.Seq)
		if e.Op == journal.OpRename {
			f.cache.Settle(e.Seq)
		}
	}

	if res.Applied+res.Skipped > 0 {
		if err := f.journal.PersistCheckpoint(); err != nil && perr == nil {
			perr = fmt.Errorf("persist checkpoint: %w", err)
		}
		cp := f.journal.Checkpoint()
		if rebuild {
			cr := f.cache.Commit(cp)
			res.Rebuilt = cr.Rebuilt + cr.Dropped
		} else {
			f.cache.Settle(cp)
		}
	}

	res.Checkpoint = f.journal.Checkpoint()
	res.Pending = f.journal.PendingCount()
	res.Duration = time.Since(start)
	f.record(res, perr)
	return res, perr
}

func (f *Engine) record(res Result, err error) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.stats.Runs++
	f.stats.Applied += res.Applied
	f.stats.Skipped += res.Skipped
	f.stats.LastRun = time.Now()
	f.stats.LastDuration = res.Duration
	f.stats.LastError = ""
	if err != nil {
		f.stats.Failures++
		f.stats.LastError = err.Error()
	}
}

// apply performs e on origin. idem reports an outcome origin already had,
// which happens when a previous drain applied e but stopped before the
// checkpoint reached it.
func (f *Engine) apply(e journal.Entry) (idem bool, err error) {
	unlock := f.cache.LockPaths(e.Paths()...)
	defer unlock()

	o := f.origin
	perm := e.Mode &^ syscall.S_IFMT
	switch e.Op {
	case journal.OpCreate:
		if t := e.Mode & syscall.S_IFMT; t == 0 || t == syscall.S_IFREG {
			err = o.Create(e.Path, perm)
		} else {
			err = o.Mknod(e.Path, e.Mode, e.Rdev)
		}
		if idem = errors.Is(err, syscall.EEXIST); idem {
			err = nil
		}
		if err == nil {
			err = f.own(e)
		}
	case journal.OpMkdir:
		err = o.Mkdir(e.Path, perm)
		if idem = errors.Is(err, syscall.EEXIST); idem {
			err = nil
		}
		if err == nil {
			err = f.own(e)
		}
	case journal.OpSymlink:
		err = o.Symlink(e.To, e.Path)
		if idem = errors.Is(err, syscall.EEXIST); idem {
			err = nil
		}
		if err == nil {
			err = f.own(e)
		}
	case journal.OpLink:
		err = o.Link(e.Path, e.To)
		if idem = errors.Is(err, syscall.EEXIST); idem {
			err = nil
		}
	case journal.OpUnlink:
		err = o.Unlink(e.Path)
		if idem = errors.Is(err, syscall.ENOENT); idem {
			err = nil
		}
	case journal.OpRmdir:
		err = o.Rmdir(e.Path)
		if idem = errors.Is(err, syscall.ENOENT); idem {
			err = nil
		}
	case journal.OpRename:
		err = o.Rename(e.Path, e.To)
		if errors.Is(err, syscall.ENOENT) {
			if _, serr := o.Stat(e.To); serr == nil {
				idem, err = true, nil
			}
		}
	case journal.OpChmod:
		err = o.Chmod(e.Path, perm)
	case journal.OpChown:
		err = o.Chown(e.Path, int(e.Uid), int(e.Gid))
	case journal.OpTruncate:
		err = f.withOwnerWrite(e.Path, func() error { return o.Truncate(e.Path, e.Size) })
	case journal.OpUtime:
		err = o.Utimens(e.Path, e.ATime(), e.MTime())
	case journal.OpWrite:
		err = f.withOwnerWrite(e.Path, func() error { return f.writeBack(e) })
	case journal.OpFlushMarker:
	default:
		err = fmt.Errorf("unknown journal op %s", e.Op)
	}
	return idem, err
}

// own gives a freshly created origin object the permissions and owner
// recorded in e. Origin applies the daemon's umask on create, and creates
// objects owned by the daemon.
func (f *Engine) own(e journal.Entry) error {
	a, err := f.origin.Stat(e.Path)
	if err != nil {
		return err
	}
	if perm := e.Mode &^ syscall.S_IFMT; e.Op != journal.OpSymlink && a.Perm() != perm {
		if err := f.origin.Chmod(e.Path, perm); err != nil {
			return err
		}
	}
	uid, gid := int(journal.Unchanged), int(journal.Unchanged)
	if e.Uid >= 0 && uint32(e.Uid) != a.Uid {
		uid = int(e.Uid)
	}
	if e.Gid >= 0 && uint32(e.Gid) != a.Gid {
		gid = int(e.Gid)
	}
	if uid == -1 && gid == -1 {
		return nil
	}
	return f.origin.Chown(e.Path, uid, gid)
}

func (f *Engine) writeBack(e journal.Entry) error {
	src, err := f.data.Open(e.DataID, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("write-back %s: %w", e.Path, err)
	}
	defer src.Close()
	return f.origin.WriteFrom(e.Path, src, e.Offset, e.Length)
}

// withOwnerWrite runs op and, if origin refuses it because the file lost
// its owner write bit (a file created or chmodded read-only before its
// content was written back), grants the bit for the retry and restores the
// mode afterwards.
func (f *Engine) withOwnerWrite(p string, op func() error) error {
	err := op()
	if !errors.Is(err, syscall.EACCES) {
		return err
	}
	a, serr := f.origin.Stat(p)
	if serr != nil || a.Perm()&0o200 != 0 {
		return err
	}
	if cerr := f.origin.Chmod(p, a.Perm()|0o200); cerr != nil {
		return err
	}
	err = op()
	if cerr := f.origin.Chmod(p, a.Perm()); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// DropJournal discards every pending entry without applying it and
// rebuilds the cache from origin. It returns the number of entries
// dropped.
func (f *Engine) DropJournal() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.journal.Drop()
	f.cache.Reset()
	if err != nil {
		return n, fmt.Errorf("drop journal: %w", err)
	}
	return n, nil
}

// Prune removes committed journal entries no open handle still needs.
func (f *Engine) Prune() (int, error) {
	bound := f.journal.Checkpoint()
	if oldest := f.handles.OldestOpenSeq(); oldest > 0 && oldest-1 < bound {
		bound = oldest - 1
	}
	n, err := f.journal.Prune(bound)
	if err != nil {
		return n, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

// CleanupBacking removes backing files nothing references: no cache entry,
// no pending journal entry and no open handle.
func (f *Engine) CleanupBacking() (backing.SweepResult, error) {
	keep := f.cache.DataIDs()
	for id := range f.handles.DataIDs() {
		keep[id] = true
	}
	for e := range f.journal.Pending() {
		if e.DataID != "" {
			keep[e.DataID] = true
		}
	}
	return f.data.Sweep(func(id string) bool { return keep[id] })
}

// Run flushes every Interval until ctx is done. Failed flushes are logged
// and retried on the next tick. Run returns immediately when background
// flushing is disabled.
func (f *Engine) Run(ctx context.Context) {
	if f.opts.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Engine) tick(ctx context.Context) {
	if !f.journal.HasPendingThrough(f.journal.Last()) {
		return
	}
	res, err := f.FlushMetadata(ctx)
	if err != nil {
		log.Warnf("background flush: %v (pending %d, retrying in %s)", err, res.Pending, f.opts.Interval)
		return
	}
	log.Debugf("background flush: applied %d, checkpoint %d", res.Applied, res.Checkpoint)
	if f.opts.AutoPrune {
		if _, err := f.Prune(); err != nil {
			log.Warnf("background prune: %v", err)
		}
	}
}

// Stats returns the cumulative counters.
func (f *Engine) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}
