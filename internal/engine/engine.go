// Package engine dispatches filesystem operations to the cache, the
// journal and the handle table, and hosts the administrative command API
// behind the control directory.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mcachefs/mcachefs/internal/backing"
	"github.com/mcachefs/mcachefs/internal/config"
	"github.com/mcachefs/mcachefs/internal/flush"
	"github.com/mcachefs/mcachefs/internal/handle"
	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/log"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
	"github.com/mcachefs/mcachefs/internal/transfer"
)

// Options tunes an Engine.
type Options struct {
	Flush    flush.Options
	Transfer transfer.Options
	// FlushOnUnmount drains the journal in Close.
	FlushOnUnmount bool
	Trace          Tracer
}

// Engine is safe for concurrent use; every method may be called from any
// goroutine.
type Engine struct {
	origin  origin.Store
	data    *backing.Store
	journal *journal.Journal
	cache   *meta.Cache
	handles  *handle.Manager
	flush    *flush.Engine
	transfer *transfer.Queue

	opts  Options
	trace Tracer
}

// New assembles an engine over already opened stores.
func New(o origin.Store, data *backing.Store, j *journal.Journal, opts Options) *Engine {
	c := meta.New(o, data, j)
	h := handle.New(c)
	trace := opts.Trace
	if trace == nil {
		trace = nopTracer{}
	}
	return &Engine{
		origin:   o,
		data:     data,
		journal:  j,
		cache:    c,
		handles:  h,
		flush:    flush.New(c, h, opts.Flush),
		transfer: transfer.New(c, opts.Transfer),
		opts:     opts,
		trace:    trace,
	}
}

// Open opens the stores cfg describes and replays the pending entries of a
// persisted journal into the cache.
func Open(cfg *config.Config, trace Tracer) (*Engine, error) {
	o, err := origin.NewDir(cfg.Source, cfg.CopyBuffer)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	data, err := backing.Open(cfg.DataDir, cfg.CopyBuffer)
	if err != nil {
		return nil, fmt.Errorf("backing store: %w", err)
	}

	j := journal.New()
	if cfg.JournalPersist {
		var res journal.LoadResult
		j, res, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		log.Debugf("journal %s: %d entries loaded", cfg.JournalPath, res.Entries)
	}

	e := New(o, data, j, Options{
		Flush: flush.Options{
			Interval:   cfg.FlushInterval,
			SkipErrors: cfg.FlushOnError == config.OnErrorSkip,
			AutoPrune:  cfg.AutoPrune,
		},
		Transfer: transfer.Options{
			Workers: cfg.TransferWorkers,
			OnOpen:  cfg.TransferOnOpen,
			MaxSize: cfg.TransferMaxSize,
		},
		FlushOnUnmount: cfg.FlushOnUnmount,
		Trace:          trace,
	})

	if n := j.PendingCount(); n > 0 {
		res := e.cache.Replay(j.Pending())
		log.Infof("replayed %d pending journal entries (%d skipped)", res.Applied, res.Skipped)
	}
	return e, nil
}

// Cache returns the inode cache.
func (e *Engine) Cache() *meta.Cache { return e.cache }

// Journal returns the journal.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Handles returns the handle table.
func (e *Engine) Handles() *handle.Manager { return e.handles }

// Flusher returns the flush engine.
func (e *Engine) Flusher() *flush.Engine { return e.flush }

// Transfers returns the background backup queue.
func (e *Engine) Transfers() *transfer.Queue { return e.transfer }

// Run runs background flushing and transfers until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.transfer.Run(ctx); err != nil {
			log.Warnf("transfers: %v", err)
		}
	}()
	e.flush.Run(ctx)
	wg.Wait()
}

// Close optionally drains the journal, then closes it. Pending entries of a
// persisted journal survive for the next mount.
func (e *Engine) Close(ctx context.Context) error {
	if e.opts.FlushOnUnmount {
		if res, err := e.flush.FlushMetadata(ctx); err != nil {
			log.Warnf("flush on unmount: %v (%d entries left pending)", err, res.Pending)
		}
	}
	if n := e.journal.PendingCount(); n > 0 {
		log.Infof("%d journal entries still pending", n)
	}
	return e.journal.Close()
}

// DumpJournal writes the journal dump served by the journal control file.
func (e *Engine) DumpJournal(w io.Writer) error { return e.journal.Dump(w) }

// DumpMetadata writes the cache dump.
func (e *Engine) DumpMetadata(w io.Writer) error { return e.cache.Dump(w) }

// DumpHandles writes the open handle table.
func (e *Engine) DumpHandles(w io.Writer) error { return e.handles.Dump(w) }

// DumpTransfer writes the background transfer queue.
func (e *Engine) DumpTransfer(w io.Writer) error { return e.transfer.Dump(w) }

// Stats aggregates the counters of every component.
type Stats struct {
	Cache    meta.Stats
	Journal  journal.Stats
	Flush    flush.Stats
	Transfer transfer.Stats
	Handles  int
}

// Stats returns a snapshot of all counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:    e.cache.Stats(),
		Journal:  e.journal.Stats(),
		Flush:    e.flush.Stats(),
		Transfer: e.transfer.Stats(),
		Handles:  e.handles.Len(),
	}
}

// DumpStats writes Stats as "key: value" lines.
func (e *Engine) DumpStats(w io.Writer) error {
	st := e.Stats()
	lines := []struct {
		key string
		val any
	}{
		{"cache.entries", st.Cache.Entries},
		{"cache.created", st.Cache.Created},
		{"cache.whiteouts", st.Cache.Whiteouts},
		{"cache.dirty", st.Cache.Dirty},
		{"cache.with_data", st.Cache.WithData},
		{"cache.translations", st.Cache.Translations},
		{"cache.locked", st.Cache.LockedIDs},
		{"journal.first", st.Journal.First},
		{"journal.last", st.Journal.Last},
		{"journal.checkpoint", st.Journal.Checkpoint},
		{"journal.retained", st.Journal.Retained},
		{"journal.pending", st.Journal.Pending},
		{"journal.persisted", st.Journal.Persisted},
		{"journal.file_size", config.HumanSize(st.Journal.FileSize)},
		{"flush.runs", st.Flush.Runs},
		{"flush.applied", st.Flush.Applied},
		{"flush.skipped", st.Flush.Skipped},
		{"flush.failures", st.Flush.Failures},
		{"flush.last_error", st.Flush.LastError},
		{"transfer.enabled", st.Transfer.Enabled},
		{"transfer.done", st.Transfer.Done},
		{"transfer.failed", st.Transfer.Failed},
		{"transfer.waiting", st.Transfer.Waiting},
		{"transfer.bytes", config.HumanSize(st.Transfer.Bytes)},
		{"handles.open", st.Handles},
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s: %v\n", l.key, l.val); err != nil {
			return err
		}
	}
	return nil
}
