// Package transfer backs origin files up into the backing store in the
// background, so that reads of files opened once are served from the local
// cache afterwards.
//
// Files are queued by path, typically when they are opened. A fixed set of
// workers drains the queue; a path is queued at most once at a time.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcachefs/mcachefs/internal/log"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// DefaultQueueLen bounds the number of paths waiting for a worker.
const DefaultQueueLen = 1024

// Options tunes the queue.
type Options struct {
	// Workers copying files; zero disables background transfers.
	Workers int
	// OnOpen queues regular files when they are opened.
	OnOpen bool
	// MaxSize skips files larger than this on open; zero means no limit.
	MaxSize int64
	// QueueLen overrides DefaultQueueLen.
	QueueLen int
}

// Stats are cumulative queue counters.
type Stats struct {
	Queued  int
	Done    int
	Skipped int
	Failed  int
	Dropped int // paths refused because the queue was full
	Bytes   int64
	Waiting int
	Active  int
	Enabled bool
}

// Queue is safe for concurrent use.
type Queue struct {
	cache *meta.Cache
	opts  Options
	ch    chan string

	mu      sync.Mutex
	queued  map[string]bool
	active  map[string]time.Time
	enabled bool
	stats   Stats
}

// New returns a queue backing files up through c. Nothing is copied until
// Run is called.
func New(c *meta.Cache, opts Options) *Queue {
	n := opts.QueueLen
	if n <= 0 {
		n = DefaultQueueLen
	}
	return &Queue{
		cache:   c,
		opts:    opts,
		ch:      make(chan string, n),
		queued:  make(map[string]bool),
		active:  make(map[string]time.Time),
		enabled: opts.Workers > 0,
	}
}

// SetEnabled turns background transfers on or off. Queued paths stay
// queued while disabled and are skipped when a worker picks them up.
func (q *Queue) SetEnabled(on bool) {
	q.mu.Lock()
	q.enabled = on && q.opts.Workers > 0
	q.mu.Unlock()
}

// Enabled reports whether background transfers run.
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Opened is called for every regular file opened through the filesystem.
// It queues e when transfers on open are configured and e has no cached
// content yet.
func (q *Queue) Opened(e meta.Entry) bool {
	if !q.opts.OnOpen || e.DataID != "" || e.State != meta.Clean || !e.Attr.IsRegular() {
		return false
	}
	if q.opts.MaxSize > 0 && e.Attr.Size > q.opts.MaxSize {
		return false
	}
	return q.Enqueue(e.Path)
}

// Enqueue queues p for a background backup. It returns false when p is
// already queued, transfers are disabled or the queue is full.
func (q *Queue) Enqueue(p string) bool {
	p = origin.Clean(p)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled || q.queued[p] {
		return false
	}
	select {
	case q.ch <- p:
	default:
		q.stats.Dropped++
		log.Debugf("transfer queue full, not backing up %s", p)
		return false
	}
	q.queued[p] = true
	q.stats.Queued++
	return true
}

// Backup copies p synchronously, bypassing the queue.
func (q *Queue) Backup(p string) (int64, error) {
	ok, err := q.cache.Backup(p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("backup %s: content changed during copy", p)
	}
	e, _ := q.cache.Lookup(p)
	return e.Attr.Size, nil
}

// Run starts the workers and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if q.opts.Workers <= 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-q.ch:
					q.transfer(p)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) transfer(p string) {
	q.mu.Lock()
	delete(q.queued, p)
	if !q.enabled {
		q.stats.Skipped++
		q.mu.Unlock()
		return
	}
	q.active[p] = time.Now()
	q.mu.Unlock()

	ok, err := q.cache.Backup(p)
	var size int64
	if ok {
		if e, lerr := q.cache.Lookup(p); lerr == nil {
			size = e.Attr.Size
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, p)
	switch {
	case err != nil:
		q.stats.Failed++
		log.Debugf("transfer %s: %v", p, err)
	case ok:
		q.stats.Done++
		q.stats.Bytes += size
	default:
		q.stats.Skipped++
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Waiting = len(q.queued)
	st.Active = len(q.active)
	st.Enabled = q.enabled
	return st
}

// Dump writes the transfers in progress and the queued paths.
func (q *Queue) Dump(w io.Writer) error {
	q.mu.Lock()
	st := q.stats
	active := make([]string, 0, len(q.active))
	for p, since := range q.active {
		active = append(active, fmt.Sprintf("active %s : %s", p, time.Since(since).Round(time.Millisecond)))
	}
	waiting := make([]string, 0, len(q.queued))
	for p := range q.queued {
		waiting = append(waiting, "queued "+p)
	}
	enabled := q.enabled
	q.mu.Unlock()

	sort.Strings(active)
	sort.Strings(waiting)
	state := "off"
	if enabled {
		state = "on"
	}
	if _, err := fmt.Fprintf(w, "# transfer %s workers=%d done=%d failed=%d skipped=%d\n",
		state, q.opts.Workers, st.Done, st.Failed, st.Skipped); err != nil {
		return err
	}
	for _, l := range append(active, waiting...) {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
