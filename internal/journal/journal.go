// Package journal is the ordered log of every mutation applied to the cache.
//
// Entries live in a segmented in-memory arena indexed by sequence number and,
// when a path is configured, are also appended to a CBOR file so pending
// entries survive a restart. Sequence numbers start at 1, are strictly
// increasing and are never reused, not even across restarts.
//
// The checkpoint is the highest sequence known to be applied to origin.
// Entries at or below it stay readable (for the journal control file) until
// Prune removes them.
package journal

import (
	"errors"
	"iter"
	"os"
	"sync"
	"time"
)

const segmentSize = 1024

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal closed")

type segment struct {
	base    uint64
	entries [segmentSize]Entry
}

// Journal is safe for concurrent use.
type Journal struct {
	mu   sync.RWMutex
	segs []*segment

	first      uint64 // lowest retained sequence; equals next when empty
	next       uint64
	checkpoint uint64
	marked     uint64 // checkpoint carried by the newest flush-marker

	path   string
	file   *os.File
	size   int64
	closed bool

	now func() time.Time
}

// New returns an in-memory journal.
func New() *Journal {
	return &Journal{first: 1, next: 1, now: time.Now}
}

func alignedBase(seq uint64) uint64 {
	return (seq-1)/segmentSize*segmentSize + 1
}

func (j *Journal) store(e Entry) {
	if len(j.segs) == 0 {
		j.segs = append(j.segs, &segment{base: alignedBase(e.Seq)})
	}
	i := (e.Seq - j.segs[0].base) / segmentSize
	for uint64(len(j.segs)) <= i {
		last := j.segs[len(j.segs)-1]
		j.segs = append(j.segs, &segment{base: last.base + segmentSize})
	}
	seg := j.segs[i]
	seg.entries[e.Seq-seg.base] = e
}

func (j *Journal) get(seq uint64) (Entry, bool) {
	if seq < j.first || seq >= j.next || len(j.segs) == 0 {
		return Entry{}, false
	}
	i := (seq - j.segs[0].base) / segmentSize
	if i >= uint64(len(j.segs)) {
		return Entry{}, false
	}
	seg := j.segs[i]
	return seg.entries[seq-seg.base], true
}

// Append records e and returns its sequence number. e.Seq is ignored. When
// the journal is persisted and the write fails, no sequence is consumed.
func (j *Journal) Append(e Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(e)
}

func (j *Journal) appendLocked(e Entry) (uint64, error) {
	if j.closed {
		return 0, ErrClosed
	}
	e.Seq = j.next
	if e.Time == 0 {
		e.Time = j.now().UnixNano()
	}
	if j.file != nil {
		if err := j.writeRecord(e); err != nil {
			return 0, err
		}
	}
	j.store(e)
	j.next++
	return e.Seq, nil
}

// Get returns the entry with sequence seq if it is still retained.
func (j *Journal) Get(seq uint64) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.get(seq)
}

// Last returns the newest sequence number, or 0 if nothing was appended.
func (j *Journal) Last() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.next - 1
}

// First returns the oldest retained sequence number.
func (j *Journal) First() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.first
}

// Checkpoint returns the highest sequence applied to origin.
func (j *Journal) Checkpoint() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.checkpoint
}

// Advance moves the checkpoint forward to seq. It never moves backwards
// and never past the newest entry.
func (j *Journal) Advance(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.checkpoint && seq < j.next {
		j.checkpoint = seq
	}
}

// PersistCheckpoint appends a flush-marker carrying the current checkpoint,
// unless the newest marker already carries it.
func (j *Journal) PersistCheckpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.persistCheckpointLocked()
}

func (j *Journal) persistCheckpointLocked() error {
	if j.marked == j.checkpoint {
		return nil
	}
	cp := j.checkpoint
	if _, err := j.appendLocked(Entry{Op: OpFlushMarker, Checkpoint: cp}); err != nil {
		return err
	}
	j.marked = cp
	if j.file != nil {
		return j.file.Sync()
	}
	return nil
}

// EntriesSince yields the retained entries with a sequence above seq, in
// order. The range is bounded by the newest entry at the time iteration
// starts; entries appended meanwhile are not yielded. Each call of the
// returned iterator starts over.
func (j *Journal) EntriesSince(seq uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		j.mu.RLock()
		from, head := seq+1, j.next
		if from < j.first {
			from = j.first
		}
		j.mu.RUnlock()

		for s := from; s < head; s++ {
			j.mu.RLock()
			e, ok := j.get(s)
			j.mu.RUnlock()
			if !ok {
				// Pruned underneath us; skip ahead.
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// ReadAll yields every retained entry, committed or not.
func (j *Journal) ReadAll() iter.Seq[Entry] {
	return j.EntriesSince(0)
}

// Pending yields the entries above the checkpoint that still need to be
// applied to origin. Flush-markers are skipped.
func (j *Journal) Pending() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for e := range j.EntriesSince(j.Checkpoint()) {
			if e.Op == OpFlushMarker {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// HasPendingThrough reports whether any entry at or below seq still waits
// for the flush engine.
func (j *Journal) HasPendingThrough(seq uint64) bool {
	for e := range j.Pending() {
		return e.Seq <= seq
	}
	return false
}

// PendingCount returns the number of entries waiting to be applied.
func (j *Journal) PendingCount() int {
	n := 0
	for range j.Pending() {
		n++
	}
	return n
}

// Drop discards every pending entry without applying it: the checkpoint
// jumps to the newest entry. It returns the number of entries dropped.
func (j *Journal) Drop() (int, error) {
	n := j.PendingCount()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.next > 1 {
		j.checkpoint = j.next - 1
	}
	return n, j.persistCheckpointLocked()
}

// Prune removes the entries at or below min(bound, checkpoint) and returns
// how many were removed. The newest entry is always retained so the
// sequence survives a restart of a persisted journal.
func (j *Journal) Prune(bound uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.persistCheckpointLocked(); err != nil {
			return 0, err
		}
	}

	b := min(bound, j.checkpoint)
	if j.next >= 2 && b > j.next-2 {
		b = j.next - 2
	}
	if b < j.first {
		return 0, nil
	}

	removed := int(b + 1 - j.first)
	j.first = b + 1
	for len(j.segs) > 0 && j.segs[0].base+segmentSize <= j.first {
		j.segs[0] = nil
		j.segs = j.segs[1:]
	}

	if j.file != nil {
		if err := j.compactLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats describes the journal.
type Stats struct {
	First      uint64
	Last       uint64
	Checkpoint uint64
	Retained   int
	Pending    int
	Segments   int
	Persisted  bool
	Path       string
	FileSize   int64
}

// Stats returns a snapshot of the journal counters.
func (j *Journal) Stats() Stats {
	pending := j.PendingCount()

	j.mu.RLock()
	defer j.mu.RUnlock()
	return Stats{
		First:      j.first,
		Last:       j.next - 1,
		Checkpoint: j.checkpoint,
		Retained:   int(j.next - j.first),
		Pending:    pending,
		Segments:   len(j.segs),
		Persisted:  j.file != nil,
		Path:       j.path,
		FileSize:   j.size,
	}
}

// Close flushes and closes the journal file. Later appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
