package journal

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mcachefs/mcachefs/internal/log"
)

// encMode uses Core Deterministic Encoding so the same entry always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so older binaries can read newer journals.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// LoadResult describes what Open found on disk.
type LoadResult struct {
	Entries   int
	Truncated int64 // bytes of torn tail cut from the file
}

// Open opens (creating if needed) the journal file at path and loads the
// entries it holds. A torn trailing record, left by a crash mid-append, is
// truncated away.
func Open(path string) (*Journal, LoadResult, error) {
	var res LoadResult
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, res, fmt.Errorf("creating journal dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, res, fmt.Errorf("opening journal: %w", err)
	}

	j := New()
	j.path = path

	good, n, loadErr := j.load(f)
	res.Entries = n

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, res, fmt.Errorf("stat journal: %w", err)
	}
	if fi.Size() > good {
		res.Truncated = fi.Size() - good
		log.Warnf("journal %s: dropping %d bytes of torn tail after %d entries (%v)", path, res.Truncated, n, loadErr)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, res, fmt.Errorf("truncating journal tail: %w", err)
		}
	}

	j.file = f
	j.size = good
	return j, res, nil
}

// load decodes records from r into the arena. It returns the byte offset
// just past the last good record.
func (j *Journal) load(r io.Reader) (int64, int, error) {
	dec := decMode.NewDecoder(r)
	var good int64
	n := 0

	for {
		var e Entry
		err := dec.Decode(&e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return good, n, err
		}
		if !e.Op.Valid() {
			return good, n, fmt.Errorf("record %d: unknown op %d", n, e.Op)
		}
		if e.Seq == 0 {
			return good, n, fmt.Errorf("record %d: zero sequence", n)
		}
		if n == 0 {
			j.first = e.Seq
			j.next = e.Seq
		}
		if e.Seq != j.next {
			return good, n, fmt.Errorf("record %d: sequence %d, expected %d", n, e.Seq, j.next)
		}

		j.store(e)
		j.next++
		if e.Op == OpFlushMarker && e.Checkpoint > j.checkpoint && e.Checkpoint < j.next {
			j.checkpoint = e.Checkpoint
			j.marked = e.Checkpoint
		}
		good = int64(dec.NumBytesRead())
		n++
	}

	// Entries pruned before the last compaction were all committed.
	if j.first > 1 && j.checkpoint < j.first-1 {
		j.checkpoint = j.first - 1
	}
	return good, n, nil
}

func (j *Journal) writeRecord(e Entry) error {
	data, err := encMode.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	nw, err := j.file.Write(data)
	if err != nil {
		if nw > 0 {
			// Cut the partial record so the next append starts clean.
			_ = j.file.Truncate(j.size)
		}
		return fmt.Errorf("writing journal entry: %w", err)
	}
	j.size += int64(nw)
	return nil
}

// compactLocked rewrites the journal file with only the retained entries.
func (j *Journal) compactLocked() error {
	var buf bytes.Buffer
	enc := encMode.NewEncoder(&buf)
	for s := j.first; s < j.next; s++ {
		e, ok := j.get(s)
		if !ok {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding journal entry %d: %w", s, err)
		}
	}

	tmp := j.path + ".compact"
	if err := writeFileSync(tmp, buf.Bytes()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compacting journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compacting journal: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopening journal: %w", err)
	}
	j.file.Close()
	j.file = f
	j.size = int64(buf.Len())
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Inspect reads the journal file at path without opening it for append.
// Each iteration reopens the file; a record that cannot be decoded ends the
// iteration with a non-nil error.
func Inspect(path string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer f.Close()

		dec := decMode.NewDecoder(f)
		for {
			var e Entry
			err := dec.Decode(&e)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("after %d bytes: %w", dec.NumBytesRead(), err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// SetClock replaces the clock used to stamp entries.
func (j *Journal) SetClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}
