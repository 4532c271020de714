// Package backing is the local data cache: file contents that were written
// through the mount, or copied up before a write, live here until they are
// flushed to origin.
//
// Files are keyed by a data ID rather than by path, so renames in the cache
// never move data and journaled write entries keep pointing at the right
// bytes.
package backing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// SweepGrace protects freshly created files from Sweep: a file is only
// reclaimed once it is older than this.
const SweepGrace = time.Minute

const tmpSuffix = ".tmp"

// Store manages data files below a single directory.
type Store struct {
	dir     string
	bufSize int64
	prefix  string
	seq     atomic.Uint64
}

// Open creates dir if needed and returns a Store rooted there. bufSize is
// the copy buffer used by CopyFrom.
func Open(dir string, bufSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	return &Store{
		dir:     dir,
		bufSize: bufSize,
		prefix:  strconv.FormatInt(time.Now().UnixNano(), 36),
	}, nil
}

// Dir returns the directory holding the data files.
func (s *Store) Dir() string { return s.dir }

// NewID returns an ID that is unique across restarts of the process.
func (s *Store) NewID() string {
	return s.prefix + "-" + strconv.FormatUint(s.seq.Add(1), 36)
}

// Path returns the host path of id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\x00") || id == "." || id == ".." {
		return fmt.Errorf("invalid data id %q", id)
	}
	return nil
}

// Create creates an empty data file for id.
func (s *Store) Create(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Open opens the data file for id with the given os.OpenFile flags.
func (s *Store) Open(id string, flag int) (*os.File, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return os.OpenFile(s.Path(id), flag, 0600)
}

// CopyFrom fills a new data file for id with the content of src. The file
// appears under its final name only once the copy is complete.
func (s *Store) CopyFrom(id string, src io.Reader) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	tmp := s.Path(id) + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}

	n, err := io.CopyBuffer(f, src, make([]byte, s.bufSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("copying into %s: %w", id, err)
	}
	if err := os.Rename(tmp, s.Path(id)); err != nil {
		os.Remove(tmp)
		return n, err
	}
	return n, nil
}

// Truncate sets the size of the data file for id.
func (s *Store) Truncate(id string, size int64) error {
	if err := validID(id); err != nil {
		return err
	}
	return os.Truncate(s.Path(id), size)
}

// Size returns the current size of the data file for id.
func (s *Store) Size(id string) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	fi, err := os.Stat(s.Path(id))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Remove deletes the data file for id. A missing file is not an error.
func (s *Store) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SweepResult reports what Sweep reclaimed.
type SweepResult struct {
	Removed int
	Bytes   int64
	Kept    int
}

// Sweep removes every data file older than SweepGrace for which keep
// returns false, along with stale temporary files.
func (s *Store) Sweep(keep func(id string) bool) (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, err
	}
	cutoff := time.Now().Add(-SweepGrace)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, tmpSuffix) && keep(name) {
			res.Kept++
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, err
		}
		res.Removed++
		res.Bytes += info.Size()
	}
	return res, nil
}
