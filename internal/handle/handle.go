// Package handle tracks open file handles.
//
// A handle never holds a cache entry. It holds the identity it was opened
// on and re-resolves it through the cache on every access, so flushes,
// cache rebuilds and copy-ups underneath an open handle are invisible to
// its owner. A handle whose identity disappeared (unlinked, or renamed away
// by another name) is stale and reports ENOENT.
package handle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
)

// Handle is one open file.
type Handle struct {
	ID         uint64
	Flags      int
	Generation uint64 // entry generation at open
	OpenSeq    uint64 // journal head at open

	mu     sync.Mutex
	path   string
	file   *os.File
	dataID string // backing file behind file; empty when file is the origin file
}

// Path returns the identity the handle currently refers to.
func (h *Handle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

// fileFor returns a descriptor onto the content of e, reopening when the
// content moved (origin to backing store, or to a new backing file).
func (h *Handle) fileFor(c *meta.Cache, e meta.Entry) (*os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil && h.dataID == e.DataID {
		return h.file, nil
	}
	flag := os.O_RDONLY
	if e.DataID != "" {
		flag = os.O_RDWR
	}
	f, err := c.OpenData(e, flag)
	if err != nil {
		return nil, err
	}
	if h.file != nil {
		h.file.Close()
	}
	h.file, h.dataID = f, e.DataID
	return f, nil
}

func (h *Handle) closeFile() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func writable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Manager owns the open handles.
type Manager struct {
	cache *meta.Cache

	mu      sync.RWMutex
	handles map[uint64]*Handle
	next    atomic.Uint64
}

// New returns a manager resolving handles through c.
func New(c *meta.Cache) *Manager {
	return &Manager{cache: c, handles: make(map[uint64]*Handle)}
}

// Open opens the regular file at p.
func (m *Manager) Open(p string, flags int) (*Handle, error) {
	e, err := m.cache.Lookup(p)
	if err != nil {
		return nil, err
	}
	switch {
	case e.Attr.IsDir():
		return nil, fmt.Errorf("open %s: %w", e.Path, syscall.EISDIR)
	case !e.Attr.IsRegular():
		return nil, fmt.Errorf("open %s: %w", e.Path, syscall.ENXIO)
	}

	h := &Handle{
		ID:         m.next.Add(1),
		Flags:      flags,
		Generation: e.Generation,
		OpenSeq:    m.cache.Journal().Last() + 1,
		path:       e.Path,
	}
	if _, err := h.fileFor(m.cache, e); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()
	return h, nil
}

// Get returns the open handle with the given id.
func (m *Manager) Get(id uint64) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

func (m *Manager) resolve(h *Handle) (meta.Entry, error) {
	e, err := m.cache.Lookup(h.Path())
	if err != nil {
		return e, fmt.Errorf("handle %d: %w", h.ID, err)
	}
	return e, nil
}

// Read reads up to len(dest) bytes at off. Short reads happen only at end
// of file.
func (m *Manager) Read(h *Handle, dest []byte, off int64) ([]byte, error) {
	e, err := m.resolve(h)
	if err != nil {
		return nil, err
	}
	if off >= e.Attr.Size {
		return dest[:0], nil
	}
	if rest := e.Attr.Size - off; int64(len(dest)) > rest {
		dest = dest[:rest]
	}
	f, err := h.fileFor(m.cache, e)
	if err != nil {
		return nil, err
	}
	n, err := f.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", e.Path, err)
	}
	return dest[:n], nil
}

// Write writes data at off (at end of file for O_APPEND handles) and
// journals the written range. Writes to one identity are applied in
// arrival order.
func (m *Manager) Write(h *Handle, data []byte, off int64) (int, error) {
	if !writable(h.Flags) {
		return 0, fmt.Errorf("write %s: %w", h.Path(), syscall.EBADF)
	}
	n := 0
	_, err := m.cache.Update(h.Path(), func(cur meta.Entry) (meta.Delta, *journal.Entry, error) {
		id, err := m.cache.CopyUp(cur)
		if err != nil {
			return meta.Delta{}, nil, err
		}
		cur.DataID = id
		f, err := h.fileFor(m.cache, cur)
		if err != nil {
			return meta.Delta{}, nil, err
		}
		if h.Flags&os.O_APPEND != 0 {
			off = cur.Attr.Size
		}
		n, err = f.WriteAt(data, off)
		if err != nil {
			return meta.Delta{}, nil, fmt.Errorf("write %s: %w", cur.Path, err)
		}

		size := max(cur.Attr.Size, off+int64(n))
		now := time.Now()
		d := meta.Delta{Size: &size, Mtime: &now, DataID: &id, Data: true}
		je := &journal.Entry{
			Op:     journal.OpWrite,
			DataID: id,
			Offset: off,
			Length: int64(n),
			Time:   now.UnixNano(),
		}
		return d, je, nil
	})
	if err != nil {
		return 0, fmt.Errorf("handle %d: %w", h.ID, err)
	}
	return n, nil
}

// Sync flushes the handle's backing file to disk. Handles reading from
// origin have nothing to sync.
func (m *Manager) Sync(h *Handle) error {
	if _, err := m.resolve(h); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil || h.dataID == "" {
		return nil
	}
	return h.file.Sync()
}

// Close forgets h and closes its descriptor. The error is ENOENT when the
// identity vanished while the handle was open; the handle is released
// either way.
func (m *Manager) Close(h *Handle) error {
	m.mu.Lock()
	delete(m.handles, h.ID)
	m.mu.Unlock()

	cerr := h.closeFile()
	if _, err := m.cache.Lookup(h.Path()); err != nil {
		return fmt.Errorf("handle %d: %w", h.ID, err)
	}
	return cerr
}

// Rename points the handles open on from, or below it, at the new
// identity.
func (m *Manager) Rename(from, to string) int {
	from, to = origin.Clean(from), origin.Clean(to)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.handles {
		h.mu.Lock()
		if origin.HasPrefix(h.path, from) {
			h.path = origin.Rebase(h.path, from, to)
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// OldestOpenSeq returns the lowest OpenSeq of the open handles, or 0 when
// nothing is open.
func (m *Manager) OldestOpenSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest uint64
	for _, h := range m.handles {
		if oldest == 0 || h.OpenSeq < oldest {
			oldest = h.OpenSeq
		}
	}
	return oldest
}

// Len returns the number of open handles.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// DataIDs returns the backing files open handles read from.
func (m *Manager) DataIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, h := range m.snapshot() {
		h.mu.Lock()
		if h.dataID != "" {
			ids[h.dataID] = true
		}
		h.mu.Unlock()
	}
	return ids
}

func (m *Manager) snapshot() []*Handle {
	m.mu.RLock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dump writes one line per open handle.
func (m *Manager) Dump(w io.Writer) error {
	handles := m.snapshot()
	if _, err := fmt.Fprintf(w, "# handles open=%d\n", len(handles)); err != nil {
		return err
	}
	for _, h := range handles {
		h.mu.Lock()
		line := fmt.Sprintf("[%d] %s : flags=%#x gen=%d open_seq=%d", h.ID, h.path, h.Flags, h.Generation, h.OpenSeq)
		if h.dataID != "" {
			line += " data=" + h.dataID
		}
		h.mu.Unlock()
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
