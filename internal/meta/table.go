package meta

import (
	"path"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mcachefs/mcachefs/internal/origin"
)

const shardCount = 64

// table maps identities to published entries. Each shard has its own lock
// so lookups on unrelated identities never contend; a children index keyed
// by parent identity serves readdir.
type table struct {
	shards [shardCount]shard

	kidsMu sync.Mutex
	kids   map[string]map[string]struct{}
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Entry
}

func newTable() *table {
	t := &table{kids: make(map[string]map[string]struct{})}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*Entry)
	}
	return t
}

func (t *table) shard(p string) *shard {
	return &t.shards[xxhash.Sum64String(p)%shardCount]
}

func (t *table) get(p string) (*Entry, bool) {
	s := t.shard(p)
	s.mu.RLock()
	e, ok := s.m[p]
	s.mu.RUnlock()
	return e, ok
}

// put publishes e, replacing any entry at the same identity. e must not be
// modified afterwards.
func (t *table) put(e *Entry) {
	s := t.shard(e.Path)
	s.mu.Lock()
	_, existed := s.m[e.Path]
	s.m[e.Path] = e
	s.mu.Unlock()

	if !existed && e.Path != "/" {
		t.addKid(e.Path)
	}
}

// replace publishes e like put but never lowers the pending sequence
// recorded by a concurrent parent touch.
func (t *table) replace(e *Entry) {
	s := t.shard(e.Path)
	s.mu.Lock()
	old, existed := s.m[e.Path]
	if existed && old.Pending > e.Pending {
		e.Pending = old.Pending
	}
	s.m[e.Path] = e
	s.mu.Unlock()

	if !existed && e.Path != "/" {
		t.addKid(e.Path)
	}
}

// modify applies fn to a copy of the entry at p and publishes the copy.
func (t *table) modify(p string, fn func(e *Entry)) bool {
	s := t.shard(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[p]
	if !ok {
		return false
	}
	e := *old
	fn(&e)
	s.m[p] = &e
	return true
}

func (t *table) del(p string) {
	s := t.shard(p)
	s.mu.Lock()
	_, existed := s.m[p]
	delete(s.m, p)
	s.mu.Unlock()

	if existed && p != "/" {
		t.delKid(p)
	}
}

func (t *table) addKid(p string) {
	dir, name := path.Split(p)
	dir = origin.Clean(dir)
	t.kidsMu.Lock()
	names, ok := t.kids[dir]
	if !ok {
		names = make(map[string]struct{})
		t.kids[dir] = names
	}
	names[name] = struct{}{}
	t.kidsMu.Unlock()
}

func (t *table) delKid(p string) {
	dir, name := path.Split(p)
	dir = origin.Clean(dir)
	t.kidsMu.Lock()
	if names, ok := t.kids[dir]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(t.kids, dir)
		}
	}
	t.kidsMu.Unlock()
}

// children returns the cached entries directly below dir.
func (t *table) children(dir string) []*Entry {
	t.kidsMu.Lock()
	names := make([]string, 0, len(t.kids[dir]))
	for name := range t.kids[dir] {
		names = append(names, name)
	}
	t.kidsMu.Unlock()

	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		if e, ok := t.get(origin.Join(dir, name)); ok {
			out = append(out, e)
		}
	}
	return out
}

// paths returns every cached identity.
func (t *table) paths() []string {
	var out []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for p := range s.m {
			out = append(out, p)
		}
		s.mu.RUnlock()
	}
	return out
}

// under returns the cached identities equal to or below prefix.
func (t *table) under(prefix string) []string {
	var out []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for p := range s.m {
			if origin.HasPrefix(p, prefix) {
				out = append(out, p)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func (t *table) reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.m = make(map[string]*Entry)
		s.mu.Unlock()
	}
	t.kidsMu.Lock()
	t.kids = make(map[string]map[string]struct{})
	t.kidsMu.Unlock()
}
