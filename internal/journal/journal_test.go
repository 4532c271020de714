package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func appendN(t *testing.T, j *Journal, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := j.Append(Entry{Op: OpChmod, Path: "/f", Mode: uint32(i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func collect(seq func(func(Entry) bool)) []Entry {
	var out []Entry
	for e := range seq {
		out = append(out, e)
	}
	return out
}

func TestAppendMonotonic(t *testing.T) {
	j := New()
	seqs := appendN(t, j, 3*segmentSize+7)

	if seqs[0] != 1 {
		t.Errorf("first sequence = %d, want 1", seqs[0])
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("seq[%d] = %d after %d", i, seqs[i], seqs[i-1])
		}
	}
	if j.Last() != uint64(len(seqs)) {
		t.Errorf("Last() = %d, want %d", j.Last(), len(seqs))
	}

	e, ok := j.Get(2*segmentSize + 3)
	if !ok || e.Seq != 2*segmentSize+3 || e.Mode != 2*segmentSize+2 {
		t.Errorf("Get across segments = %+v, %v", e, ok)
	}
}

func TestConcurrentAppendUnique(t *testing.T) {
	j := New()
	const writers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				seq, err := j.Append(Entry{Op: OpUtime, Path: "/x"})
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("sequence %d reused", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != writers*per {
		t.Errorf("got %d sequences, want %d", len(seen), writers*per)
	}
}

func TestEntriesSince(t *testing.T) {
	j := New()
	appendN(t, j, 20)

	tests := []struct {
		since uint64
		want  int
	}{
		{0, 20},
		{5, 15},
		{19, 1},
		{20, 0},
		{100, 0},
	}

	for _, tt := range tests {
		got := collect(j.EntriesSince(tt.since))
		if len(got) != tt.want {
			t.Errorf("EntriesSince(%d) returned %d entries, want %d", tt.since, len(got), tt.want)
		}
		for _, e := range got {
			if e.Seq <= tt.since {
				t.Errorf("EntriesSince(%d) yielded seq %d", tt.since, e.Seq)
			}
		}
	}
}

func TestEntriesSinceRestartableAndBounded(t *testing.T) {
	j := New()
	appendN(t, j, 5)

	it := j.EntriesSince(2)
	var first []uint64
	for e := range it {
		first = append(first, e.Seq)
		if e.Seq == 3 {
			// Appends during iteration are outside the snapshot.
			appendN(t, j, 2)
		}
	}
	if len(first) != 3 {
		t.Errorf("first pass = %v, want [3 4 5]", first)
	}

	second := collect(it)
	if len(second) != 5 {
		t.Errorf("second pass returned %d entries, want 5", len(second))
	}
}

func TestCheckpointAndPending(t *testing.T) {
	j := New()
	appendN(t, j, 4)

	j.Advance(2)
	j.Advance(1) // never backwards
	j.Advance(99)
	if j.Checkpoint() != 2 {
		t.Fatalf("Checkpoint() = %d, want 2", j.Checkpoint())
	}

	if err := j.PersistCheckpoint(); err != nil {
		t.Fatal(err)
	}
	if err := j.PersistCheckpoint(); err != nil {
		t.Fatal(err)
	}
	if j.Last() != 5 {
		t.Errorf("Last() = %d, want 5 (one marker)", j.Last())
	}

	pending := collect(j.Pending())
	if len(pending) != 2 || pending[0].Seq != 3 || pending[1].Seq != 4 {
		t.Errorf("Pending() = %v, want seqs 3,4", pending)
	}
	if !j.HasPendingThrough(3) || j.HasPendingThrough(2) {
		t.Error("HasPendingThrough mismatch")
	}
}

func TestDrop(t *testing.T) {
	j := New()
	appendN(t, j, 3)

	n, err := j.Drop()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Drop() = %d, want 3", n)
	}
	if j.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after drop", j.PendingCount())
	}
	if len(collect(j.ReadAll())) != 4 {
		t.Error("dropped entries should stay readable until pruned")
	}
}

func TestPrune(t *testing.T) {
	j := New()
	appendN(t, j, 2*segmentSize+10)
	j.Advance(segmentSize + 500)

	removed, err := j.Prune(segmentSize + 100)
	if err != nil {
		t.Fatal(err)
	}
	if removed != segmentSize+100 {
		t.Errorf("Prune removed %d, want %d", removed, segmentSize+100)
	}
	if j.First() != segmentSize+101 {
		t.Errorf("First() = %d, want %d", j.First(), segmentSize+101)
	}
	if _, ok := j.Get(segmentSize + 100); ok {
		t.Error("pruned entry still readable")
	}
	if e, ok := j.Get(segmentSize + 101); !ok || e.Seq != segmentSize+101 {
		t.Errorf("first retained entry = %+v, %v", e, ok)
	}
	if st := j.Stats(); st.Segments != 2 {
		t.Errorf("Segments = %d, want 2", st.Segments)
	}

	// The bound is capped by the checkpoint.
	removed, _ = j.Prune(1 << 40)
	if removed != 400 || j.First() != segmentSize+501 {
		t.Errorf("second Prune removed %d, first=%d", removed, j.First())
	}
}

func TestPruneKeepsHead(t *testing.T) {
	j := New()
	appendN(t, j, 3)
	j.Advance(3)

	if _, err := j.Prune(3); err != nil {
		t.Fatal(err)
	}
	if j.First() != 3 {
		t.Errorf("First() = %d, want 3 (head retained)", j.First())
	}
	seq, _ := j.Append(Entry{Op: OpUnlink, Path: "/y"})
	if seq != 4 {
		t.Errorf("next sequence = %d, want 4", seq)
	}
}

func TestPersistReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(Entry{Op: OpChown, Path: "/f", Uid: 1000, Gid: Unchanged}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(Entry{Op: OpChown, Path: "/f", Uid: Unchanged, Gid: 0}); err != nil {
		t.Fatal(err)
	}
	j.Advance(1)
	if err := j.PersistCheckpoint(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(Entry{Op: OpChmod}); err != ErrClosed {
		t.Errorf("Append after Close error = %v, want ErrClosed", err)
	}

	j2, res, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if res.Entries != 3 || res.Truncated != 0 {
		t.Errorf("LoadResult = %+v, want 3 entries, no truncation", res)
	}
	if j2.Checkpoint() != 1 {
		t.Errorf("Checkpoint() = %d, want 1", j2.Checkpoint())
	}
	pending := collect(j2.Pending())
	if len(pending) != 1 || pending[0].Uid != Unchanged || pending[0].Gid != 0 {
		t.Errorf("Pending() = %+v", pending)
	}
	seq, _ := j2.Append(Entry{Op: OpUnlink, Path: "/f"})
	if seq != 4 {
		t.Errorf("sequence after reopen = %d, want 4", seq)
	}
}

func TestPersistTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, j, 3)
	j.Close()

	fi, _ := os.Stat(path)
	full := fi.Size()
	if err := os.Truncate(path, full-2); err != nil {
		t.Fatal(err)
	}

	j2, res, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if res.Entries != 2 {
		t.Errorf("loaded %d entries, want 2", res.Entries)
	}
	if res.Truncated == 0 {
		t.Error("torn tail should be reported")
	}
	seq, err := j2.Append(Entry{Op: OpRmdir, Path: "/d"})
	if err != nil || seq != 3 {
		t.Errorf("Append after truncation = %d, %v; want 3", seq, err)
	}

	j2.Close()
	j3, res, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j3.Close()
	if res.Entries != 3 || res.Truncated != 0 {
		t.Errorf("after repair: %+v", res)
	}
}

func TestPersistPruneCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, j, 50)
	j.Advance(40)
	before := j.Stats().FileSize

	if _, err := j.Prune(40); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if after := j.Stats().FileSize; after >= before {
		t.Errorf("file size %d not smaller than %d", after, before)
	}
	j.Close()

	j2, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	if j2.First() != 41 {
		t.Errorf("First() = %d, want 41", j2.First())
	}
	if j2.Checkpoint() != 40 {
		t.Errorf("Checkpoint() = %d, want 40", j2.Checkpoint())
	}
	if j2.PendingCount() != 10 {
		t.Errorf("PendingCount() = %d, want 10", j2.PendingCount())
	}
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(Entry{Op: OpRename, Path: "/a", To: "/b"})
	j.Close()

	var got []Entry
	for e, err := range Inspect(path) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e)
	}
	if len(got) != 1 || got[0].To != "/b" {
		t.Errorf("Inspect = %+v", got)
	}
}

func TestDump(t *testing.T) {
	j := New()
	j.Append(Entry{Op: OpChown, Path: "/file", Uid: 1000, Gid: Unchanged})
	j.Append(Entry{Op: OpRename, Path: "/a", To: "/b"})
	j.Advance(1)

	var buf bytes.Buffer
	if err := j.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"# journal first=1 last=2 checkpoint=1 pending=1",
		"[1] chown : path='/file' : uid=1000, gid=-1 [committed]",
		"[2] rename : path='/a', to='/b' [pending]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "create"},
		{OpFlushMarker, "flush-marker"},
		{opMax, "op(14)"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
