//go:build linux

package handle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/mcachefs/mcachefs/internal/backing"
	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/meta"
	"github.com/mcachefs/mcachefs/internal/origin"
)

func setup(t *testing.T) (string, *meta.Cache, *Manager) {
	t.Helper()
	root := t.TempDir()
	o, err := origin.NewDir(root, 64)
	if err != nil {
		t.Fatal(err)
	}
	data, err := backing.Open(t.TempDir(), 64)
	if err != nil {
		t.Fatal(err)
	}
	c := meta.New(o, data, journal.New())
	return root, c, New(c)
}

func writeOrigin(t *testing.T, root, rel, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, m *Manager, h *Handle) string {
	t.Helper()
	got, err := m.Read(h, make([]byte, 64), 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return string(got)
}

func TestOpenReadFromOrigin(t *testing.T) {
	root, _, m := setup(t)
	writeOrigin(t, root, "f", "hello world")

	h, err := m.Open("/f", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, m, h); got != "hello world" {
		t.Errorf("Read = %q", got)
	}
	got, err := m.Read(h, make([]byte, 4), 6)
	if err != nil || string(got) != "worl" {
		t.Errorf("Read at 6 = %q, %v", got, err)
	}
	got, err = m.Read(h, make([]byte, 4), 100)
	if err != nil || len(got) != 0 {
		t.Errorf("Read past end = %q, %v", got, err)
	}
	if _, err := m.Write(h, []byte("x"), 0); !errors.Is(err, syscall.EBADF) {
		t.Errorf("Write on read-only handle: err = %v, want EBADF", err)
	}
	if err := m.Close(h); err != nil {
		t.Errorf("Close: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after close", m.Len())
	}
}

func TestOpenRejectsNonFiles(t *testing.T) {
	_, _, m := setup(t)
	if _, err := m.Open("/", os.O_RDONLY); !errors.Is(err, syscall.EISDIR) {
		t.Errorf("Open(/) err = %v, want EISDIR", err)
	}
	if _, err := m.Open("/missing", os.O_RDONLY); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Open(/missing) err = %v, want ENOENT", err)
	}
}

func TestWriteCopiesUpAndSwitches(t *testing.T) {
	root, c, m := setup(t)
	writeOrigin(t, root, "f", "0123456789")

	reader, err := m.Open("/f", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	writer, err := m.Open("/f", os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.Write(writer, []byte("abc"), 8)
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := readAll(t, m, reader); got != "01234567abc" {
		t.Errorf("reader sees %q, want 01234567abc", got)
	}

	raw, _ := os.ReadFile(filepath.Join(root, "f"))
	if string(raw) != "0123456789" {
		t.Errorf("origin changed before flush: %q", raw)
	}

	e, _ := c.Lookup("/f")
	if e.Attr.Size != 11 || e.DataID == "" || e.Dirty&meta.DirtyData == 0 {
		t.Errorf("entry after write = %+v", e)
	}
	je, ok := c.Journal().Get(e.Pending)
	if !ok || je.Op != journal.OpWrite || je.Offset != 8 || je.Length != 3 || je.DataID != e.DataID {
		t.Errorf("journal entry = %s", je)
	}
	if ids := m.DataIDs(); !ids[e.DataID] {
		t.Errorf("DataIDs = %v, want %s", ids, e.DataID)
	}
}

func TestAppendWritesAtEnd(t *testing.T) {
	root, _, m := setup(t)
	writeOrigin(t, root, "log", "one\n")

	h, err := m.Open("/log", os.O_WRONLY|os.O_APPEND)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"two\n", "three\n"} {
		if _, err := m.Write(h, []byte(line), 0); err != nil {
			t.Fatal(err)
		}
	}
	r, _ := m.Open("/log", os.O_RDONLY)
	if got := readAll(t, m, r); got != "one\ntwo\nthree\n" {
		t.Errorf("content = %q", got)
	}
}

func TestStaleHandle(t *testing.T) {
	root, c, m := setup(t)
	writeOrigin(t, root, "f", "data")

	h, err := m.Open("/f", os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("/f", false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(h, make([]byte, 4), 0); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Read on stale handle: err = %v, want ENOENT", err)
	}
	if _, err := m.Write(h, []byte("x"), 0); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Write on stale handle: err = %v, want ENOENT", err)
	}
	if err := m.Close(h); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Close on stale handle: err = %v, want ENOENT", err)
	}
	if m.Len() != 0 {
		t.Error("stale handle not released on close")
	}
}

func TestCloseAfterRebuild(t *testing.T) {
	root, c, m := setup(t)
	writeOrigin(t, root, "f", "data")

	h, err := m.Open("/f", os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := c.Lookup("/f")

	mode := uint32(0o600)
	e, err := c.Upsert("/f", meta.Delta{Mode: &mode}, journal.Entry{Op: journal.OpChmod, Mode: mode})
	if err != nil {
		t.Fatal(err)
	}
	c.Journal().Advance(e.Pending)
	c.Commit(e.Pending)

	after, _ := c.Lookup("/f")
	if after.Generation == before.Generation {
		t.Fatal("commit did not rebuild the entry")
	}
	if got := readAll(t, m, h); got != "data" {
		t.Errorf("read after rebuild = %q", got)
	}
	if err := m.Close(h); err != nil {
		t.Errorf("Close after rebuild: %v", err)
	}
}

func TestRenameFollowsHandles(t *testing.T) {
	root, c, m := setup(t)
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeOrigin(t, root, "d/f", "inside")

	h, err := m.Open("/d/f", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Rename("/d", "/e"); err != nil {
		t.Fatal(err)
	}
	if n := m.Rename("/d", "/e"); n != 1 {
		t.Errorf("Rename moved %d handles, want 1", n)
	}
	if h.Path() != "/e/f" {
		t.Errorf("Path = %q, want /e/f", h.Path())
	}
	if got := readAll(t, m, h); got != "inside" {
		t.Errorf("read after rename = %q", got)
	}
}

func TestOldestOpenSeqAndDump(t *testing.T) {
	root, c, m := setup(t)
	writeOrigin(t, root, "a", "a")
	writeOrigin(t, root, "b", "b")

	if m.OldestOpenSeq() != 0 {
		t.Errorf("OldestOpenSeq with no handles = %d", m.OldestOpenSeq())
	}
	ha, _ := m.Open("/a", os.O_RDWR)
	if _, err := m.Write(ha, []byte("x"), 1); err != nil {
		t.Fatal(err)
	}
	hb, _ := m.Open("/b", os.O_RDONLY)
	if got, want := m.OldestOpenSeq(), uint64(1); got != want {
		t.Errorf("OldestOpenSeq = %d, want %d", got, want)
	}
	if hb.OpenSeq != c.Journal().Last()+1 {
		t.Errorf("OpenSeq = %d, journal last %d", hb.OpenSeq, c.Journal().Last())
	}

	var sb strings.Builder
	if err := m.Dump(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	if !strings.HasPrefix(out, "# handles open=2\n") || !strings.Contains(out, "[1] /a") || !strings.Contains(out, "[2] /b") {
		t.Errorf("Dump:\n%s", out)
	}

	m.Close(ha)
	if got := m.OldestOpenSeq(); got != hb.OpenSeq {
		t.Errorf("OldestOpenSeq after close = %d, want %d", got, hb.OpenSeq)
	}
}
