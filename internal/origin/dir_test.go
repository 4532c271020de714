//go:build linux

package origin

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return d
}

func TestClean(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/a/./b/../c", "/a/c"},
		{"/../a", "/a"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHasPrefixAndRebase(t *testing.T) {
	tests := []struct {
		path, prefix string
		match        bool
		newPrefix    string
		rebased      string
	}{
		{"/a", "/a", true, "/b", "/b"},
		{"/a/x", "/a", true, "/b", "/b/x"},
		{"/ab", "/a", false, "", ""},
		{"/a/x/y", "/a/x", true, "/", "/y"},
		{"/a", "/", true, "/z", "/z/a"},
	}

	for _, tt := range tests {
		t.Run(tt.path+"@"+tt.prefix, func(t *testing.T) {
			if got := HasPrefix(tt.path, tt.prefix); got != tt.match {
				t.Fatalf("HasPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.match)
			}
			if !tt.match {
				return
			}
			if got := Rebase(tt.path, tt.prefix, tt.newPrefix); got != tt.rebased {
				t.Errorf("Rebase(%q, %q, %q) = %q, want %q", tt.path, tt.prefix, tt.newPrefix, got, tt.rebased)
			}
		})
	}
}

func TestNewDirRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDir(file, 0); !errors.Is(err, syscall.ENOTDIR) {
		t.Errorf("NewDir(file) error = %v, want ENOTDIR", err)
	}
}

func TestDirStatNotExist(t *testing.T) {
	d := newTestDir(t)
	_, err := d.Stat("/missing")
	if !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("Stat error = %v, want ENOENT", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("error should also match os.ErrNotExist")
	}
}

func TestDirCreateAndAttributes(t *testing.T) {
	d := newTestDir(t)

	if err := d.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := d.Create("/dir/file", 0640); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Create("/dir/file", 0640); !errors.Is(err, syscall.EEXIST) {
		t.Errorf("second Create error = %v, want EEXIST", err)
	}

	if err := d.Chmod("/dir/file", 0600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := d.Truncate("/dir/file", 10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	mtime := time.Unix(1700000000, 500)
	if err := d.Utimens("/dir/file", mtime, mtime); err != nil {
		t.Fatalf("Utimens: %v", err)
	}
	// -1 leaves both fields alone, which works without privileges.
	if err := d.Chown("/dir/file", -1, -1); err != nil {
		t.Fatalf("Chown(-1, -1): %v", err)
	}

	a, err := d.Stat("/dir/file")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !a.IsRegular() {
		t.Errorf("mode %o is not a regular file", a.Mode)
	}
	if a.Perm() != 0600 {
		t.Errorf("Perm() = %o, want 600", a.Perm())
	}
	if a.Size != 10 {
		t.Errorf("Size = %d, want 10", a.Size)
	}
	if !a.Mtime.Equal(mtime) {
		t.Errorf("Mtime = %v, want %v", a.Mtime, mtime)
	}
	if int(a.Uid) != os.Getuid() {
		t.Errorf("Uid = %d, want %d", a.Uid, os.Getuid())
	}
}

func TestDirReadDir(t *testing.T) {
	d := newTestDir(t)
	if err := d.Mkdir("/sub", 0755); err != nil {
		t.Fatal(err)
	}
	if err := d.Create("/file", 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.Symlink("file", "/link"); err != nil {
		t.Fatal(err)
	}

	entries, err := d.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	modes := map[string]uint32{}
	for _, e := range entries {
		modes[e.Name] = e.Mode
	}
	want := map[string]uint32{
		"sub":  syscall.S_IFDIR,
		"file": syscall.S_IFREG,
		"link": syscall.S_IFLNK,
	}
	for name, mode := range want {
		if modes[name] != mode {
			t.Errorf("%s mode = %o, want %o", name, modes[name], mode)
		}
	}

	target, err := d.Readlink("/link")
	if err != nil || target != "file" {
		t.Errorf("Readlink = %q, %v; want file", target, err)
	}
}

func TestDirWriteFrom(t *testing.T) {
	d := newTestDir(t)
	if err := os.WriteFile(d.Path("/f"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	src := strings.NewReader("abcdefghij")
	// Buffer size 4 forces several chunks.
	if err := d.WriteFrom("/f", src, 2, 5); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}

	got, err := os.ReadFile(d.Path("/f"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("01cdefg789"); !bytes.Equal(got, want) {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestDirWriteFromShortSource(t *testing.T) {
	d := newTestDir(t)
	if err := d.Create("/f", 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteFrom("/f", strings.NewReader("abc"), 0, 10); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	got, _ := os.ReadFile(d.Path("/f"))
	if string(got) != "abc" {
		t.Errorf("content = %q, want abc", got)
	}
}

func TestDirRenameUnlinkRmdir(t *testing.T) {
	d := newTestDir(t)
	if err := d.Mkdir("/a", 0755); err != nil {
		t.Fatal(err)
	}
	if err := d.Create("/a/f", 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.Rename("/a", "/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := d.Link("/b/f", "/b/g"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if a, _ := d.Stat("/b/g"); a.Nlink != 2 {
		t.Errorf("Nlink = %d, want 2", a.Nlink)
	}
	if err := d.Rmdir("/b"); !errors.Is(err, syscall.ENOTEMPTY) {
		t.Errorf("Rmdir non-empty error = %v, want ENOTEMPTY", err)
	}
	for _, p := range []string{"/b/f", "/b/g"} {
		if err := d.Unlink(p); err != nil {
			t.Fatalf("Unlink %s: %v", p, err)
		}
	}
	if err := d.Rmdir("/b"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if err := d.Unlink("/b/f"); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Unlink missing error = %v, want ENOENT", err)
	}
}
