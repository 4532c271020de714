//go:build linux

package fuse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mcachefs/mcachefs/internal/engine"
)

// Inode numbers of the control directory and its files, far above the
// synthetic numbers the cache hands out.
const controlIno = 1<<63 - 64

// Control file names.
const (
	ControlAction   = "action"
	ControlJournal  = "journal"
	ControlMetadata = "metadata"
	ControlHandles  = "handles"
	ControlStats    = "stats"
	ControlTransfer = "transfer"
)

type controlSpec struct {
	name  string
	write bool
	dump  func(e *engine.Engine, w io.Writer) error
}

var controlFiles = []controlSpec{
	{name: ControlAction, write: true},
	{name: ControlJournal, dump: (*engine.Engine).DumpJournal},
	{name: ControlMetadata, dump: (*engine.Engine).DumpMetadata},
	{name: ControlHandles, dump: (*engine.Engine).DumpHandles},
	{name: ControlStats, dump: (*engine.Engine).DumpStats},
	{name: ControlTransfer, dump: (*engine.Engine).DumpTransfer},
}

// controlDir is the virtual .mcachefs directory.
type controlDir struct {
	gofuse.Inode
	root *Root
}

var _ = (gofuse.NodeOnAdder)((*controlDir)(nil))
var _ = (gofuse.NodeGetattrer)((*controlDir)(nil))

func (d *controlDir) OnAdd(ctx context.Context) {
	for i, spec := range controlFiles {
		f := &controlFile{root: d.root, spec: spec}
		ch := d.NewPersistentInode(ctx, f, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: controlIno + 1 + uint64(i)})
		d.AddChild(spec.name, ch, true)
	}
}

func (d *controlDir) fill(out *fuse.Attr) {
	out.Ino = controlIno
	out.Mode = syscall.S_IFDIR | 0o700
	out.Nlink = 2
	out.Owner = fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

func (d *controlDir) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	d.fill(&out.Attr)
	return 0
}

// controlFile is one file of the control directory. Reads are served from
// a snapshot taken at open time; the action file runs every write as a
// command.
type controlFile struct {
	gofuse.Inode
	root *Root
	spec controlSpec
}

var _ = (gofuse.NodeGetattrer)((*controlFile)(nil))
var _ = (gofuse.NodeSetattrer)((*controlFile)(nil))
var _ = (gofuse.NodeOpener)((*controlFile)(nil))

func (f *controlFile) fill(out *fuse.Attr) {
	out.Mode = syscall.S_IFREG | 0o400
	if f.spec.write {
		out.Mode = syscall.S_IFREG | 0o200
	}
	out.Nlink = 1
	out.Owner = fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

func (f *controlFile) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fill(&out.Attr)
	return 0
}

// Setattr accepts and ignores everything, so that "echo cmd > action"
// (which truncates first) works.
func (f *controlFile) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	f.fill(&out.Attr)
	return 0
}

func (f *controlFile) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	acc := int(flags) & syscall.O_ACCMODE
	if f.spec.write {
		if acc == syscall.O_RDONLY {
			return nil, 0, syscall.EACCES
		}
		return &actionHandle{root: f.root}, fuse.FOPEN_DIRECT_IO, 0
	}
	if acc != syscall.O_RDONLY {
		return nil, 0, syscall.EACCES
	}
	data, err := snapshot(f.root.Engine, f.spec)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &snapshotHandle{data: data}, fuse.FOPEN_DIRECT_IO, 0
}

func snapshot(e *engine.Engine, spec controlSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := spec.dump(e, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type snapshotHandle struct {
	data []byte
}

var _ = (gofuse.FileReader)((*snapshotHandle)(nil))

func (h *snapshotHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(window(h.data, dest, off)), 0
}

func window(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := min(off+int64(len(dest)), int64(len(data)))
	return data[off:end]
}

type actionHandle struct {
	root *Root
}

var _ = (gofuse.FileWriter)((*actionHandle)(nil))

// Write runs the written command synchronously. The write succeeds only
// if the command did.
func (h *actionHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if errno := runAction(ctx, h.root, string(data)); errno != 0 {
		return 0, errno
	}
	return uint32(len(data)), 0
}

// runAction executes one command line: malformed commands are EINVAL,
// failing commands EIO.
func runAction(ctx context.Context, r *Root, line string) syscall.Errno {
	line = strings.TrimSpace(line)
	msg, err := r.Engine.Command(ctx, line)
	switch {
	case errors.Is(err, engine.ErrUnknownCommand):
		r.Trace.TX("action %q rejected: %v", line, err)
		return syscall.EINVAL
	case err != nil:
		r.Trace.TX("action %q failed: %v", line, err)
		return syscall.EIO
	}
	r.Trace.TX("action %q: %s", line, msg)
	return 0
}
