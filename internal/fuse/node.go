//go:build linux

package fuse

import (
	"context"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mcachefs/mcachefs/internal/config"
	"github.com/mcachefs/mcachefs/internal/engine"
	"github.com/mcachefs/mcachefs/internal/handle"
	"github.com/mcachefs/mcachefs/internal/meta"
)

// Root holds shared state for the mcachefs FUSE filesystem.
type Root struct {
	Engine *engine.Engine
	Trace  *Tracer
}

// Node is a filesystem node. It carries no state of its own: every call is
// resolved by path through the engine.
type Node struct {
	gofuse.Inode
	root *Root
}

var _ = (gofuse.NodeOnAdder)((*Node)(nil))
var _ = (gofuse.NodeLookuper)((*Node)(nil))
var _ = (gofuse.NodeGetattrer)((*Node)(nil))
var _ = (gofuse.NodeReaddirer)((*Node)(nil))
var _ = (gofuse.NodeOpener)((*Node)(nil))
var _ = (gofuse.NodeCreater)((*Node)(nil))
var _ = (gofuse.NodeMknoder)((*Node)(nil))
var _ = (gofuse.NodeMkdirer)((*Node)(nil))
var _ = (gofuse.NodeUnlinker)((*Node)(nil))
var _ = (gofuse.NodeRmdirer)((*Node)(nil))
var _ = (gofuse.NodeRenamer)((*Node)(nil))
var _ = (gofuse.NodeSymlinker)((*Node)(nil))
var _ = (gofuse.NodeReadlinker)((*Node)(nil))
var _ = (gofuse.NodeLinker)((*Node)(nil))
var _ = (gofuse.NodeSetattrer)((*Node)(nil))
var _ = (gofuse.NodeStatfser)((*Node)(nil))

// NewRoot returns the root node of a filesystem served by eng.
func NewRoot(eng *engine.Engine, trace *Tracer) *Node {
	if trace == nil {
		trace = &Tracer{}
	}
	return &Node{root: &Root{Engine: eng, Trace: trace}}
}

// path returns the identity of the child name, or of n itself when name is
// empty.
func (n *Node) path(name string) string {
	p := n.Path(n.Root())
	switch {
	case p == "" && name == "":
		return "/"
	case p == "":
		return "/" + name
	case name == "":
		return "/" + p
	}
	return "/" + p + "/" + name
}

// reserved reports whether name is the control directory.
func (n *Node) reserved(name string) bool {
	return n.IsRoot() && name == config.ControlDirName
}

func (n *Node) newChild(ctx context.Context, ent meta.Entry, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(ent.Attr, &out.Attr)
	child := &Node{root: n.root}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: ent.Attr.Type(), Ino: ent.Attr.Ino})
}

func caller(ctx context.Context) engine.Owner {
	if c, ok := fuse.FromContext(ctx); ok {
		return engine.Owner{Uid: c.Uid, Gid: c.Gid}
	}
	return engine.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

// OnAdd attaches the control directory to the root.
func (n *Node) OnAdd(ctx context.Context) {
	if !n.IsRoot() {
		return
	}
	ctl := n.NewPersistentInode(ctx, &controlDir{root: n.root}, gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: controlIno})
	n.AddChild(config.ControlDirName, ctl, true)
}

// Lookup resolves a child entry.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if n.reserved(name) {
		ctl := n.GetChild(name)
		ctl.Operations().(*controlDir).fill(&out.Attr)
		return ctl, 0
	}
	ent, err := n.root.Engine.Lookup(n.path(name))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, ent, out), 0
}

// Getattr returns the effective attributes.
func (n *Node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if f, ok := fh.(*FileHandle); ok {
		return f.Getattr(ctx, out)
	}
	ent, err := n.root.Engine.Getattr(n.path(""))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(ent.Attr, &out.Attr)
	return 0
}

// Readdir lists the merged view of origin and the cache. At the root, an
// origin object named like the control directory is hidden by it.
func (n *Node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	list, err := n.root.Engine.Readdir(n.path(""))
	if err != nil {
		return nil, toErrno(err)
	}
	result := make([]fuse.DirEntry, 0, len(list)+1)
	if n.IsRoot() {
		result = append(result, fuse.DirEntry{Name: config.ControlDirName, Mode: syscall.S_IFDIR, Ino: controlIno})
	}
	for _, e := range list {
		if n.reserved(e.Name) {
			continue
		}
		result = append(result, fuse.DirEntry{Name: e.Name, Mode: e.Mode, Ino: e.Ino})
	}
	return gofuse.NewListDirStream(result), 0
}

// FileHandle is an open regular file.
type FileHandle struct {
	h    *handle.Handle
	root *Root
}

var _ = (gofuse.FileReader)((*FileHandle)(nil))
var _ = (gofuse.FileWriter)((*FileHandle)(nil))
var _ = (gofuse.FileReleaser)((*FileHandle)(nil))
var _ = (gofuse.FileFlusher)((*FileHandle)(nil))
var _ = (gofuse.FileFsyncer)((*FileHandle)(nil))
var _ = (gofuse.FileGetattrer)((*FileHandle)(nil))

// Open opens a regular file.
func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, err := n.root.Engine.Open(n.path(""), int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &FileHandle{h: h, root: n.root}, 0, 0
}

// Read reads file content from the backing store or origin.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.root.Engine.Read(fh.h, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write writes into the backing store.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	nw, err := fh.root.Engine.Write(fh.h, data, off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(nw), 0
}

// Getattr returns the attributes of the identity the handle refers to now.
func (fh *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	ent, err := fh.root.Engine.Getattr(fh.h.Path())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(ent.Attr, &out.Attr)
	return 0
}

// Release closes the handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(fh.root.Engine.Release(fh.h))
}

// Flush is a no-op: writes are journaled as they happen.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync syncs the backing file.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(fh.root.Engine.Fsync(fh.h))
}

// Create creates and opens a new regular file owned by the caller.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if n.reserved(name) {
		return nil, nil, 0, syscall.EEXIST
	}
	ent, h, err := n.root.Engine.Create(n.path(name), mode, int(flags), caller(ctx))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	return n.newChild(ctx, ent, out), &FileHandle{h: h, root: n.root}, 0, 0
}

// Mknod creates a special file owned by the caller.
func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if n.reserved(name) {
		return nil, syscall.EEXIST
	}
	ent, err := n.root.Engine.Mknod(n.path(name), mode, uint64(dev), caller(ctx))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, ent, out), 0
}

// Mkdir creates a directory owned by the caller.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if n.reserved(name) {
		return nil, syscall.EEXIST
	}
	ent, err := n.root.Engine.Mkdir(n.path(name), mode, caller(ctx))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, ent, out), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.reserved(name) {
		return syscall.EPERM
	}
	return toErrno(n.root.Engine.Unlink(n.path(name)))
}

// Rmdir removes a directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.reserved(name) {
		return syscall.EBUSY
	}
	return toErrno(n.root.Engine.Rmdir(n.path(name)))
}

// Rename moves an entry. RENAME_EXCHANGE and RENAME_NOREPLACE are not
// supported.
func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	np, ok := newParent.(*Node)
	if !ok || n.reserved(name) || np.reserved(newName) {
		return syscall.EPERM
	}
	return toErrno(n.root.Engine.Rename(n.path(name), np.path(newName)))
}

// Symlink creates a symbolic link owned by the caller.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if n.reserved(name) {
		return nil, syscall.EEXIST
	}
	ent, err := n.root.Engine.Symlink(target, n.path(name), caller(ctx))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, ent, out), 0
}

// Readlink reads a symbolic link target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.root.Engine.Readlink(n.path(""))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Link creates a hard link.
func (n *Node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok || n.reserved(name) {
		return nil, syscall.EPERM
	}
	ent, err := n.root.Engine.Link(tn.path(""), n.path(name))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, ent, out), 0
}

// Setattr applies chmod, chown, truncate and utimens, in that order.
func (n *Node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	e := n.root.Engine
	p := n.path("")
	if f, ok := fh.(*FileHandle); ok {
		p = f.h.Path()
	}
	req := decodeSetattr(in, time.Now())

	if req.mode != nil {
		if _, err := e.Chmod(p, *req.mode); err != nil {
			return toErrno(err)
		}
	}
	if req.chown() {
		if _, err := e.Chown(p, req.uid, req.gid); err != nil {
			return toErrno(err)
		}
	}
	if req.size != nil {
		if _, err := e.Truncate(p, *req.size); err != nil {
			return toErrno(err)
		}
	}
	if req.times() {
		if _, err := e.Utimens(p, req.atime, req.mtime); err != nil {
			return toErrno(err)
		}
	}

	ent, err := e.Getattr(p)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(ent.Attr, &out.Attr)
	return 0
}

// Statfs returns the origin filesystem statistics.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.root.Engine.Statfs()
	if err != nil {
		return toErrno(err)
	}
	out.FromStatfsT(st)
	return 0
}

// Mount mounts the filesystem served by eng on cfg.Mountpoint.
func Mount(cfg *config.Config, eng *engine.Engine, trace *Tracer) (*fuse.Server, error) {
	opts := &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     cfg.Source,
			Name:       config.FsName,
			AllowOther: cfg.AllowOther,
		},
		EntryTimeout:    ptrDuration(cfg.EntryTimeout),
		AttrTimeout:     ptrDuration(cfg.AttrTimeout),
		NegativeTimeout: ptrDuration(cfg.EntryTimeout),
	}
	opts.MountOptions.Options = append(opts.MountOptions.Options, "default_permissions")

	return gofuse.Mount(cfg.Mountpoint, NewRoot(eng, trace), opts)
}

func ptrDuration(d time.Duration) *time.Duration {
	return &d
}
