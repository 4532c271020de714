package meta

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/mcachefs/mcachefs/internal/origin"
)

// State says how an entry relates to origin.
type State uint8

const (
	// Clean entries exist in origin; pending changes may still be queued.
	Clean State = iota
	// Created entries exist only in the cache until their create is flushed.
	Created
	// Whiteout entries hide an origin object deleted (or renamed away) in
	// the cache.
	Whiteout
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Created:
		return "created"
	case Whiteout:
		return "whiteout"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Dirty records which attribute groups differ from origin.
type Dirty uint16

const (
	DirtyOwner Dirty = 1 << iota
	DirtyMode
	DirtySize
	DirtyTimes
	DirtyData
	DirtyCreated
	DirtyRemoved
)

var dirtyNames = []struct {
	flag Dirty
	name string
}{
	{DirtyOwner, "owner"},
	{DirtyMode, "mode"},
	{DirtySize, "size"},
	{DirtyTimes, "times"},
	{DirtyData, "data"},
	{DirtyCreated, "created"},
	{DirtyRemoved, "removed"},
}

func (d Dirty) String() string {
	if d == 0 {
		return "-"
	}
	var parts []string
	for _, n := range dirtyNames {
		if d&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Entry is the cached view of one filesystem object. Values handed out by
// the cache are copies; the cache never mutates a published entry.
type Entry struct {
	Path   string
	Attr   origin.Attr
	Target string // symlink target, for symlinks created in the cache
	State  State
	Dirty  Dirty

	// Pending is the highest journal sequence touching the entry that may
	// not be applied to origin yet. Zero if none ever did.
	Pending uint64
	// DataID names the backing-store file holding the content, if any.
	DataID string
	// Generation changes every time the entry is replaced by a new instance.
	Generation uint64
	// Replaced marks a Created entry that took the place of an object origin
	// still holds, so removing it must leave a whiteout.
	Replaced bool
}

// InOrigin reports whether origin holds an object at this entry's origin
// path that the cache must keep hidden or shadowed.
func (e *Entry) InOrigin() bool {
	return e.State == Clean || e.Replaced
}

// Delta is a partial attribute update. Nil fields are left untouched.
type Delta struct {
	Mode   *uint32 // permission bits; the file type is kept
	Uid    *uint32
	Gid    *uint32
	Size   *int64
	Atime  *time.Time
	Mtime  *time.Time
	DataID *string
	// Data marks a content change.
	Data bool
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Mode == nil && d.Uid == nil && d.Gid == nil && d.Size == nil &&
		d.Atime == nil && d.Mtime == nil && d.DataID == nil && !d.Data
}

// apply merges d into e and marks the touched groups dirty.
func (d Delta) apply(e *Entry, now time.Time) {
	changed := false
	if d.Mode != nil {
		e.Attr.Mode = e.Attr.Type() | (*d.Mode &^ syscall.S_IFMT)
		e.Dirty |= DirtyMode
		changed = true
	}
	if d.Uid != nil {
		e.Attr.Uid = *d.Uid
		e.Dirty |= DirtyOwner
		changed = true
	}
	if d.Gid != nil {
		e.Attr.Gid = *d.Gid
		e.Dirty |= DirtyOwner
		changed = true
	}
	if d.Size != nil {
		e.Attr.Size = *d.Size
		e.Dirty |= DirtySize
		changed = true
	}
	if d.Atime != nil {
		e.Attr.Atime = *d.Atime
		e.Dirty |= DirtyTimes
		changed = true
	}
	if d.Mtime != nil {
		e.Attr.Mtime = *d.Mtime
		e.Dirty |= DirtyTimes
		changed = true
	}
	if d.DataID != nil {
		e.DataID = *d.DataID
	}
	if d.Data {
		e.Dirty |= DirtyData
		changed = true
	}
	if changed {
		e.Attr.Ctime = now
	}
}

func notFound(p string) error {
	return fmt.Errorf("%s: %w", p, syscall.ENOENT)
}

func errno(op, p string, e syscall.Errno) error {
	return fmt.Errorf("%s %s: %w", op, p, e)
}
