package journal

import (
	"fmt"
	"time"
)

// Op is the kind of mutation a journal entry records.
type Op uint8

const (
	OpInvalid Op = iota
	OpCreate
	OpMkdir
	OpSymlink
	OpLink
	OpUnlink
	OpRmdir
	OpRename
	OpChmod
	OpChown
	OpTruncate
	OpUtime
	OpWrite
	OpFlushMarker
	opMax
)

var opLabels = [...]string{
	OpInvalid:     "invalid",
	OpCreate:      "create",
	OpMkdir:       "mkdir",
	OpSymlink:     "symlink",
	OpLink:        "link",
	OpUnlink:      "unlink",
	OpRmdir:       "rmdir",
	OpRename:      "rename",
	OpChmod:       "chmod",
	OpChown:       "chown",
	OpTruncate:    "truncate",
	OpUtime:       "utime",
	OpWrite:       "write",
	OpFlushMarker: "flush-marker",
}

func (o Op) String() string {
	if o >= opMax {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opLabels[o]
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool { return o > OpInvalid && o < opMax }

// Unchanged is the Uid/Gid value of a chown entry that leaves the field alone.
const Unchanged int64 = -1

// Entry is one immutable journal record. Which fields are meaningful
// depends on Op:
//
//	create    Path Mode Rdev Uid Gid DataID
//	mkdir     Path Mode Uid Gid
//	symlink   Path To (target) Uid Gid
//	link      Path (existing) To (new name)
//	unlink    Path
//	rmdir     Path
//	rename    Path To
//	chmod     Path Mode
//	chown     Path Uid Gid (Unchanged = keep)
//	truncate  Path Size DataID
//	utime     Path Atime Mtime
//	write     Path DataID Offset Length
//	flush-marker  Checkpoint
type Entry struct {
	Seq        uint64 `cbor:"1,keyasint"`
	Op         Op     `cbor:"2,keyasint"`
	Path       string `cbor:"3,keyasint,omitempty"`
	To         string `cbor:"4,keyasint,omitempty"`
	Mode       uint32 `cbor:"5,keyasint,omitempty"`
	Rdev       uint64 `cbor:"6,keyasint,omitempty"`
	Uid        int64  `cbor:"7,keyasint,omitempty"`
	Gid        int64  `cbor:"8,keyasint,omitempty"`
	Size       int64  `cbor:"9,keyasint,omitempty"`
	Atime      int64  `cbor:"10,keyasint,omitempty"` // unix nanoseconds
	Mtime      int64  `cbor:"11,keyasint,omitempty"` // unix nanoseconds
	DataID     string `cbor:"12,keyasint,omitempty"`
	Offset     int64  `cbor:"13,keyasint,omitempty"`
	Length     int64  `cbor:"14,keyasint,omitempty"`
	Checkpoint uint64 `cbor:"15,keyasint,omitempty"`
	Time       int64  `cbor:"16,keyasint,omitempty"` // when the entry was recorded
}

// ATime returns Atime as a time.Time.
func (e Entry) ATime() time.Time { return time.Unix(0, e.Atime) }

// MTime returns Mtime as a time.Time.
func (e Entry) MTime() time.Time { return time.Unix(0, e.Mtime) }

// Paths returns the identities the entry touches, for locking.
func (e Entry) Paths() []string {
	switch e.Op {
	case OpRename, OpLink:
		return []string{e.Path, e.To}
	case OpFlushMarker:
		return nil
	}
	return []string{e.Path}
}

// String renders the entry on one line, in the layout of the journal dump.
func (e Entry) String() string {
	if e.Op == OpFlushMarker {
		return fmt.Sprintf("[%d] %s : checkpoint=%d", e.Seq, e.Op, e.Checkpoint)
	}
	s := fmt.Sprintf("[%d] %s : path='%s'", e.Seq, e.Op, e.Path)
	if e.To != "" {
		s += fmt.Sprintf(", to='%s'", e.To)
	}
	switch e.Op {
	case OpCreate, OpMkdir:
		s += fmt.Sprintf(" : mode=%o, dev=%d, uid=%d, gid=%d", e.Mode, e.Rdev, e.Uid, e.Gid)
	case OpSymlink:
		s += fmt.Sprintf(" : uid=%d, gid=%d", e.Uid, e.Gid)
	case OpChmod:
		s += fmt.Sprintf(" : mode=%o", e.Mode)
	case OpChown:
		s += fmt.Sprintf(" : uid=%d, gid=%d", e.Uid, e.Gid)
	case OpTruncate:
		s += fmt.Sprintf(" : size=%d", e.Size)
	case OpUtime:
		s += fmt.Sprintf(" : utimebuf=%d,%d", e.Atime/int64(time.Second), e.Mtime/int64(time.Second))
	case OpWrite:
		s += fmt.Sprintf(" : data=%s, offset=%d, length=%d", e.DataID, e.Offset, e.Length)
	}
	return s
}
