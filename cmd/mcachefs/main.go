//go:build linux

// mcachefs is a write-back caching FUSE filesystem. Changes made through the
// mount are kept in a local cache and a journal, and written to the origin
// directory when the journal is flushed.
//
// Usage:
//
//	mcachefs [-f] [-o opts] <source> <mountpoint>
//	mcachefs ctl <mountpoint> flush_metadata
package main

import (
	"github.com/mcachefs/mcachefs/internal/cli"
)

func main() {
	cli.Execute()
}
