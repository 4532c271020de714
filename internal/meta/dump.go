package meta

import (
	"fmt"
	"io"
	"sort"
)

// Dump writes one line per cached entry, sorted by identity, followed by
// the pending rename translations.
func (c *Cache) Dump(w io.Writer) error {
	paths := c.table.paths()
	sort.Strings(paths)

	cp := c.journal.Checkpoint()
	if _, err := fmt.Fprintf(w, "# cache entries=%d checkpoint=%d\n", len(paths), cp); err != nil {
		return err
	}
	for _, p := range paths {
		e, ok := c.table.get(p)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%s : %s mode=%o uid=%d gid=%d size=%d nlink=%d dirty=%s pending=%d gen=%d",
			e.Path, e.State, e.Attr.Mode, e.Attr.Uid, e.Attr.Gid, e.Attr.Size, e.Attr.Nlink,
			e.Dirty, e.Pending, e.Generation)
		if e.DataID != "" {
			line += " data=" + e.DataID
		}
		if e.Target != "" {
			line += " target=" + e.Target
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	c.trMu.RLock()
	renames := append([]translation(nil), c.renames...)
	c.trMu.RUnlock()
	for _, t := range renames {
		if _, err := fmt.Fprintf(w, "# rename [%d] %s -> %s\n", t.seq, t.from, t.to); err != nil {
			return err
		}
	}
	return nil
}
