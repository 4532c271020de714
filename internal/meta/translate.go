package meta

import (
	"github.com/mcachefs/mcachefs/internal/origin"
)

// translation records a rename that is applied in the cache but maybe not
// yet in origin: at sequence seq, identity from became identity to.
type translation struct {
	from string
	to   string
	seq  uint64
}

// OriginPath maps an identity to the path origin currently holds it under,
// by undoing the pending renames newest first.
func (c *Cache) OriginPath(p string) string {
	c.trMu.RLock()
	defer c.trMu.RUnlock()
	for i := len(c.renames) - 1; i >= 0; i-- {
		t := c.renames[i]
		if origin.HasPrefix(p, t.to) {
			p = origin.Rebase(p, t.to, t.from)
		}
	}
	return p
}

func (c *Cache) addTranslation(from, to string, seq uint64) {
	c.trMu.Lock()
	c.renames = append(c.renames, translation{from: from, to: to, seq: seq})
	c.trMu.Unlock()
}

// retireTranslations forgets renames origin has caught up with.
func (c *Cache) retireTranslations(checkpoint uint64) int {
	c.trMu.Lock()
	defer c.trMu.Unlock()
	kept := c.renames[:0]
	for _, t := range c.renames {
		if t.seq > checkpoint {
			kept = append(kept, t)
		}
	}
	retired := len(c.renames) - len(kept)
	clear(c.renames[len(kept):])
	c.renames = kept
	return retired
}

// Translations returns the number of renames origin has not caught up with.
func (c *Cache) Translations() int {
	c.trMu.RLock()
	defer c.trMu.RUnlock()
	return len(c.renames)
}
