package journal

import (
	"bufio"
	"fmt"
	"io"
)

// Dump writes a human-readable rendering of every retained entry to w, one
// line per entry, marking each as pending or committed.
func (j *Journal) Dump(w io.Writer) error {
	st := j.Stats()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# journal first=%d last=%d checkpoint=%d pending=%d\n",
		st.First, st.Last, st.Checkpoint, st.Pending)

	for e := range j.ReadAll() {
		state := "committed"
		if e.Seq > st.Checkpoint && e.Op != OpFlushMarker {
			state = "pending"
		}
		fmt.Fprintf(bw, "%s [%s]\n", e, state)
	}
	return bw.Flush()
}
