package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mcachefs/mcachefs/internal/journal"
	"github.com/mcachefs/mcachefs/internal/log"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <journal-file>",
	Short: "Print a persisted journal file without mounting",
	Long: `Decodes a journal file written by a (possibly stopped) mcachefs and
prints one line per entry, marking each as pending or committed according
to the newest flush-marker. A damaged tail is reported and skipped; the
next mount truncates it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pendingOnly, _ := cmd.Flags().GetBool("pending")
		return inspect(cmd.OutOrStdout(), args[0], pendingOnly)
	},
}

func init() {
	inspectCmd.Flags().Bool("pending", false, "Only print entries not yet applied to origin")
}

func inspect(w io.Writer, path string, pendingOnly bool) error {
	var (
		entries    []journal.Entry
		checkpoint uint64
	)
	for e, err := range journal.Inspect(path) {
		if err != nil {
			if len(entries) == 0 {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			log.Warnf("%s: damaged tail %v", path, err)
			break
		}
		if e.Op == journal.OpFlushMarker && e.Checkpoint > checkpoint {
			checkpoint = e.Checkpoint
		}
		entries = append(entries, e)
	}

	pending := 0
	for _, e := range entries {
		state := "committed"
		if e.Seq > checkpoint && e.Op != journal.OpFlushMarker {
			state = "pending"
			pending++
		} else if pendingOnly {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s [%s]\n", e, state); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# %d entries, checkpoint %d, %d pending\n", len(entries), checkpoint, pending)
	return err
}
