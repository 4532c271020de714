//go:build linux

// Package cli defines the mcachefs command-line interface using cobra.
//
// The root command IS the mount command -- "mcachefs <source> <mountpoint>"
// serves the write-back cache until unmounted. Subcommands (ctl, journal,
// inspect, version) talk to a running mount or to a journal file.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcachefs/mcachefs/internal/log"
)

// Version, Commit, and Date are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

var rootCmd = &cobra.Command{
	Use:   "mcachefs [flags] [source] <mountpoint>",
	Short: "Write-back caching FUSE filesystem",
	Long: `mcachefs mounts a slow origin directory behind a local write-back cache.
Files opened for reading are copied into the cache by background transfer
workers and served locally from then on (-o transfer_threads=N,
backup_max=SIZE, nobackup). Every change is applied to the cache and
recorded in a journal, and reaches origin only when the journal is flushed:

  echo flush_metadata > <mountpoint>/.mcachefs/action

The source may also be given as -o source=<dir>. Options not known to
mcachefs (ro, default_permissions, ...) are ignored.`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMount,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("mcachefs v{{.Version}}\n")

	// --- Persistent flags (available to all subcommands) ---
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "Console log level (debug, info, warn, error, silent)")

	// --- Local flags (mount only) ---
	f := rootCmd.Flags()
	f.BoolP("foreground", "f", false, "Stay in the foreground (always on; accepted for mount helpers)")
	f.BoolP("debug", "d", false, "Debug logging (implies -f)")
	f.StringArrayP("options", "o", nil, "Comma-separated mount options (source=, cache=, journal=, allow_other, trace=, flush_interval=, ...)")
	f.String("config", "", "Config file (merged over ~/.mcachefs/config.yaml)")

	// --- Subcommands ---
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

// resolveStringFlag returns the flag value if explicitly set by the user,
// otherwise the config file value if non-empty, otherwise the flag default.
func resolveStringFlag(f *pflag.FlagSet, name string, configValue string) string {
	if f.Changed(name) {
		val, _ := f.GetString(name)
		return val
	}
	if configValue != "" {
		return configValue
	}
	val, _ := f.GetString(name)
	return val
}

// applyLogLevel sets the console level from --log-level or the configured
// level.
func applyLogLevel(f *pflag.FlagSet, configured string) error {
	name := resolveStringFlag(f, "log-level", configured)
	if name == "" {
		return nil
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		v := "mcachefs v" + Version
		if Commit != "" {
			v += " (" + Commit
			if Date != "" {
				v += ", " + Date
			}
			v += ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
	},
}
