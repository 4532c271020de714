//go:build linux

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcachefs/mcachefs/internal/config"
	"github.com/mcachefs/mcachefs/internal/engine"
	"github.com/mcachefs/mcachefs/internal/fuse"
	"github.com/mcachefs/mcachefs/internal/log"
)

// resolveMount builds the runtime configuration from the config files, the
// -o options and the positional arguments.
func resolveMount(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	opts, _ := cmd.Flags().GetStringArray("options")

	fc, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	layer, ignored := config.ParseMountOptions(strings.Join(opts, ","))
	if len(ignored) > 0 {
		log.Debugf("Ignoring mount options: %s", strings.Join(ignored, ","))
	}
	merged := config.MergeConfigs(&fc, &layer)

	var source, mountpoint string
	if len(args) == 2 {
		source, mountpoint = args[0], args[1]
	} else {
		mountpoint = args[0]
	}
	return config.Resolve(merged, source, mountpoint)
}

func runMount(cmd *cobra.Command, args []string) error {
	log.SetPrefix(true)
	cfg, err := resolveMount(cmd, args)
	if err != nil {
		return err
	}
	if err := applyLogLevel(cmd.Flags(), cfg.LogLevel); err != nil {
		return err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		log.SetLevel(log.LevelDebug)
	}

	trace := fuse.NewTracer(cfg.TraceLevel, cfg.TraceFile)
	defer trace.Close()
	trace.TX("starting: source=%s mountpoint=%s cache=%s", cfg.Source, cfg.Mountpoint, cfg.CacheDir)

	eng, err := engine.Open(cfg, trace)
	if err != nil {
		return fmt.Errorf("opening cache %s: %w", cfg.CacheDir, err)
	}

	server, err := fuse.Mount(cfg, eng, trace)
	if err != nil {
		_ = eng.Close(context.Background())
		return fmt.Errorf("mount failed: %w", err)
	}
	log.Success(fmt.Sprintf("Mounted %s on %s (cache %s, copy buffer %s)",
		cfg.Source, cfg.Mountpoint, cfg.CacheDir, config.HumanSize(cfg.CopyBuffer)))

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			log.Warnf("Unmount %s: %v", cfg.Mountpoint, err)
		}
	}()

	server.Wait()
	stop()

	log.Infof("Unmounted %s", cfg.Mountpoint)
	if err := eng.Close(context.Background()); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}

// controlFile returns the path of a control file under mountpoint.
func controlFile(mountpoint, name string) string {
	return strings.TrimSuffix(mountpoint, "/") + "/" + config.ControlDirName + "/" + name
}

var ctlCmd = &cobra.Command{
	Use:   "ctl <mountpoint> <command> [args...]",
	Short: "Run a control command on a mounted filesystem",
	Long: `Writes a command to <mountpoint>/.mcachefs/action. Commands:

  ` + strings.Join(engine.Commands(), "\n  "),
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := strings.Join(args[1:], " ")
		if err := sendCommand(args[0], line); err != nil {
			return err
		}
		log.Success(args[1] + ": done")
		return nil
	},
}

// sendCommand writes one command line to the action file of a mount.
func sendCommand(mountpoint, line string) error {
	f, err := os.OpenFile(controlFile(mountpoint, fuse.ControlAction), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(line + "\n")
	cerr := f.Close()
	switch {
	case werr != nil && isErrno(werr, syscall.EINVAL):
		return fmt.Errorf("%q: unknown or malformed command", line)
	case werr != nil:
		return fmt.Errorf("%q failed: %w (see the daemon log)", line, werr)
	}
	return cerr
}

func isErrno(err error, want syscall.Errno) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == want
}

var journalCmd = &cobra.Command{
	Use:   "journal <mountpoint>",
	Short: "Print the journal of a mounted filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(controlFile(args[0], name))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	journalCmd.Flags().String("file", fuse.ControlJournal, "Control file to print (journal, metadata, handles, stats, transfer)")
}
