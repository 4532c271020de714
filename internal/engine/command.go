package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mcachefs/mcachefs/internal/config"
)

// ErrUnknownCommand is returned for malformed or unknown control commands.
var ErrUnknownCommand = errors.New("unknown command")

// Control commands accepted by Command.
const (
	CmdFlushMetadata  = "flush_metadata"
	CmdApplyJournal   = "apply_journal"
	CmdDropJournal    = "drop_journal"
	CmdPruneJournal   = "prune_journal"
	CmdInvalidate     = "invalidate"
	CmdCleanupBacking = "cleanup_backing"
	CmdBackup         = "backup"
	CmdTransfer       = "transfer"
)

type command struct {
	args int
	run  func(e *Engine, ctx context.Context, args []string) (string, error)
}

var commands = map[string]command{
	CmdFlushMetadata: {0, func(e *Engine, ctx context.Context, _ []string) (string, error) {
		res, err := e.flush.FlushMetadata(ctx)
		return fmt.Sprintf("flushed %d entries, rebuilt %d, checkpoint %d, %d pending",
			res.Applied, res.Rebuilt, res.Checkpoint, res.Pending), err
	}},
	CmdApplyJournal: {0, func(e *Engine, ctx context.Context, _ []string) (string, error) {
		res, err := e.flush.ApplyJournal(ctx)
		return fmt.Sprintf("applied %d entries, checkpoint %d, %d pending",
			res.Applied, res.Checkpoint, res.Pending), err
	}},
	CmdDropJournal: {0, func(e *Engine, _ context.Context, _ []string) (string, error) {
		n, err := e.flush.DropJournal()
		return fmt.Sprintf("dropped %d entries", n), err
	}},
	CmdPruneJournal: {0, func(e *Engine, _ context.Context, _ []string) (string, error) {
		n, err := e.flush.Prune()
		return fmt.Sprintf("pruned %d entries", n), err
	}},
	CmdInvalidate: {1, func(e *Engine, _ context.Context, args []string) (string, error) {
		if e.cache.Invalidate(args[0]) {
			return "invalidated " + args[0], nil
		}
		return args[0] + " kept (not cached or has pending changes)", nil
	}},
	CmdCleanupBacking: {0, func(e *Engine, _ context.Context, _ []string) (string, error) {
		res, err := e.flush.CleanupBacking()
		return fmt.Sprintf("removed %d backing files (%s), kept %d",
			res.Removed, config.HumanSize(res.Bytes), res.Kept), err
	}},
	CmdBackup: {1, func(e *Engine, _ context.Context, args []string) (string, error) {
		n, err := e.transfer.Backup(args[0])
		return fmt.Sprintf("backed up %s (%s)", args[0], config.HumanSize(n)), err
	}},
	CmdTransfer: {1, func(e *Engine, _ context.Context, args []string) (string, error) {
		switch args[0] {
		case "on", "off":
		default:
			return "", fmt.Errorf("%w: transfer takes on or off, got %q", ErrUnknownCommand, args[0])
		}
		e.transfer.SetEnabled(args[0] == "on")
		if args[0] == "on" && !e.transfer.Enabled() {
			return "transfers stay off (no workers configured)", nil
		}
		return "transfers " + args[0], nil
	}},
}

// Commands returns the names of the control commands.
func Commands() []string {
	return []string{CmdFlushMetadata, CmdApplyJournal, CmdDropJournal, CmdPruneJournal, CmdInvalidate, CmdCleanupBacking, CmdBackup, CmdTransfer}
}

// Command runs one control command synchronously and returns a one-line
// report. Malformed and unknown commands fail with ErrUnknownCommand and
// change nothing.
func (e *Engine) Command(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	name, args := fields[0], fields[1:]
	cmd, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if len(args) != cmd.args {
		return "", fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrUnknownCommand, name, cmd.args, len(args))
	}

	e.trace.TX("command %s", strings.Join(fields, " "))
	msg, err := cmd.run(e, ctx, args)
	if err != nil {
		e.trace.TX("command %s failed: %v", name, err)
		return msg, fmt.Errorf("%s: %w", name, err)
	}
	e.trace.TX("command %s: %s", name, msg)
	return msg, nil
}
