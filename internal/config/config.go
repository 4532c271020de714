// Package config provides configuration types, defaults and loading for mcachefs.
//
// Configuration is layered: built-in defaults, then the global config file
// (~/.mcachefs/config.yaml), then an explicit --config file, then FUSE-style
// -o mount options and command-line flags. Later layers win.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// --- Defaults ---

const (
	// DefaultCachePrefix is the parent directory of per-mountpoint cache dirs.
	DefaultCachePrefix = "/tmp/mcachefs"
	// DefaultJournalName is the journal file name inside the cache dir.
	DefaultJournalName = "journal"
	// DefaultDataDirName is the backing-store directory inside the cache dir.
	DefaultDataDirName = "data"
	// DefaultCopyBuffer is the buffer size used for copy-up and write-back.
	DefaultCopyBuffer = "1MiB"
	// DefaultEntryTimeout is how long the kernel may cache lookups.
	DefaultEntryTimeout = time.Second
	// DefaultAttrTimeout is how long the kernel may cache attributes.
	DefaultAttrTimeout = time.Second
	// DefaultTransferWorkers is the number of background backup workers.
	DefaultTransferWorkers = 2
	// DefaultTraceFile is where FUSE traces go when tracing is enabled.
	DefaultTraceFile = "/run/mcachefs-trace.log"
	// FsName is reported as the filesystem source in /proc/mounts.
	FsName = "mcachefs"
)

// ControlDirName is the virtual control directory at the mount root.
const ControlDirName = ".mcachefs"

// OnError policies for the flush engine.
const (
	OnErrorStop = "stop"
	OnErrorSkip = "skip"
)

// --- Resolved configuration ---

// Config is the fully resolved configuration the daemon runs with.
type Config struct {
	Source     string
	Mountpoint string
	CacheDir   string
	DataDir    string

	JournalPath    string
	JournalPersist bool
	AutoPrune      bool

	FlushInterval  time.Duration
	FlushOnError   string
	FlushOnUnmount bool

	AllowOther   bool
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	CopyBuffer int64

	TransferWorkers int
	TransferOnOpen  bool
	TransferMaxSize int64

	TraceLevel int
	TraceFile  string

	LogLevel string
}

// NormalizeMountpoint turns a mountpoint into a single path segment
// (every '/' becomes '_'), used to derive the default cache dir.
func NormalizeMountpoint(mountpoint string) string {
	return strings.ReplaceAll(trimSeparator(mountpoint), "/", "_")
}

// DefaultCacheDir returns the cache dir used when none is configured.
func DefaultCacheDir(mountpoint string) string {
	return filepath.Join(DefaultCachePrefix, NormalizeMountpoint(mountpoint))
}

func trimSeparator(path string) string {
	for len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}

// Resolve applies defaults to a merged file config and validates it.
func Resolve(fc FileConfig, source, mountpoint string) (*Config, error) {
	if fc.Source != "" && source == "" {
		source = fc.Source
	}
	if source == "" {
		return nil, fmt.Errorf("source directory not specified")
	}
	if mountpoint == "" {
		return nil, fmt.Errorf("mountpoint not specified")
	}

	cfg := &Config{
		Source:         trimSeparator(source),
		Mountpoint:     trimSeparator(mountpoint),
		JournalPersist: boolOr(fc.Journal.Persist, true),
		AutoPrune:      boolOr(fc.Journal.AutoPrune, false),
		FlushOnError:   OnErrorStop,
		FlushOnUnmount: boolOr(fc.Flush.OnUnmount, false),
		AllowOther:     boolOr(fc.Mount.AllowOther, false),
		EntryTimeout:   DefaultEntryTimeout,
		AttrTimeout:    DefaultAttrTimeout,
		TransferOnOpen: boolOr(fc.Transfer.OnOpen, true),
		TraceLevel:     fc.Trace.Level,
		TraceFile:      fc.Trace.File,
		LogLevel:       fc.LogLevel,
	}

	cfg.CacheDir = fc.CacheDir
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir(cfg.Mountpoint)
	}
	cfg.CacheDir = trimSeparator(cfg.CacheDir)
	cfg.DataDir = filepath.Join(cfg.CacheDir, DefaultDataDirName)

	cfg.JournalPath = fc.Journal.Path
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.CacheDir, DefaultJournalName)
	}

	var err error
	if cfg.FlushInterval, err = parseDuration("flush.interval", fc.Flush.Interval, 0); err != nil {
		return nil, err
	}
	if cfg.EntryTimeout, err = parseDuration("mount.entryTimeout", fc.Mount.EntryTimeout, DefaultEntryTimeout); err != nil {
		return nil, err
	}
	if cfg.AttrTimeout, err = parseDuration("mount.attrTimeout", fc.Mount.AttrTimeout, DefaultAttrTimeout); err != nil {
		return nil, err
	}

	switch strings.ToLower(fc.Flush.OnError) {
	case "", OnErrorStop:
		cfg.FlushOnError = OnErrorStop
	case OnErrorSkip:
		cfg.FlushOnError = OnErrorSkip
	default:
		return nil, fmt.Errorf("flush.onError: unknown policy %q (want %s or %s)", fc.Flush.OnError, OnErrorStop, OnErrorSkip)
	}

	copyBuffer := fc.CopyBuffer
	if copyBuffer == "" {
		copyBuffer = DefaultCopyBuffer
	}
	cfg.CopyBuffer, err = units.RAMInBytes(copyBuffer)
	if err != nil {
		return nil, fmt.Errorf("copyBuffer: %w", err)
	}
	if cfg.CopyBuffer <= 0 {
		return nil, fmt.Errorf("copyBuffer must be positive, got %q", copyBuffer)
	}

	cfg.TransferWorkers = DefaultTransferWorkers
	if fc.Transfer.Workers != nil {
		cfg.TransferWorkers = *fc.Transfer.Workers
	}
	if cfg.TransferWorkers < 0 {
		return nil, fmt.Errorf("transfer.workers must not be negative, got %d", cfg.TransferWorkers)
	}
	if fc.Transfer.MaxSize != "" {
		if cfg.TransferMaxSize, err = units.RAMInBytes(fc.Transfer.MaxSize); err != nil {
			return nil, fmt.Errorf("transfer.maxSize: %w", err)
		}
	}

	if cfg.TraceLevel > 0 && cfg.TraceFile == "" {
		cfg.TraceFile = DefaultTraceFile
	}

	return cfg, nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, value)
	}
	return d, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// HumanSize formats a byte count the way config values are written.
func HumanSize(n int64) string {
	return units.BytesSize(float64(n))
}
