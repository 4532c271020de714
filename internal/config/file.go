package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcachefs/mcachefs/internal/log"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration model.
// All fields are optional (zero value = not set). Flags take precedence.
type FileConfig struct {
	Source     string `yaml:"source,omitempty"`
	CacheDir   string `yaml:"cacheDir,omitempty"`
	CopyBuffer string `yaml:"copyBuffer,omitempty"` // e.g. "1MiB", "256k"
	LogLevel   string `yaml:"logLevel,omitempty"`

	Journal  JournalConfig  `yaml:"journal,omitempty"`
	Flush    FlushConfig    `yaml:"flush,omitempty"`
	Mount    MountConfig    `yaml:"mount,omitempty"`
	Trace    TraceConfig    `yaml:"trace,omitempty"`
	Transfer TransferConfig `yaml:"transfer,omitempty"`
}

// JournalConfig controls journal storage.
type JournalConfig struct {
	Path      string `yaml:"path,omitempty"`
	Persist   *bool  `yaml:"persist,omitempty"`
	AutoPrune *bool  `yaml:"autoPrune,omitempty"`
}

// FlushConfig controls write-back to the origin.
type FlushConfig struct {
	Interval  string `yaml:"interval,omitempty"` // "0" or empty = explicit command only
	OnError   string `yaml:"onError,omitempty"`  // "stop" or "skip"
	OnUnmount *bool  `yaml:"onUnmount,omitempty"`
}

// MountConfig controls the FUSE mount.
type MountConfig struct {
	AllowOther   *bool  `yaml:"allowOther,omitempty"`
	EntryTimeout string `yaml:"entryTimeout,omitempty"`
	AttrTimeout  string `yaml:"attrTimeout,omitempty"`
}

// TraceConfig controls the FUSE operation tracer.
type TraceConfig struct {
	Level int    `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// TransferConfig controls background backups of origin files.
type TransferConfig struct {
	Workers *int   `yaml:"workers,omitempty"` // 0 disables transfers
	OnOpen  *bool  `yaml:"onOpen,omitempty"`
	MaxSize string `yaml:"maxSize,omitempty"` // e.g. "64MiB"; empty = no limit
}

// globalConfigPath returns the global config file path (~/.mcachefs/config.yaml).
func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mcachefs", "config.yaml")
}

// LoadConfig loads the global config and, if explicitPath is set, the
// explicit config file, and merges them (explicit wins).
//
// A missing global config is not an error; a missing or malformed explicit
// config is.
func LoadConfig(explicitPath string) (FileConfig, error) {
	var layers []*FileConfig

	if path := globalConfigPath(); path != "" {
		if cfg, err := loadConfigFile(path); err == nil {
			log.Debugf("Loaded global config: %s", path)
			layers = append(layers, cfg)
		} else if !os.IsNotExist(err) {
			log.Warnf("Ignoring global config %s: %v", path, err)
		}
	}

	if explicitPath != "" {
		cfg, err := loadConfigFile(explicitPath)
		if err != nil {
			return FileConfig{}, fmt.Errorf("loading config %s: %w", explicitPath, err)
		}
		log.Debugf("Loaded config: %s", explicitPath)
		layers = append(layers, cfg)
	}

	return MergeConfigs(layers...), nil
}

// loadConfigFile reads and parses a single config file using yaml.v3.
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// MergeConfigs merges configs with later values taking precedence.
// nil configs are skipped.
func MergeConfigs(configs ...*FileConfig) FileConfig {
	result := FileConfig{}

	for _, cfg := range configs {
		if cfg == nil {
			continue
		}

		setString(&result.Source, cfg.Source)
		setString(&result.CacheDir, cfg.CacheDir)
		setString(&result.CopyBuffer, cfg.CopyBuffer)
		setString(&result.LogLevel, cfg.LogLevel)

		setString(&result.Journal.Path, cfg.Journal.Path)
		setBool(&result.Journal.Persist, cfg.Journal.Persist)
		setBool(&result.Journal.AutoPrune, cfg.Journal.AutoPrune)

		setString(&result.Flush.Interval, cfg.Flush.Interval)
		setString(&result.Flush.OnError, cfg.Flush.OnError)
		setBool(&result.Flush.OnUnmount, cfg.Flush.OnUnmount)

		setBool(&result.Mount.AllowOther, cfg.Mount.AllowOther)
		setString(&result.Mount.EntryTimeout, cfg.Mount.EntryTimeout)
		setString(&result.Mount.AttrTimeout, cfg.Mount.AttrTimeout)

		if cfg.Trace.Level > 0 {
			result.Trace.Level = cfg.Trace.Level
		}
		setString(&result.Trace.File, cfg.Trace.File)

		if cfg.Transfer.Workers != nil {
			result.Transfer.Workers = cfg.Transfer.Workers
		}
		setBool(&result.Transfer.OnOpen, cfg.Transfer.OnOpen)
		setString(&result.Transfer.MaxSize, cfg.Transfer.MaxSize)
	}

	return result
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst **bool, v *bool) {
	if v != nil {
		*dst = v
	}
}
