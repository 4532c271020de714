package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeMountpoint(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/tmp/mcachefs.testing/2", "_tmp_mcachefs.testing_2"},
		{"/tmp/mnt/", "_tmp_mnt"},
		{"mnt", "mnt"},
		{"/", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := NormalizeMountpoint(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeMountpoint(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(FileConfig{}, "/srv/origin/", "/mnt/cache")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.Source != "/srv/origin" {
		t.Errorf("Source = %q, want /srv/origin", cfg.Source)
	}
	wantCache := "/tmp/mcachefs/_mnt_cache"
	if cfg.CacheDir != wantCache {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, wantCache)
	}
	if cfg.JournalPath != filepath.Join(wantCache, "journal") {
		t.Errorf("JournalPath = %q", cfg.JournalPath)
	}
	if cfg.DataDir != filepath.Join(wantCache, "data") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.JournalPersist {
		t.Error("journal should persist by default")
	}
	if cfg.FlushInterval != 0 {
		t.Errorf("FlushInterval = %v, want 0 (explicit only)", cfg.FlushInterval)
	}
	if cfg.FlushOnError != OnErrorStop {
		t.Errorf("FlushOnError = %q, want %q", cfg.FlushOnError, OnErrorStop)
	}
	if cfg.CopyBuffer != 1<<20 {
		t.Errorf("CopyBuffer = %d, want %d", cfg.CopyBuffer, 1<<20)
	}
	if cfg.EntryTimeout != time.Second || cfg.AttrTimeout != time.Second {
		t.Errorf("timeouts = %v/%v, want 1s/1s", cfg.EntryTimeout, cfg.AttrTimeout)
	}
	if cfg.TransferWorkers != DefaultTransferWorkers || !cfg.TransferOnOpen || cfg.TransferMaxSize != 0 {
		t.Errorf("transfer = %d workers, onOpen %v, max %d", cfg.TransferWorkers, cfg.TransferOnOpen, cfg.TransferMaxSize)
	}
}

func TestParseTransferOptions(t *testing.T) {
	layer, ignored := ParseMountOptions("transfer_threads=4,backup_max=64MiB,nobackup,transfer_threads=x")
	if len(ignored) != 1 || ignored[0] != "transfer_threads=x" {
		t.Errorf("ignored = %v", ignored)
	}
	cfg, err := Resolve(layer, "/src", "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TransferWorkers != 4 || cfg.TransferOnOpen || cfg.TransferMaxSize != 64<<20 {
		t.Errorf("transfer = %d workers, onOpen %v, max %d", cfg.TransferWorkers, cfg.TransferOnOpen, cfg.TransferMaxSize)
	}

	off, _ := ParseMountOptions("transfer_threads=0")
	if cfg, _ := Resolve(off, "/src", "/mnt"); cfg.TransferWorkers != 0 {
		t.Errorf("transfer_threads=0 gave %d workers", cfg.TransferWorkers)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		fc   FileConfig
		src  string
		mnt  string
	}{
		{"no source", FileConfig{}, "", "/mnt"},
		{"no mountpoint", FileConfig{}, "/src", ""},
		{"bad interval", FileConfig{Flush: FlushConfig{Interval: "soon"}}, "/src", "/mnt"},
		{"negative interval", FileConfig{Flush: FlushConfig{Interval: "-1s"}}, "/src", "/mnt"},
		{"bad policy", FileConfig{Flush: FlushConfig{OnError: "retry"}}, "/src", "/mnt"},
		{"bad buffer", FileConfig{CopyBuffer: "lots"}, "/src", "/mnt"},
		{"bad transfer size", FileConfig{Transfer: TransferConfig{MaxSize: "huge"}}, "/src", "/mnt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(tt.fc, tt.src, tt.mnt); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolveSourceFromFile(t *testing.T) {
	cfg, err := Resolve(FileConfig{Source: "/from/file"}, "", "/mnt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Source != "/from/file" {
		t.Errorf("Source = %q, want /from/file", cfg.Source)
	}
}

func TestParseMountOptions(t *testing.T) {
	layer, ignored := ParseMountOptions("-s,cache=/var/cache/m,allow_other,trace=2,flush_interval=30s,nopersist,default_permissions")

	if layer.CacheDir != "/var/cache/m" {
		t.Errorf("CacheDir = %q", layer.CacheDir)
	}
	if layer.Mount.AllowOther == nil || !*layer.Mount.AllowOther {
		t.Error("allow_other should be set")
	}
	if layer.Trace.Level != 2 {
		t.Errorf("Trace.Level = %d, want 2", layer.Trace.Level)
	}
	if layer.Flush.Interval != "30s" {
		t.Errorf("Flush.Interval = %q", layer.Flush.Interval)
	}
	if layer.Journal.Persist == nil || *layer.Journal.Persist {
		t.Error("nopersist should disable persistence")
	}
	if len(ignored) != 2 || ignored[0] != "-s" || ignored[1] != "default_permissions" {
		t.Errorf("ignored = %v, want [-s default_permissions]", ignored)
	}
}

func TestMergeConfigs(t *testing.T) {
	yes := true
	no := false
	base := &FileConfig{
		CacheDir: "/base",
		Journal:  JournalConfig{Persist: &yes},
		Flush:    FlushConfig{Interval: "10s"},
	}
	override := &FileConfig{
		Journal: JournalConfig{Persist: &no},
		Trace:   TraceConfig{Level: 1},
	}

	merged := MergeConfigs(base, nil, override)

	if merged.CacheDir != "/base" {
		t.Errorf("CacheDir = %q, want /base (not overridden)", merged.CacheDir)
	}
	if merged.Journal.Persist == nil || *merged.Journal.Persist {
		t.Error("Persist should be overridden to false")
	}
	if merged.Flush.Interval != "10s" {
		t.Errorf("Flush.Interval = %q, want 10s", merged.Flush.Interval)
	}
	if merged.Trace.Level != 1 {
		t.Errorf("Trace.Level = %d, want 1", merged.Trace.Level)
	}
}

func TestLoadConfigExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "mcachefs.yaml")
	content := `cacheDir: /var/cache/mcachefs
copyBuffer: 256k
journal:
  persist: false
flush:
  interval: 1m
  onError: skip
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg, err := Resolve(fc, "/src", "/mnt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.CacheDir != "/var/cache/mcachefs" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.JournalPersist {
		t.Error("JournalPersist should be false")
	}
	if cfg.FlushInterval != time.Minute {
		t.Errorf("FlushInterval = %v, want 1m", cfg.FlushInterval)
	}
	if cfg.FlushOnError != OnErrorSkip {
		t.Errorf("FlushOnError = %q", cfg.FlushOnError)
	}
	if cfg.CopyBuffer != 256*1024 {
		t.Errorf("CopyBuffer = %d, want %d", cfg.CopyBuffer, 256*1024)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit config should be an error")
	}
}
