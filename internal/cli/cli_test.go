//go:build linux

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcachefs/mcachefs/internal/config"
	"github.com/mcachefs/mcachefs/internal/fuse"
	"github.com/mcachefs/mcachefs/internal/journal"
)

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, _, err := journal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []journal.Entry{
		{Op: journal.OpMkdir, Path: "/a", Mode: 0o40755},
		{Op: journal.OpChmod, Path: "/a", Mode: 0o700},
	} {
		if _, err := j.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	j.Advance(1)
	if err := j.PersistCheckpoint(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		pendingOnly bool
		want        []string
		absent      []string
	}{
		{
			name: "all",
			want: []string{
				"[1] mkdir : path='/a'",
				"[committed]",
				"[2] chmod : path='/a' : mode=700 [pending]",
				"# 3 entries, checkpoint 1, 1 pending",
			},
		},
		{
			name:        "pending only",
			pendingOnly: true,
			want:        []string{"[2] chmod"},
			absent:      []string{"[1] mkdir"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := inspect(&buf, path, tt.pendingOnly); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(buf.String(), a) {
					t.Errorf("output contains %q:\n%s", a, buf.String())
				}
			}
		})
	}
}

func TestInspectMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := inspect(&buf, filepath.Join(t.TempDir(), "nope"), false); err == nil {
		t.Error("inspect of a missing file succeeded")
	}
}

// fakeMount lays out a control directory on a plain filesystem.
func fakeMount(t *testing.T) string {
	t.Helper()
	mnt := t.TempDir()
	dir := filepath.Join(mnt, config.ControlDirName)
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		fuse.ControlAction:  "",
		fuse.ControlJournal: "# journal first=1 last=0 checkpoint=0 pending=0\n",
		fuse.ControlStats:   "handles.open: 0\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return mnt
}

func TestSendCommand(t *testing.T) {
	mnt := fakeMount(t)
	if err := sendCommand(mnt+"/", "invalidate /some/dir"); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(filepath.Join(mnt, config.ControlDirName, fuse.ControlAction))
	if string(raw) != "invalidate /some/dir\n" {
		t.Errorf("action file = %q", raw)
	}

	if err := sendCommand(t.TempDir(), "flush_metadata"); err == nil {
		t.Error("sendCommand to a directory without a control dir succeeded")
	}
}

func TestJournalCommand(t *testing.T) {
	mnt := fakeMount(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"default journal", []string{mnt}, "# journal first=1"},
		{"stats file", []string{"--file", fuse.ControlStats, mnt}, "handles.open: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cmd := &cobra.Command{Use: "journal", RunE: journalCmd.RunE}
			cmd.Flags().String("file", fuse.ControlJournal, "")
			cmd.SetOut(&buf)
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestResolveMount(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name       string
		args       []string
		opts       []string
		wantSource string
		wantCache  string
		wantErr    bool
	}{
		{
			name:       "positional",
			args:       []string{"/srv/origin", "/mnt/cached"},
			wantSource: "/srv/origin",
			wantCache:  "/tmp/mcachefs/_mnt_cached",
		},
		{
			name:       "source from options",
			args:       []string{"/mnt/cached"},
			opts:       []string{"source=/srv/origin,cache=/var/cache/mc", "allow_other"},
			wantSource: "/srv/origin",
			wantCache:  "/var/cache/mc",
		},
		{
			name:    "no source",
			args:    []string{"/mnt/cached"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "mount"}
			cmd.Flags().String("config", "", "")
			cmd.Flags().StringArrayP("options", "o", nil, "")
			for _, o := range tt.opts {
				if err := cmd.Flags().Set("options", o); err != nil {
					t.Fatal(err)
				}
			}
			cfg, err := resolveMount(cmd, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveMount succeeded: %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Source != tt.wantSource || cfg.CacheDir != tt.wantCache {
				t.Errorf("source=%q cache=%q", cfg.Source, cfg.CacheDir)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "mcachefs v"+Version) {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestResolveStringFlag(t *testing.T) {
	tests := []struct {
		name      string
		set       string
		configVal string
		want      string
	}{
		{"flag wins", "debug", "warn", "debug"},
		{"config when flag unset", "", "warn", "warn"},
		{"default when both unset", "", "", "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := pflag.NewFlagSet("test", pflag.ContinueOnError)
			f.String("log-level", "info", "")
			if tt.set != "" {
				if err := f.Set("log-level", tt.set); err != nil {
					t.Fatal(err)
				}
			}
			if got := resolveStringFlag(f, "log-level", tt.configVal); got != tt.want {
				t.Errorf("resolveStringFlag() = %q, want %q", got, tt.want)
			}
		})
	}
}
