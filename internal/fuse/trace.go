//go:build linux

package fuse

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Trace levels.
const (
	TraceOff = 0
	// TraceControl traces control commands and flushes.
	TraceControl = 1
	// TraceAll traces every filesystem call.
	TraceAll = 2
)

// Tracer provides leveled logging for FUSE operations.
type Tracer struct {
	mu    sync.Mutex
	w     io.WriteCloser
	level int
}

// NewTracer creates a tracer with the given level writing to path. The
// file is rotated once it grows past 50 MB.
func NewTracer(level int, path string) *Tracer {
	t := &Tracer{level: level}
	if level > TraceOff && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return &Tracer{}
		}
		t.w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 3,
			LocalTime:  true,
		}
	}
	return t
}

// Level returns the trace level.
func (t *Tracer) Level() int { return t.level }

// Log writes a trace message at level 2 (all operations).
func (t *Tracer) Log(format string, args ...any) {
	if t.level < TraceAll {
		return
	}
	t.write("[fuse] ", format, args...)
}

// TX writes a trace message at level 1 (control and flush operations).
func (t *Tracer) TX(format string, args ...any) {
	if t.level < TraceControl {
		return
	}
	t.write("[fuse:tx] ", format, args...)
}

func (t *Tracer) write(tag, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "%s %s"+format+"\n", append([]any{time.Now().Format("15:04:05.000000"), tag}, args...)...)
}

// Close closes the trace log file.
func (t *Tracer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		t.w.Close()
		t.w = nil
	}
}
