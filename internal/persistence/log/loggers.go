package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/scenario"
	"evacsim.ai/internal/sim/tuning"
)

const (
	KindHeader = "header"
	KindTick   = "tick"
	KindStats  = "stats"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines through the encoder so a reader sees them.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Header is the first line of every run log. It carries everything replay
// needs to rebuild the cabin.
type Header struct {
	Kind      string          `json:"kind"`
	RunID     string          `json:"run_id"`
	Scenario  scenario.Params `json:"scenario"`
	Tuning    tuning.Tuning   `json:"tuning"`
	StartedAt time.Time       `json:"started_at"`
}

type tickLine struct {
	Kind string `json:"kind"`
	cabin.TickLogEntry
}

type statsLine struct {
	Kind string `json:"kind"`
	cabin.Stats
}

// RunLogger writes one compressed JSONL stream per run: a header, one entry
// per tick, and the final stats.
type RunLogger struct{ w *JSONLZstdWriter }

func NewRunLogger(runDir string) *RunLogger {
	return &RunLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "events"), "events")}
}

func (l *RunLogger) WriteHeader(h Header) error {
	h.Kind = KindHeader
	return l.w.Write(h)
}

func (l *RunLogger) WriteTick(e cabin.TickLogEntry) error {
	return l.w.Write(tickLine{Kind: KindTick, TickLogEntry: e})
}

func (l *RunLogger) WriteStats(st cabin.Stats) error {
	return l.w.Write(statsLine{Kind: KindStats, Stats: st})
}

func (l *RunLogger) Flush() error { return l.w.Flush() }
func (l *RunLogger) Close() error { return l.w.Close() }
