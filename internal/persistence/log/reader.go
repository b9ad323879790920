package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"evacsim.ai/internal/sim/cabin"
)

var ErrNoHeader = errors.New("run log has no header")

// Entry is one decoded line. Exactly one of the pointers is set, matching Kind.
type Entry struct {
	Kind   string
	Header *Header
	Tick   *cabin.TickLogEntry
	Stats  *cabin.Stats
}

// ListFiles returns the rotated log files for prefix under dir in write order.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile streams every entry of one file to fn. fn returning an error stops
// the scan and that error is returned.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		e, err := decodeLine(sc.Bytes())
		if err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadRun reads every file of a run directory in order. The first entry must
// be the header.
func ReadRun(runDir string, fn func(Entry) error) error {
	files, err := ListFiles(filepath.Join(runDir, "events"), "events")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ErrNoHeader
	}
	first := true
	for _, path := range files {
		err := ReadFile(path, func(e Entry) error {
			if first && e.Kind != KindHeader {
				return ErrNoHeader
			}
			first = false
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	if first {
		return ErrNoHeader
	}
	return nil
}

func decodeLine(b []byte) (Entry, error) {
	var base struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &base); err != nil {
		return Entry{}, err
	}
	e := Entry{Kind: base.Kind}
	switch base.Kind {
	case KindHeader:
		var h Header
		if err := json.Unmarshal(b, &h); err != nil {
			return Entry{}, err
		}
		e.Header = &h
	case KindTick:
		var t cabin.TickLogEntry
		if err := json.Unmarshal(b, &t); err != nil {
			return Entry{}, err
		}
		e.Tick = &t
	case KindStats:
		var st cabin.Stats
		if err := json.Unmarshal(b, &st); err != nil {
			return Entry{}, err
		}
		e.Stats = &st
	default:
		return Entry{}, fmt.Errorf("unknown entry kind %q", base.Kind)
	}
	return e, nil
}
