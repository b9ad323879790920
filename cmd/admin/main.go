package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "runs":
			runsCmd(os.Args[2:])
			return
		case "decisions":
			decisionsCmd(os.Args[2:])
			return
		case "digest":
			digestCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "bootstrap":
			bootstrapCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd lists run directories on disk, newest first as the OS returns them.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "runs")
	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Println(e.Name())
			continue
		}
		size := dirSize(filepath.Join(base, e.Name()))
		fmt.Printf("%s\t%s\t%s\n", e.Name(), humanize.Time(info.ModTime()), humanize.Bytes(uint64(size)))
	}
}

func dirSize(dir string) int64 {
	var n int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += info.Size()
		}
		return nil
	})
	return n
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
