package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	var (
		runDir  = flag.String("run", "", "run directory containing events/events-*.jsonl.zst")
		dataDir = flag.String("data", "./data", "runtime data directory (used with -id)")
		runID   = flag.String("id", "", "run id under <data>/runs (alternative to -run)")
		toTick  = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	dir := *runDir
	if dir == "" {
		if *runID == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -id")
			os.Exit(2)
		}
		dir = filepath.Join(*dataDir, "runs", *runID)
	}

	res, err := replayRun(dir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("run=%s ticks=%d escaped=%d/%d digests ok\n", res.RunID, res.Ticks, res.Escaped, res.Total)
}
