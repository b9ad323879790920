package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"evacsim.ai/internal/persistence/indexdb"
)

func openIndex(fs *flag.FlagSet, args []string) *indexdb.Reader {
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/runs.sqlite)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "runs.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return r
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "result limit")
	asJSON := fs.Bool("json", false, "print JSON lines")
	r := openIndex(fs, args)
	defer r.Close()

	runs, err := r.ListRuns(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, run := range runs {
		if *asJSON {
			printJSON(run)
			continue
		}
		started := run.StartedAt
		if t, err := time.Parse(time.RFC3339Nano, run.StartedAt); err == nil {
			started = humanize.Time(t)
		}
		outcome := "running"
		if run.Finished {
			outcome = fmt.Sprintf("%s/%s escaped in %ss (%s)",
				humanize.Comma(int64(run.Escaped)), humanize.Comma(int64(run.Passengers)),
				humanize.FtoaWithDigits(run.Elapsed, 2), run.Reason)
		}
		fmt.Printf("%s\t%s\tg=%s\texits=%s\t%s\n", run.RunID, started, humanize.FtoaWithDigits(run.GForce, 2), run.WorkingExits, outcome)
	}
}

func decisionsCmd(args []string) {
	fs := flag.NewFlagSet("decisions", flag.ExitOnError)
	runID := fs.String("run", "", "run id (required)")
	exit := fs.Int("exit", -1, "exit id filter (optional)")
	r := openIndex(fs, args)
	defer r.Close()

	if strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	rows, err := r.ExitDecisions(context.Background(), *runID, *exit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, d := range rows {
		printJSON(d)
	}
}

func digestCmd(args []string) {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	runID := fs.String("run", "", "run id (required)")
	tick := fs.Uint64("tick", 0, "tick (required)")
	r := openIndex(fs, args)
	defer r.Close()

	if strings.TrimSpace(*runID) == "" || *tick == 0 {
		fmt.Fprintln(os.Stderr, "missing -run or -tick")
		os.Exit(2)
	}
	d, err := r.Digest(context.Background(), *runID, *tick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	fmt.Println(d)
}
