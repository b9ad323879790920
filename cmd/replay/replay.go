package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	persistlog "evacsim.ai/internal/persistence/log"
	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/layout"
)

var errStop = errors.New("stop")

type result struct {
	RunID   string
	Ticks   uint64
	Escaped int
	Total   int
}

// replayRun rebuilds the cabin from the log header and steps it, checking every
// logged digest. toTick 0 replays to the end of the log.
func replayRun(runDir string, toTick uint64) (result, error) {
	var (
		c   *cabin.Cabin
		res result
	)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	err := persistlog.ReadRun(runDir, func(e persistlog.Entry) error {
		switch e.Kind {
		case persistlog.KindHeader:
			if c != nil {
				return fmt.Errorf("second header in run log")
			}
			h := e.Header
			cc, err := cabin.New(h.Scenario, h.Tuning, layout.Decode(layout.Fixed()), nil, quiet)
			if err != nil {
				return fmt.Errorf("rebuild cabin: %w", err)
			}
			c = cc
			res.RunID = h.RunID
			res.Total = h.Scenario.PassengerCount
		case persistlog.KindTick:
			t := e.Tick
			if toTick > 0 && t.Tick > toTick {
				return errStop
			}
			for c.Tick() < t.Tick {
				if c.Done() {
					return fmt.Errorf("tick %d: replay ended at tick %d", t.Tick, c.Tick())
				}
				c.Step()
			}
			if got := c.Digest(); got != t.Digest {
				return fmt.Errorf("digest mismatch at tick %d: log=%s replay=%s", t.Tick, t.Digest, got)
			}
			if c.Escaped() != t.Escaped {
				return fmt.Errorf("escaped mismatch at tick %d: log=%d replay=%d", t.Tick, t.Escaped, c.Escaped())
			}
			res.Ticks = t.Tick
			res.Escaped = t.Escaped
		case persistlog.KindStats:
			got := c.Stats()
			if e.Stats.Ticks != got.Ticks || e.Stats.Escaped != got.Escaped || e.Stats.Reason != got.Reason {
				return fmt.Errorf("final stats mismatch: log=%+v replay=%+v", *e.Stats, got)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return res, err
	}
	return res, nil
}
