package cabin

import (
	"context"
	"time"
)

// Run paces ticks at the scenario update rate until the run ends or ctx is
// cancelled. Simulated time advances by one tick per step whatever the pace.
func (c *Cabin) Run(ctx context.Context) error {
	rate := c.params.UpdateRate
	if rate <= 0 {
		rate = c.tun.TicksPerSecond
	}
	interval := time.Second / time.Duration(rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.Step() {
				return nil
			}
		}
	}
}

// RunHeadless steps as fast as possible. maxTicks <= 0 means no cap beyond the
// survival horizon. It returns the statistics at the point it stopped.
func (c *Cabin) RunHeadless(maxTicks uint64) Stats {
	for !c.done {
		if maxTicks > 0 && c.tick >= maxTicks {
			break
		}
		c.Step()
	}
	return c.Stats()
}
