// Package cabin runs the evacuation: it owns the agents, the exits and the
// shared tile map, and advances them one tick at a time.
package cabin

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"

	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/grid"
	"evacsim.ai/internal/sim/layout"
	"evacsim.ai/internal/sim/pathfind"
	"evacsim.ai/internal/sim/scenario"
	"evacsim.ai/internal/sim/tuning"
)

var ErrLayout = errors.New("layout does not fit scenario")

const (
	EndAllEscaped = "all_escaped"
	EndHorizon    = "horizon"
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

// TickLogEntry is one line of the run log.
type TickLogEntry struct {
	Tick      uint64        `json:"tick"`
	Time      float64       `json:"time"`
	Escaped   int           `json:"escaped"`
	Decisions []ExitDecided `json:"decisions,omitempty"`
	Rumors    int           `json:"rumors,omitempty"`
	Digest    string        `json:"digest"`
}

type Cabin struct {
	params scenario.Params
	tun    tuning.Tuning
	rng    *rand.Rand
	log    logrus.FieldLogger

	tiles  *grid.TileMap
	finder *pathfind.Finder
	seats  []geom.Vec2i

	agents []*Agent
	exits  []*Exit

	tick    uint64
	now     float64
	escaped int
	done    bool
	reason  string
	runID   string

	decisions []ExitDecided
	rumors    int

	tickLogger    TickLogger
	tickLogFailed bool
	frameSink     chan<- Frame
	onFinish   []func(Stats)
	onDecision []func(ExitDecided)
}

// New builds exits and agents from the decoded template. rng drives every
// random draw of the run, so the same seed and inputs replay identically.
func New(p scenario.Params, t tuning.Tuning, d layout.Decoded, rng *rand.Rand, log logrus.FieldLogger) (*Cabin, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(p.Seed))
	}
	switch {
	case len(d.Exits) == 0 || len(d.Exits) != len(p.WorkingExits):
		return nil, fmt.Errorf("%w: %d exits in template, %d exit flags", ErrLayout, len(d.Exits), len(p.WorkingExits))
	case len(d.Seats) < p.PassengerCount:
		return nil, fmt.Errorf("%w: %d seats for %d passengers", ErrLayout, len(d.Seats), p.PassengerCount)
	case len(p.Masses) != p.PassengerCount:
		return nil, fmt.Errorf("%w: %d masses for %d passengers", scenario.ErrMassCount, len(p.Masses), p.PassengerCount)
	}

	c := &Cabin{params: p, tun: t, rng: rng, log: log}

	c.exits = make([]*Exit, len(d.Exits))
	for i, pos := range d.Exits {
		c.exits[i] = newExit(i, pos, p.WorkingExits[i], t.Exit, rng)
	}

	c.seats = thinSeats(d.Seats, p.PassengerCount, rng)
	if len(c.seats) > 0 {
		c.tiles = grid.Build(d.Obstacles, d.Window, c.seats[0], t.TileSize)
	} else {
		c.tiles = grid.Build(d.Obstacles, d.Window, geom.Vec2i{X: d.Window.MinX, Y: d.Window.MinY}, t.TileSize)
	}
	c.finder = pathfind.New(c.tiles)

	c.agents = make([]*Agent, p.PassengerCount)
	for i := 0; i < p.PassengerCount; i++ {
		seat := c.seats[i]
		if i > 0 {
			seat = geom.FitToMultiple(seat, c.seats[0], t.TileSize)
		}
		alive := true
		if p.AccountForSurvival && p.SurvivalChance != 100 {
			if roll := rng.Intn(100) + 1; float64(roll) > p.SurvivalChance {
				alive = false
			}
		}
		a := newAgent(i, seat, p.Masses[i], alive, p.GForce, t.Agent, rng)
		a.candidates = make([]int, len(c.exits))
		for j := range c.exits {
			a.candidates[j] = j
		}
		c.agents[i] = a
		a.retarget(c)
	}

	dead := 0
	for _, a := range c.agents {
		if !a.alive {
			dead++
		}
	}
	c.log.WithFields(logrus.Fields{
		"passengers": p.PassengerCount,
		"dead":       dead,
		"exits":      len(c.exits),
		"g_force":    p.GForce,
	}).Info("cabin ready")
	return c, nil
}

// thinSeats removes seats at random until n remain. The survivors keep their
// template order.
func thinSeats(seats []geom.Vec2i, n int, rng *rand.Rand) []geom.Vec2i {
	out := append([]geom.Vec2i(nil), seats...)
	for len(out) > n {
		i := rng.Intn(len(out))
		out = append(out[:i], out[i+1:]...)
	}
	return out
}

func (c *Cabin) SetTickLogger(l TickLogger) { c.tickLogger = l }

// SetFrameSink installs a channel that receives the frame after every tick.
// Sends never block; a full channel drops the frame.
func (c *Cabin) SetFrameSink(ch chan<- Frame) { c.frameSink = ch }

func (c *Cabin) SetRunID(id string) { c.runID = id }
func (c *Cabin) RunID() string      { return c.runID }

// OnFinish registers fn to receive the statistics once, when the run ends.
func (c *Cabin) OnFinish(fn func(Stats)) { c.onFinish = append(c.onFinish, fn) }

// OnDecision registers fn to receive every exit verdict as it is dispatched.
func (c *Cabin) OnDecision(fn func(ExitDecided)) { c.onDecision = append(c.onDecision, fn) }

func (c *Cabin) Agents() []*Agent        { return c.agents }
func (c *Cabin) Exits() []*Exit          { return c.exits }
func (c *Cabin) Tiles() *grid.TileMap    { return c.tiles }
func (c *Cabin) Params() scenario.Params { return c.params }
func (c *Cabin) Tick() uint64            { return c.tick }
func (c *Cabin) Now() float64            { return c.now }
func (c *Cabin) Escaped() int            { return c.escaped }
func (c *Cabin) Done() bool              { return c.done }

// Step advances one tick: every exit first, then every agent. It returns true
// once the run has ended; further calls do nothing.
func (c *Cabin) Step() bool {
	if c.done {
		return true
	}
	c.tick++
	c.now = float64(c.tick) / float64(c.tun.TicksPerSecond)
	c.decisions = c.decisions[:0]
	c.rumors = 0

	for _, e := range c.exits {
		for _, ev := range e.tick(c.now, c.agents, c.rng) {
			c.dispatch(ev)
		}
	}
	for _, a := range c.agents {
		if a.removed {
			continue
		}
		escaped, rumors := a.update(c, c.now)
		if escaped {
			c.escaped++
			c.log.WithField("agent", a.ID).WithField("exit", a.exit).WithField("tick", c.tick).Debug("agent escaped")
		}
		for _, r := range rumors {
			c.dispatch(r)
		}
	}

	var reason string
	switch {
	case c.escaped >= len(c.agents):
		reason = EndAllEscaped
	case c.now > c.params.SurvivalTime:
		reason = EndHorizon
	}

	if c.tickLogger != nil {
		err := c.tickLogger.WriteTick(TickLogEntry{
			Tick:      c.tick,
			Time:      c.now,
			Escaped:   c.escaped,
			Decisions: append([]ExitDecided(nil), c.decisions...),
			Rumors:    c.rumors,
			Digest:    c.Digest(),
		})
		if err != nil && !c.tickLogFailed {
			c.tickLogFailed = true
			c.log.WithError(err).WithField("tick", c.tick).Warn("tick log write failed, later failures are not reported")
		}
	}
	if c.frameSink != nil {
		select {
		case c.frameSink <- c.Frame():
		default:
		}
	}

	// The final tick reaches every sink before the statistics do.
	if reason != "" {
		c.finish(reason)
	}
	return c.done
}

func (c *Cabin) dispatch(ev Event) {
	switch ev := ev.(type) {
	case QueueJoined:
		c.agents[ev.Agent].enterQueue()
	case ExitDecided:
		c.decisions = append(c.decisions, ev)
		c.log.WithFields(logrus.Fields{
			"exit":        ev.Exit,
			"agent":       ev.Agent,
			"functioning": ev.Functioning,
			"tick":        c.tick,
		}).Debug("exit decided")
		c.agents[ev.Agent].onExitOutcome(c, ev.Exit, ev.Functioning)
		for _, fn := range c.onDecision {
			fn(ev)
		}
	case RumorHeard:
		c.rumors++
		c.agents[ev.To].onRumor(c, ev.Exit)
	}
}

// collides reports whether b overlaps the box of any other live agent.
func (c *Cabin) collides(self *Agent, b geom.Box) bool {
	for _, o := range c.agents {
		if o == self || !o.live() {
			continue
		}
		if o.box.Intersects(b) {
			return true
		}
	}
	return false
}

func (c *Cabin) finish(reason string) {
	c.done = true
	c.reason = reason
	st := c.Stats()
	c.log.WithFields(logrus.Fields{
		"escaped":  st.Escaped,
		"perished": st.Perished,
		"elapsed":  st.Elapsed,
		"reason":   reason,
	}).Info("run finished")
	for _, fn := range c.onFinish {
		fn(st)
	}
}
