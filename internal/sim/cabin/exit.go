package cabin

import (
	"math/rand"

	"github.com/zyedidia/generic/mapset"

	"evacsim.ai/internal/sim/deque"
	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/tuning"
)

type Phase uint8

const (
	Idle Phase = iota
	Negotiating
	Decided
)

func (p Phase) String() string {
	switch p {
	case Negotiating:
		return "negotiating"
	case Decided:
		return "decided"
	default:
		return "idle"
	}
}

// Exit is a door with a detection zone and a waiting queue. The first agent
// to enter the zone starts the open delay; once it has elapsed the exit is
// decided and releases one queued agent per tick.
type Exit struct {
	ID          int
	Pos         geom.Vec2i
	Functioning bool

	phase     Phase
	radius    float64
	queue     deque.Deque[int]
	visited   mapset.Set[int]
	delay     float64
	firstSeen float64
	lastSeen  float64
	engaged   bool
	released  int

	cfg tuning.ExitTuning
}

func newExit(id int, pos geom.Vec2i, functioning bool, cfg tuning.ExitTuning, rng *rand.Rand) *Exit {
	return &Exit{
		ID:          id,
		Pos:         pos,
		Functioning: functioning,
		radius:      cfg.BaseRadius,
		visited:     mapset.New[int](),
		delay:       float64(rng.Intn(cfg.OpenDelayMax-cfg.OpenDelayMin+1) + cfg.OpenDelayMin),
		cfg:         cfg,
	}
}

func (e *Exit) Phase() Phase       { return e.phase }
func (e *Exit) Radius() float64    { return e.radius }
func (e *Exit) OpenDelay() float64 { return e.delay }
func (e *Exit) Queued() []int      { return e.queue.Items() }
func (e *Exit) Released() int      { return e.released }

// tick scans the agents, advances the timer and releases at most one agent.
// It reads agent state but never writes it; the returned events carry every
// change the Cabin has to apply.
func (e *Exit) tick(now float64, agents []*Agent, rng *rand.Rand) []Event {
	var out []Event
	for _, a := range agents {
		if !a.active(now) || a.pos.Dist(e.Pos) > e.radius {
			continue
		}
		if e.visited.Has(a.ID) {
			continue
		}
		if e.phase == Decided {
			// Late arrivals keep moving and are told the outcome in turn.
			e.queue.PushRear(a.ID)
			e.visited.Put(a.ID)
			continue
		}
		e.join(a.ID, now, rng)
		out = append(out, QueueJoined{Exit: e.ID, Agent: a.ID})
	}

	if !e.engaged {
		return out
	}
	e.lastSeen = now
	if e.lastSeen-e.firstSeen <= e.delay {
		return out
	}

	e.phase = Decided
	e.radius = e.cfg.BaseRadius
	if ev, ok := e.release(agents); ok {
		out = append(out, ev)
	}
	return out
}

func (e *Exit) join(id int, now float64, rng *rand.Rand) {
	if e.queue.Empty() && !e.engaged {
		e.engaged = true
		e.phase = Negotiating
		e.firstSeen = now
	}
	e.queue.PushRear(id)
	e.visited.Put(id)

	lo := int(e.cfg.BaseRadius)
	hi := int(e.radius) + e.cfg.RadiusGrowth*e.queue.Len()
	if hi < lo {
		hi = lo
	}
	e.radius = float64(rng.Intn(hi-lo+1) + lo)
}

// release pops one live agent: the front if the door works, the rear if it
// does not. Agents that died or left while queued are discarded.
func (e *Exit) release(agents []*Agent) (ExitDecided, bool) {
	for !e.queue.Empty() {
		var id int
		if e.Functioning {
			id, _ = e.queue.PopFront()
		} else {
			id, _ = e.queue.PopRear()
		}
		if id < 0 || id >= len(agents) || !agents[id].live() {
			continue
		}
		e.released++
		return ExitDecided{Exit: e.ID, Agent: id, Functioning: e.Functioning, Front: e.Functioning}, true
	}
	return ExitDecided{}, false
}
