package cabin

import (
	"math"
	"math/rand"
	"sort"

	"github.com/zyedidia/generic/mapset"

	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/tuning"
)

// Agent is one passenger. Position is continuous; pos is its integer
// projection and is what exits, peers and the path finder see.
type Agent struct {
	ID   int
	Mass int

	x, y  float64
	pos   geom.Vec2i
	box   geom.Box
	speed float64

	alive   bool
	exiting bool
	inQueue bool
	removed bool

	response float64
	shout    float64

	// path is consumed from its end; target is the waypoint being walked to.
	path      []geom.Vec2i
	target    geom.Vec2i
	hasTarget bool

	exit       int // -1 when no candidate is left
	candidates []int
	warned     mapset.Set[int]
	warnOrder  []int

	collisions int
	paths      int
}

func newAgent(id int, seat geom.Vec2i, mass int, alive bool, gForce float64, cfg tuning.AgentTuning, rng *rand.Rand) *Agent {
	a := &Agent{
		ID:     id,
		Mass:   mass,
		x:      float64(seat.X),
		y:      float64(seat.Y),
		alive:  alive,
		exit:   -1,
		warned: mapset.New[int](),
	}
	a.speed = agentSpeed(gForce, float64(mass), cfg)
	a.shout = float64(rng.Intn(cfg.ShoutMax-cfg.ShoutMin+1) + cfg.ShoutMin)
	a.response = gForce*cfg.ResponseFactor + float64(rng.Intn(2*cfg.ResponseJitter+1)-cfg.ResponseJitter)
	a.box = geom.Box{W: cfg.BoxSize, H: cfg.BoxSize}
	a.refresh()
	return a
}

// agentSpeed falls with both impact g-force and mass above the base mass and
// never drops below the configured floor.
func agentSpeed(gForce, mass float64, cfg tuning.AgentTuning) float64 {
	s := (1 - gForce/cfg.DeadlyGForce) - (mass/cfg.BaseMass - 1)
	if s <= cfg.MinSpeed {
		return cfg.MinSpeed
	}
	return s
}

func (a *Agent) Pos() geom.Vec2i   { return a.pos }
func (a *Agent) X() float64        { return a.x }
func (a *Agent) Y() float64        { return a.y }
func (a *Agent) Speed() float64    { return a.speed }
func (a *Agent) Alive() bool       { return a.alive }
func (a *Agent) Exiting() bool     { return a.exiting }
func (a *Agent) InQueue() bool     { return a.inQueue }
func (a *Agent) Removed() bool     { return a.removed }
func (a *Agent) Response() float64 { return a.response }
func (a *Agent) TargetExit() int   { return a.exit }
func (a *Agent) PathRequests() int { return a.paths }

// Candidates returns the exits the agent still believes may work, nearest first
// as of the last target selection.
func (a *Agent) Candidates() []int { return append([]int(nil), a.candidates...) }

// Warned returns the broken exits this agent passes on, in learning order.
func (a *Agent) Warned() []int { return append([]int(nil), a.warnOrder...) }

// Path returns the remaining waypoints, nearest last.
func (a *Agent) Path() []geom.Vec2i { return append([]geom.Vec2i(nil), a.path...) }

// Stalled reports an agent that is still in the cabin with no exit left to try.
func (a *Agent) Stalled() bool { return a.live() && a.exit < 0 }

func (a *Agent) live() bool { return a.alive && !a.removed }

// active is live and past the initial response delay.
func (a *Agent) active(now float64) bool { return a.live() && now > a.response }

func (a *Agent) refresh() {
	a.pos = geom.Vec2i{X: int(a.x), Y: int(a.y)}
	a.box = a.box.At(a.pos.X, a.pos.Y)
}

// selectTarget picks the nearest remaining candidate, ties going to the lower
// exit id.
func (a *Agent) selectTarget(c *Cabin) {
	sort.SliceStable(a.candidates, func(i, j int) bool {
		di := c.exits[a.candidates[i]].Pos.Dist(a.pos)
		dj := c.exits[a.candidates[j]].Pos.Dist(a.pos)
		if di != dj {
			return di < dj
		}
		return a.candidates[i] < a.candidates[j]
	})
	if len(a.candidates) == 0 {
		a.exit = -1
		a.path = nil
		a.hasTarget = false
		return
	}
	a.exit = a.candidates[0]
}

// requestPath replaces the current path with a fresh one to dest. An agent
// that cannot reach dest dies where it stands.
func (a *Agent) requestPath(c *Cabin, dest geom.Vec2i) {
	a.path = nil
	a.hasTarget = false
	a.paths++
	p, ok := c.finder.FindPath(a.pos, dest)
	if !ok {
		a.alive = false
		a.inQueue = false
		c.log.WithField("agent", a.ID).WithField("exit", a.exit).WithField("tick", c.tick).Debug("no path; agent perished")
		return
	}
	a.path = p
}

func (a *Agent) retarget(c *Cabin) {
	a.selectTarget(c)
	if a.exit >= 0 {
		a.requestPath(c, c.exits[a.exit].Pos)
	}
}

// learn drops exit from the candidates and adds it to the warn-set. It reports
// false when the exit was already known broken.
func (a *Agent) learn(exit int) bool {
	if a.warned.Has(exit) {
		return false
	}
	a.warned.Put(exit)
	a.warnOrder = append(a.warnOrder, exit)
	for i, id := range a.candidates {
		if id == exit {
			a.candidates = append(a.candidates[:i], a.candidates[i+1:]...)
			break
		}
	}
	return true
}

func (a *Agent) enterQueue() {
	if a.live() {
		a.inQueue = true
	}
}

// onExitOutcome applies an exit's verdict. A working door sends the agent out
// through it; a broken one sends it to the next nearest candidate.
func (a *Agent) onExitOutcome(c *Cabin, exit int, functioning bool) {
	if !a.live() {
		return
	}
	a.inQueue = false
	if functioning {
		a.exiting = true
		if exit != a.exit {
			a.exit = exit
			a.requestPath(c, c.exits[exit].Pos)
		}
		return
	}
	a.learn(exit)
	if a.exiting && a.exit != exit {
		return
	}
	a.retarget(c)
}

// onRumor handles a warning from a peer. An agent one step from its goal no
// longer listens.
func (a *Agent) onRumor(c *Cabin, exit int) {
	if !a.live() || len(a.path) == 1 {
		return
	}
	if !a.learn(exit) {
		return
	}
	if a.exiting && a.exit != exit {
		return
	}
	a.retarget(c)
}

// update runs one tick for the agent and returns the warnings it shouts.
func (a *Agent) update(c *Cabin, now float64) (escaped bool, rumors []RumorHeard) {
	if !a.live() || now <= a.response {
		return false, nil
	}
	if !a.inQueue {
		a.pathMove(c)
	}
	if !a.inQueue && a.exiting && len(a.path) == 0 {
		a.removed = true
		a.refresh()
		return true, nil
	}
	if c.params.Communicate {
		rumors = a.broadcast(c)
	}
	a.refresh()
	return false, rumors
}

func (a *Agent) pathMove(c *Cabin) {
	if !a.hasTarget {
		if len(a.path) == 0 {
			return
		}
		last := len(a.path) - 1
		a.target = a.path[last]
		a.path = a.path[:last]
		a.hasTarget = true
		return
	}
	if a.pos == a.target {
		a.hasTarget = false
		return
	}
	a.move(c, a.target)
}

// move steps toward (tx, ty), at most speed per axis. Each axis is tested
// against the other agents on its own; a blocked axis bumps the collision
// counter, and a high enough counter lets the agent push through.
func (a *Agent) move(c *Cabin, t geom.Vec2i) {
	xdiff := float64(t.X) - a.x
	ydiff := float64(t.Y) - a.y
	if xdiff == 0 && ydiff == 0 {
		return
	}
	xm, ym := xdiff, ydiff
	if math.Abs(xdiff) >= a.speed {
		xm = a.speed * sign(xdiff)
	}
	if math.Abs(ydiff) >= a.speed {
		ym = a.speed * sign(ydiff)
	}

	if a.collisions > c.rng.Intn(c.tun.Agent.PushThroughMax) {
		a.x += xm
		a.y += ym
		a.collisions = 0
		return
	}

	if b := a.box.At(int(a.x+xm), int(a.y)); !c.collides(a, b) {
		a.x += xm
		a.box = b
	} else {
		a.collisions++
	}
	if b := a.box.At(int(a.x), int(a.y+ym)); !c.collides(a, b) {
		a.y += ym
		a.box = b
	} else {
		a.collisions++
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// broadcast warns every other live agent within shout range about every exit
// in the warn-set.
func (a *Agent) broadcast(c *Cabin) []RumorHeard {
	if len(a.warnOrder) == 0 {
		return nil
	}
	var out []RumorHeard
	for _, p := range c.agents {
		if p == a || !p.live() {
			continue
		}
		if a.pos.Dist(p.pos) > a.shout {
			continue
		}
		for _, e := range a.warnOrder {
			out = append(out, RumorHeard{From: a.ID, To: p.ID, Exit: e})
		}
	}
	return out
}
