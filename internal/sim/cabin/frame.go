package cabin

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"evacsim.ai/internal/sim/geom"
)

type AgentFrame struct {
	ID      int          `json:"id"`
	X       int          `json:"x"`
	Y       int          `json:"y"`
	Alive   bool         `json:"alive"`
	Exiting bool         `json:"exiting,omitempty"`
	Queued  bool         `json:"queued,omitempty"`
	Path    []geom.Vec2i `json:"path,omitempty"`
}

type ExitFrame struct {
	ID     int     `json:"id"`
	Phase  string  `json:"phase"`
	Radius float64 `json:"radius"`
	Queue  int     `json:"queue"`
}

// Frame is the renderable state after a tick. Agents that have left the cabin
// are not included; dead agents are, with Alive false.
type Frame struct {
	Tick    uint64       `json:"tick"`
	Time    float64      `json:"time"`
	Escaped int          `json:"escaped"`
	Agents  []AgentFrame `json:"agents"`
	Exits   []ExitFrame  `json:"exits"`
}

func (c *Cabin) Frame() Frame {
	f := Frame{Tick: c.tick, Time: c.now, Escaped: c.escaped, Agents: make([]AgentFrame, 0, len(c.agents))}
	for _, a := range c.agents {
		if a.removed {
			continue
		}
		af := AgentFrame{
			ID:      a.ID,
			X:       a.pos.X,
			Y:       a.pos.Y,
			Alive:   a.alive,
			Exiting: a.exiting,
			Queued:  a.inQueue,
		}
		if c.params.RenderPath && a.alive {
			af.Path = a.Path()
		}
		f.Agents = append(f.Agents, af)
	}
	f.Exits = make([]ExitFrame, 0, len(c.exits))
	for _, e := range c.exits {
		f.Exits = append(f.Exits, ExitFrame{ID: e.ID, Phase: e.phase.String(), Radius: e.radius, Queue: e.queue.Len()})
	}
	return f
}

// Stats is the end-of-run summary. Perished counts everyone who did not
// escape; Dead and Stalled break that down.
type Stats struct {
	RunID     string  `json:"run_id,omitempty"`
	Total     int     `json:"total"`
	Escaped   int     `json:"escaped"`
	Perished  int     `json:"perished"`
	Dead      int     `json:"dead"`
	Stalled   int     `json:"stalled"`
	Remaining int     `json:"remaining"`
	Elapsed   float64 `json:"elapsed"`
	Ticks     uint64  `json:"ticks"`
	Reason    string  `json:"reason,omitempty"`
}

func (c *Cabin) Stats() Stats {
	st := Stats{
		RunID:   c.runID,
		Total:   len(c.agents),
		Escaped: c.escaped,
		Elapsed: c.now,
		Ticks:   c.tick,
		Reason:  c.reason,
	}
	st.Perished = st.Total - st.Escaped
	for _, a := range c.agents {
		switch {
		case a.removed:
		case !a.alive:
			st.Dead++
		default:
			st.Remaining++
			if a.exit < 0 {
				st.Stalled++
			}
		}
	}
	return st
}

// Digest hashes the full mutable state of the run.
func (c *Cabin) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	i64 := func(v int) { u64(uint64(int64(v))) }
	f64 := func(v float64) { u64(math.Float64bits(v)) }
	flags := func(bs ...bool) {
		var b byte
		for i, v := range bs {
			if v {
				b |= 1 << i
			}
		}
		h.Write([]byte{b})
	}

	u64(c.tick)
	i64(c.escaped)

	for _, e := range c.exits {
		i64(e.ID)
		h.Write([]byte{byte(e.phase)})
		f64(e.radius)
		f64(e.firstSeen)
		f64(e.lastSeen)
		i64(e.released)
		q := e.queue.Items()
		i64(len(q))
		for _, id := range q {
			i64(id)
		}
	}

	for _, a := range c.agents {
		i64(a.ID)
		f64(a.x)
		f64(a.y)
		flags(a.alive, a.exiting, a.inQueue, a.removed, a.hasTarget)
		i64(a.exit)
		i64(a.collisions)
		i64(len(a.path))
		for _, p := range a.path {
			i64(p.X)
			i64(p.Y)
		}
		for _, e := range a.warnOrder {
			i64(e)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
