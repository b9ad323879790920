// Package pathfind runs A* over a grid.TileMap.
//
// Moves are 8-connected. A cardinal step costs 1 and a diagonal step 0.95 per
// cell, while the heuristic is the Euclidean distance to the goal in world
// units. The heuristic is therefore not admissible and returned paths are not
// guaranteed to be shortest; agents are tuned against this behavior.
package pathfind

import (
	"github.com/zyedidia/generic/heap"

	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/grid"
)

const (
	CardinalCost = 1.0
	DiagonalCost = 0.95
)

type node struct {
	cell   geom.Vec2i
	parent *node
	g, h   float64
	seq    uint64
}

func (n *node) f() float64 { return n.g + n.h }

// less orders the open set by f, then h, then insertion order.
func less(a, b *node) bool {
	if af, bf := a.f(), b.f(); af != bf {
		return af < bf
	}
	if a.h != b.h {
		return a.h < b.h
	}
	return a.seq < b.seq
}

// Finder searches a shared tile map. It holds no per-search state and may be
// reused across agents.
type Finder struct {
	m *grid.TileMap
}

func New(m *grid.TileMap) *Finder { return &Finder{m: m} }

func (f *Finder) Map() *grid.TileMap { return f.m }

// FindPath returns the cells from goal back to the first step after start, so
// callers consume the slice from its end. When start and goal share a cell the
// result is that single cell. ok is false when the goal cannot be reached.
func (f *Finder) FindPath(start, goal geom.Vec2i) (path []geom.Vec2i, ok bool) {
	if f == nil || f.m == nil {
		return nil, false
	}
	start = f.m.Snap(start)
	goal = f.m.Snap(goal)
	if start == goal {
		return []geom.Vec2i{goal}, true
	}

	size := f.m.CellSize()
	var seq uint64
	open := heap.New[*node](less)
	best := map[geom.Vec2i]float64{start: 0}

	open.Push(&node{cell: start, h: start.Dist(goal), seq: seq})

	for open.Size() > 0 {
		cur, _ := open.Pop()
		if cur.g > best[cur.cell] {
			// Superseded by a cheaper entry for the same cell.
			continue
		}
		if cur.cell == goal {
			return reconstruct(cur), true
		}

		for i := 0; i < 9; i++ {
			if i == 4 {
				continue
			}
			dx, dy := i%3-1, i/3-1
			nb := geom.Vec2i{X: cur.cell.X + dx*size, Y: cur.cell.Y + dy*size}
			if !f.m.Walkable(nb) {
				continue
			}
			step := CardinalCost
			if dx != 0 && dy != 0 {
				step = DiagonalCost
			}
			g := cur.g + step
			if old, seen := best[nb]; seen && g >= old {
				continue
			}
			best[nb] = g
			seq++
			open.Push(&node{cell: nb, parent: cur, g: g, h: nb.Dist(goal), seq: seq})
		}
	}
	return nil, false
}

func reconstruct(n *node) []geom.Vec2i {
	var out []geom.Vec2i
	for ; n.parent != nil; n = n.parent {
		out = append(out, n.cell)
	}
	return out
}
