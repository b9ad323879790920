// Package grid turns the dense obstacle mask of the cabin into the coarse tile
// map used for path finding.
package grid

import "evacsim.ai/internal/sim/geom"

// Obstacles is an immutable set of blocked world pixels.
type Obstacles struct {
	origin geom.Vec2i
	w, h   int
	bits   []bool
	count  int
}

// NewObstacles builds a mask covering the w*h pixels starting at origin. blocked
// is consulted once per pixel.
func NewObstacles(origin geom.Vec2i, w, h int, blocked func(x, y int) bool) *Obstacles {
	o := &Obstacles{origin: origin, w: w, h: h, bits: make([]bool, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if blocked(origin.X+x, origin.Y+y) {
				o.bits[x+y*w] = true
				o.count++
			}
		}
	}
	return o
}

// Has reports whether the world pixel (x, y) is blocked. Pixels outside the mask
// are free.
func (o *Obstacles) Has(x, y int) bool {
	if o == nil {
		return false
	}
	lx, ly := x-o.origin.X, y-o.origin.Y
	if lx < 0 || ly < 0 || lx >= o.w || ly >= o.h {
		return false
	}
	return o.bits[lx+ly*o.w]
}

// Count is the number of blocked pixels.
func (o *Obstacles) Count() int {
	if o == nil {
		return 0
	}
	return o.count
}

// Window is the requested extent of a tile map before it is snapped to an anchor.
type Window struct {
	MinX, MinY int
	MaxX, MaxY int
}

type Tile struct {
	Pos        geom.Vec2i
	Collidable bool
}

// TileMap is a rectangular window of square cells. Cell coordinates are the
// world position of the cell's top-left pixel.
type TileMap struct {
	size          int
	minX, minY    int
	maxX, maxY    int
	width, height int
	tiles         []Tile
}

// Build snaps win to the lattice of anchor (spacing size) and marks every cell
// that covers at least one obstacle pixel. Maps built for different anchors on
// the same lattice share cell boundaries.
func Build(obs *Obstacles, win Window, anchor geom.Vec2i, size int) *TileMap {
	if size <= 0 {
		size = 1
	}
	lo := geom.FitToMultiple(geom.Vec2i{X: win.MinX, Y: win.MinY}, anchor, size)
	hi := geom.FitToMultiple(geom.Vec2i{X: win.MaxX, Y: win.MaxY}, anchor, size)

	m := &TileMap{
		size: size,
		minX: lo.X, minY: lo.Y,
		maxX: hi.X, maxY: hi.Y,
	}
	if hi.X > lo.X {
		m.width = (hi.X - lo.X) / size
	}
	if hi.Y > lo.Y {
		m.height = (hi.Y - lo.Y) / size
	}
	m.tiles = make([]Tile, m.width*m.height)
	for ty := 0; ty < m.height; ty++ {
		for tx := 0; tx < m.width; tx++ {
			x := m.minX + tx*size
			y := m.minY + ty*size
			m.tiles[tx+ty*m.width] = Tile{
				Pos:        geom.Vec2i{X: x, Y: y},
				Collidable: cellBlocked(obs, x, y, size),
			}
		}
	}
	return m
}

func cellBlocked(obs *Obstacles, x, y, size int) bool {
	for i := 0; i < size*size; i++ {
		if obs.Has(x+i%size, y+i/size) {
			return true
		}
	}
	return false
}

func (m *TileMap) CellSize() int        { return m.size }
func (m *TileMap) Width() int           { return m.width }
func (m *TileMap) Height() int          { return m.height }
func (m *TileMap) Origin() geom.Vec2i   { return geom.Vec2i{X: m.minX, Y: m.minY} }
func (m *TileMap) Extent() (lo, hi geom.Vec2i) {
	return geom.Vec2i{X: m.minX, Y: m.minY}, geom.Vec2i{X: m.maxX, Y: m.maxY}
}

// At returns the cell whose top-left pixel is exactly p. ok is false when p is
// outside the window or not on the lattice.
func (m *TileMap) At(p geom.Vec2i) (Tile, bool) {
	if m == nil || p.X < m.minX || p.Y < m.minY || p.X >= m.maxX || p.Y >= m.maxY {
		return Tile{}, false
	}
	dx, dy := p.X-m.minX, p.Y-m.minY
	if dx%m.size != 0 || dy%m.size != 0 {
		return Tile{}, false
	}
	return m.tiles[dx/m.size+(dy/m.size)*m.width], true
}

// Walkable reports whether p is a free cell inside the window.
func (m *TileMap) Walkable(p geom.Vec2i) bool {
	t, ok := m.At(p)
	return ok && !t.Collidable
}

// Snap maps any world point to the top-left pixel of the cell containing it.
func (m *TileMap) Snap(p geom.Vec2i) geom.Vec2i {
	return geom.SnapDown(p, m.Origin(), m.size)
}

// Adjacent reports whether a and b are distinct cells that touch, diagonals
// included.
func (m *TileMap) Adjacent(a, b geom.Vec2i) bool {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	return (dx == m.size || dx == 0) && (dy == m.size || dy == 0) && (dx+dy) > 0
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
