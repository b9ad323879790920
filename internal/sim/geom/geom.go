package geom

import "math"

// Vec2i is an integer world coordinate.
type Vec2i struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (v Vec2i) Add(o Vec2i) Vec2i { return Vec2i{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2i) Sub(o Vec2i) Vec2i { return Vec2i{X: v.X - o.X, Y: v.Y - o.Y} }

// Dist is the Euclidean distance between v and o.
func (v Vec2i) Dist(o Vec2i) float64 {
	dx := float64(v.X - o.X)
	dy := float64(v.Y - o.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// FitToMultiple moves v onto the lattice of target with spacing mul.
// Each axis is walked from the target value toward v in steps of mul: when the
// target lies above v the result is the nearest lattice value at or below v,
// otherwise the nearest lattice value at or above v.
func FitToMultiple(v, target Vec2i, mul int) Vec2i {
	if mul <= 0 {
		return v
	}
	return Vec2i{X: fitAxis(v.X, target.X, mul), Y: fitAxis(v.Y, target.Y, mul)}
}

func fitAxis(v, target, mul int) int {
	if target > v {
		k := (target - v + mul - 1) / mul
		return target - k*mul
	}
	k := (v - target + mul - 1) / mul
	return target + k*mul
}

// SnapDown returns the lattice value (origin + k*mul) at or below v on each axis.
func SnapDown(v, origin Vec2i, mul int) Vec2i {
	if mul <= 0 {
		return v
	}
	return Vec2i{X: snapAxis(v.X, origin.X, mul), Y: snapAxis(v.Y, origin.Y, mul)}
}

func snapAxis(v, origin, mul int) int {
	d := v - origin
	q := d / mul
	if d%mul != 0 && d < 0 {
		q--
	}
	return origin + q*mul
}

// Box is an axis-aligned rectangle with its origin at the top-left corner.
type Box struct {
	X, Y int
	W, H int
}

func (b Box) At(x, y int) Box { return Box{X: x, Y: y, W: b.W, H: b.H} }

// Intersects reports whether b and o share interior area. Boxes that only touch
// along an edge do not intersect.
func (b Box) Intersects(o Box) bool {
	if b.W <= 0 || b.H <= 0 || o.W <= 0 || o.H <= 0 {
		return false
	}
	return b.X < o.X+o.W && o.X < b.X+b.W && b.Y < o.Y+o.H && o.Y < b.Y+b.H
}
