// Package layout holds the fixed cabin template: a raster of markers that
// places seats, exits and obstacles.
package layout

import (
	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/grid"
)

type Marker uint8

const (
	Free Marker = iota
	Obstacle
	Seat
	Exit
)

// Template is a W*H raster whose top-left pixel sits at Origin in world space.
// Window is the tile map extent requested for it; NewTemplate sets it to the
// raster bounds.
type Template struct {
	Origin geom.Vec2i
	W, H   int
	Cells  []Marker
	Window grid.Window
}

func NewTemplate(origin geom.Vec2i, w, h int) *Template {
	return &Template{
		Origin: origin,
		W:      w,
		H:      h,
		Cells:  make([]Marker, w*h),
		Window: grid.Window{MinX: origin.X, MinY: origin.Y, MaxX: origin.X + w, MaxY: origin.Y + h},
	}
}

// At returns the marker at world pixel (x, y); pixels outside the raster are Free.
func (t *Template) At(x, y int) Marker {
	lx, ly := x-t.Origin.X, y-t.Origin.Y
	if lx < 0 || ly < 0 || lx >= t.W || ly >= t.H {
		return Free
	}
	return t.Cells[lx+ly*t.W]
}

// Set writes m at world pixel (x, y). Out-of-raster writes are ignored.
func (t *Template) Set(x, y int, m Marker) {
	lx, ly := x-t.Origin.X, y-t.Origin.Y
	if lx < 0 || ly < 0 || lx >= t.W || ly >= t.H {
		return
	}
	t.Cells[lx+ly*t.W] = m
}

// Fill writes m over the half-open rectangle [x0,x1)*[y0,y1).
func (t *Template) Fill(x0, y0, x1, y1 int, m Marker) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			t.Set(x, y, m)
		}
	}
}

// Decoded is the template read back as world coordinates.
type Decoded struct {
	Seats     []geom.Vec2i
	Exits     []geom.Vec2i
	Obstacles *grid.Obstacles
	Window    grid.Window
}

// Decode scans the raster row by row. Seats and exits are returned in scan
// order, which fixes exit ids and seat order.
func Decode(t *Template) Decoded {
	d := Decoded{Window: t.Window}
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			wx, wy := x+t.Origin.X, y+t.Origin.Y
			switch t.Cells[x+y*t.W] {
			case Seat:
				d.Seats = append(d.Seats, geom.Vec2i{X: wx, Y: wy})
			case Exit:
				d.Exits = append(d.Exits, geom.Vec2i{X: wx, Y: wy})
			}
		}
	}
	d.Obstacles = grid.NewObstacles(t.Origin, t.W, t.H, func(x, y int) bool {
		return t.At(x, y) == Obstacle
	})
	return d
}
