package layout

import (
	"testing"

	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/grid"
	"evacsim.ai/internal/sim/pathfind"
)

func TestFixed_Counts(t *testing.T) {
	d := Decode(Fixed())
	if len(d.Seats) != SeatCount {
		t.Fatalf("seats=%d want %d", len(d.Seats), SeatCount)
	}
	if len(d.Exits) != ExitCount {
		t.Fatalf("exits=%d want %d", len(d.Exits), ExitCount)
	}
	if d.Seats[0] != (geom.Vec2i{X: 80, Y: 176}) {
		t.Fatalf("first seat=%+v", d.Seats[0])
	}
	if d.Obstacles.Count() == 0 {
		t.Fatalf("expected walls in the obstacle mask")
	}
}

func TestFixed_ExitOrder(t *testing.T) {
	d := Decode(Fixed())
	want := []geom.Vec2i{
		{X: 48, Y: 164}, {X: 400, Y: 164}, {X: 800, Y: 164}, {X: 1152, Y: 164},
		{X: 48, Y: 344}, {X: 400, Y: 344}, {X: 800, Y: 344}, {X: 1152, Y: 344},
	}
	for i, e := range d.Exits {
		if e != want[i] {
			t.Fatalf("exit %d at %+v want %+v", i, e, want[i])
		}
	}
}

func TestFixed_SeatsFree(t *testing.T) {
	tpl := Fixed()
	d := Decode(tpl)
	for _, s := range d.Seats {
		if d.Obstacles.Has(s.X, s.Y) {
			t.Fatalf("seat %+v sits on an obstacle", s)
		}
	}
	for _, e := range d.Exits {
		if d.Obstacles.Has(e.X, e.Y) {
			t.Fatalf("exit %+v sits on an obstacle", e)
		}
	}
}

func TestFixed_EverySeatReachesEveryExit(t *testing.T) {
	d := Decode(Fixed())
	m := grid.Build(d.Obstacles, d.Window, d.Seats[0], 4)
	f := pathfind.New(m)
	for _, e := range d.Exits {
		if !m.Walkable(m.Snap(e)) {
			t.Fatalf("exit %+v not walkable", e)
		}
	}
	for i, s := range d.Seats {
		for j, e := range d.Exits {
			if _, ok := f.FindPath(s, e); !ok {
				t.Fatalf("seat %d %+v cannot reach exit %d %+v", i, s, j, e)
			}
		}
	}
}

func TestTemplate_OutOfRaster(t *testing.T) {
	tpl := NewTemplate(geom.Vec2i{X: 5, Y: 5}, 2, 2)
	tpl.Set(100, 100, Obstacle)
	tpl.Set(6, 6, Seat)
	if tpl.At(100, 100) != Free || tpl.At(0, 0) != Free {
		t.Fatalf("outside pixels must read Free")
	}
	if tpl.At(6, 6) != Seat {
		t.Fatalf("seat marker lost")
	}
}
