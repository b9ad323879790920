package geom

import "testing"

func TestFitToMultiple(t *testing.T) {
	root := Vec2i{X: 80, Y: 176}

	got := FitToMultiple(Vec2i{X: 81, Y: 190}, root, 4)
	if got != (Vec2i{X: 84, Y: 192}) {
		t.Fatalf("below-target walk: got %+v", got)
	}
	got = FitToMultiple(Vec2i{X: 10, Y: 160}, root, 4)
	if got != (Vec2i{X: 8, Y: 160}) {
		t.Fatalf("above-target walk: got %+v", got)
	}
	got = FitToMultiple(root, root, 4)
	if got != root {
		t.Fatalf("fixed point: got %+v", got)
	}
	if got := FitToMultiple(Vec2i{X: 3, Y: 3}, root, 0); got != (Vec2i{X: 3, Y: 3}) {
		t.Fatalf("mul=0 should be identity: %+v", got)
	}
}

func TestSnapDown(t *testing.T) {
	o := Vec2i{X: 8, Y: 160}
	if got := SnapDown(Vec2i{X: 11, Y: 163}, o, 4); got != (Vec2i{X: 8, Y: 160}) {
		t.Fatalf("snap inside cell: %+v", got)
	}
	if got := SnapDown(Vec2i{X: 7, Y: 159}, o, 4); got != (Vec2i{X: 4, Y: 156}) {
		t.Fatalf("snap below origin: %+v", got)
	}
	if got := SnapDown(Vec2i{X: 12, Y: 164}, o, 4); got != (Vec2i{X: 12, Y: 164}) {
		t.Fatalf("snap on lattice: %+v", got)
	}
}

func TestBoxIntersects(t *testing.T) {
	a := Box{X: 0, Y: 0, W: 10, H: 10}
	if !a.Intersects(a.At(9, 9)) {
		t.Fatalf("expected overlap at 9,9")
	}
	if a.Intersects(a.At(10, 0)) {
		t.Fatalf("edge contact is not overlap")
	}
	if a.Intersects(Box{X: 2, Y: 2}) {
		t.Fatalf("empty box never overlaps")
	}
}

func TestDist(t *testing.T) {
	if d := (Vec2i{X: 0, Y: 0}).Dist(Vec2i{X: 3, Y: 4}); d != 5 {
		t.Fatalf("dist=%v", d)
	}
}
