package layout

import (
	"evacsim.ai/internal/sim/geom"
	"evacsim.ai/internal/sim/grid"
)

const (
	SeatCount = 132
	ExitCount = 8
)

// Fuselage geometry of the built-in cabin, in world pixels.
const (
	cabinX0, cabinX1 = 12, 1196
	cabinY0, cabinY1 = 160, 348
	wall             = 8
	doorHalfWidth    = 12

	rowFirst, rowLast = 80, 1080
	rowPitch          = 40
	seatPitch         = 16
	corridorHalfWidth = 36
)

var (
	exitColumns = []int{48, 400, 800, 1152}
	upperSeats  = []int{176, 192, 208}
	lowerSeats  = []int{288, 304, 320}
)

// Fixed builds the standard single-aisle cabin: 22 rows of 3+3 seats, a
// forward and rear door pair and two over-wing pairs. Seat rows are left out
// around the over-wing doors to form cross aisles.
func Fixed() *Template {
	t := NewTemplate(geom.Vec2i{X: 0, Y: cabinY0}, 1200, cabinY1-cabinY0)
	t.Window = Window()

	// Fuselage walls.
	t.Fill(cabinX0, cabinY0, cabinX1, cabinY0+wall, Obstacle)
	t.Fill(cabinX0, cabinY1-wall, cabinX1, cabinY1, Obstacle)
	t.Fill(cabinX0, cabinY0, cabinX0+wall, cabinY1, Obstacle)
	t.Fill(cabinX1-wall, cabinY0, cabinX1, cabinY1, Obstacle)

	// Galley and lavatory blocks.
	t.Fill(24, 232, 40, 272, Obstacle)
	t.Fill(1168, 232, 1184, 272, Obstacle)

	// Door gaps; the exit marker sits in the middle of each gap. Top doors are
	// scanned first, so they take ids 0..3 and bottom doors 4..7.
	for _, x := range exitColumns {
		t.Fill(x-doorHalfWidth, cabinY0, x+doorHalfWidth, cabinY0+wall, Free)
		t.Fill(x-doorHalfWidth, cabinY1-wall, x+doorHalfWidth, cabinY1, Free)
		t.Set(x, cabinY0+wall/2, Exit)
		t.Set(x, cabinY1-wall/2, Exit)
	}

	for rx := rowFirst; rx <= rowLast; rx += rowPitch {
		if nearExitColumn(rx + 5) {
			continue
		}
		// Seat backs in front of each block; the aisle in between stays open.
		t.Fill(rx-8, cabinY0+wall, rx-4, upperSeats[len(upperSeats)-1]+seatPitch-4, Obstacle)
		t.Fill(rx-8, lowerSeats[0]-4, rx-4, cabinY1-wall, Obstacle)
		for _, y := range upperSeats {
			t.Set(rx, y, Seat)
		}
		for _, y := range lowerSeats {
			t.Set(rx, y, Seat)
		}
	}
	return t
}

// Window is the tile map extent requested for the built-in cabin. It is snapped
// to the seat lattice when the map is built.
func Window() grid.Window {
	return grid.Window{MinX: 10, MinY: cabinY0, MaxX: 1200, MaxY: cabinY1}
}

func nearExitColumn(x int) bool {
	for _, c := range exitColumns[1 : len(exitColumns)-1] {
		d := x - c
		if d < 0 {
			d = -d
		}
		if d < corridorHalfWidth+5 {
			return true
		}
	}
	return false
}
