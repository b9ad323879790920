package scenario

import "math"

const (
	// PlaneMass is the empty aircraft mass in kg.
	PlaneMass = 48500
	// DeadlyGForce is the g-force above which nobody survives the impact.
	DeadlyGForce = 10.2

	gravity = 9.81
)

// Crash is the impact derived from a crash angle and velocity.
type Crash struct {
	Angle    float64 `json:"angle"`
	Velocity float64 `json:"velocity"`

	DecelTime      float64 `json:"decel_time"`
	Decel          float64 `json:"decel"`
	GForce         float64 `json:"g_force"`
	ImpactForce    float64 `json:"impact_force"`
	SurvivalChance float64 `json:"survival_chance"`
}

// DeriveCrash computes the impact for angle in degrees (clamped to [0,90]) and
// velocity in m/s. Steeper crashes stop the aircraft faster:
//
//	t(A) = (40 - 2^(0.059A)) / 6.5
func DeriveCrash(angle, velocity float64, masses []int) Crash {
	angle = math.Max(0, math.Min(90, angle))
	c := Crash{Angle: angle, Velocity: velocity}
	c.DecelTime = (-math.Pow(2, 0.059*angle) + 40) / 6.5
	c.Decel = velocity / c.DecelTime
	c.GForce = c.Decel / gravity

	total := float64(PlaneMass)
	for _, m := range masses {
		total += float64(m)
	}
	c.ImpactForce = total * c.Decel

	if c.GForce <= DeadlyGForce {
		c.SurvivalChance = (1 - c.GForce/DeadlyGForce) * 100
	}
	return c
}
