// Package scenario is the parameter bundle a run starts from. Files are
// validated against an embedded JSON Schema before they are decoded, so the
// simulation core never sees an out-of-range value.
package scenario

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MaxPassengers = 132
	ExitCount     = 8

	// Allowed passenger mass range, kg.
	MassMin = 36
	MassMax = 140

	// Range used when a scenario leaves masses out.
	DefaultMassMin = 36
	DefaultMassMax = 100

	DefaultUpdateRate   = 60
	DefaultSurvivalTime = 100
)

var (
	ErrTooManyPassengers = errors.New("passenger count out of range")
	ErrMassCount         = errors.New("masses length does not match passenger count")
)

type Params struct {
	PassengerCount     int     `yaml:"passenger_count" json:"passenger_count"`
	SurvivalChance     float64 `yaml:"survival_chance" json:"survival_chance"`
	AccountForSurvival bool    `yaml:"account_for_survival" json:"account_for_survival"`
	GForce             float64 `yaml:"g_force" json:"g_force"`
	Masses             []int   `yaml:"masses" json:"masses"`
	WorkingExits       []bool  `yaml:"working_exits" json:"working_exits"`
	Communicate        bool    `yaml:"communicate" json:"communicate"`
	RenderPath         bool    `yaml:"render_path" json:"render_path"`
	// UpdateRate is the paced tick rate in Hz.
	UpdateRate int `yaml:"update_rate" json:"update_rate"`
	// SurvivalTime is the horizon in simulated seconds.
	SurvivalTime float64 `yaml:"survival_time" json:"survival_time"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

// ValidationError lists every problem found in a scenario. It unwraps to a
// sentinel when one of the problems has one.
type ValidationError struct {
	Problems []string
	err      error
}

func (e *ValidationError) Error() string {
	return "invalid scenario: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return e.err }

func (e *ValidationError) add(sentinel error, format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
	if e.err == nil && sentinel != nil {
		e.err = sentinel
	}
}

// Check runs the cross-field checks the schema cannot express.
func (p Params) Check() error {
	ve := &ValidationError{}
	if p.PassengerCount < 0 || p.PassengerCount > MaxPassengers {
		ve.add(ErrTooManyPassengers, "passenger_count %d not in [0,%d]", p.PassengerCount, MaxPassengers)
	}
	if len(p.Masses) != p.PassengerCount {
		ve.add(ErrMassCount, "masses has %d entries for %d passengers", len(p.Masses), p.PassengerCount)
	}
	for i, m := range p.Masses {
		if m < MassMin || m > MassMax {
			ve.add(nil, "masses[%d]=%d not in [%d,%d]", i, m, MassMin, MassMax)
			break
		}
	}
	if len(p.WorkingExits) != ExitCount {
		ve.add(nil, "working_exits has %d entries, want %d", len(p.WorkingExits), ExitCount)
	}
	if p.SurvivalChance < 0 || p.SurvivalChance > 100 {
		ve.add(nil, "survival_chance %.2f not in [0,100]", p.SurvivalChance)
	}
	if p.GForce < 0 {
		ve.add(nil, "g_force must be >= 0")
	}
	if p.UpdateRate <= 0 {
		ve.add(nil, "update_rate must be > 0")
	}
	if p.SurvivalTime <= 0 {
		ve.add(nil, "survival_time must be > 0")
	}
	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}

// Load reads a YAML scenario, validates it and fills the optional fields.
// Missing masses are drawn from the default range using the scenario seed.
func Load(path string) (Params, error) {
	var p Params
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	return Parse(raw)
}

// Parse is Load over an in-memory document.
func Parse(raw []byte) (Params, error) {
	var p Params
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return p, fmt.Errorf("scenario.yaml: %w", err)
	}
	if err := Validate(doc); err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("scenario.yaml: %w", err)
	}
	if p.UpdateRate == 0 {
		p.UpdateRate = DefaultUpdateRate
	}
	if len(p.Masses) == 0 && p.PassengerCount > 0 {
		p.Masses = RandomMasses(p.PassengerCount, DefaultMassMin, DefaultMassMax, rand.New(rand.NewSource(p.Seed)))
	}
	if err := p.Check(); err != nil {
		return p, err
	}
	return p, nil
}

// RandomMasses draws n uniform integer masses in [lo, hi].
func RandomMasses(n, lo, hi int, rng *rand.Rand) []int {
	if hi < lo {
		lo, hi = hi, lo
	}
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(hi-lo+1) + lo
	}
	return out
}

// Default is a full cabin with every exit working, crashing at 45 degrees and
// 246 m/s.
func Default(rng *rand.Rand) Params {
	masses := RandomMasses(MaxPassengers, DefaultMassMin, DefaultMassMax, rng)
	crash := DeriveCrash(45, 246, masses)
	exits := make([]bool, ExitCount)
	for i := range exits {
		exits[i] = true
	}
	return Params{
		PassengerCount:     MaxPassengers,
		SurvivalChance:     crash.SurvivalChance,
		AccountForSurvival: true,
		GForce:             crash.GForce,
		Masses:             masses,
		WorkingExits:       exits,
		Communicate:        true,
		UpdateRate:         DefaultUpdateRate,
		SurvivalTime:       DefaultSurvivalTime,
		Seed:               rng.Int63(),
	}
}
