package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TicksPerSecond int `yaml:"ticks_per_second"`
	TileSize       int `yaml:"tile_size"`

	Agent AgentTuning `yaml:"agent"`
	Exit  ExitTuning  `yaml:"exit"`
}

type AgentTuning struct {
	BoxSize        int     `yaml:"box_size"`
	DeadlyGForce   float64 `yaml:"deadly_g_force"`
	MinSpeed       float64 `yaml:"min_speed"`
	BaseMass       float64 `yaml:"base_mass"`
	ResponseFactor float64 `yaml:"response_factor"`
	ResponseJitter int     `yaml:"response_jitter"`
	ShoutMin       int     `yaml:"shout_min"`
	ShoutMax       int     `yaml:"shout_max"`
	PushThroughMax int     `yaml:"push_through_max"`
}

type ExitTuning struct {
	BaseRadius   float64 `yaml:"base_radius"`
	RadiusGrowth int     `yaml:"radius_growth"`
	OpenDelayMin int     `yaml:"open_delay_min"`
	OpenDelayMax int     `yaml:"open_delay_max"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TicksPerSecond:  60,
		TileSize:        4,
		Agent: AgentTuning{
			BoxSize:        10,
			DeadlyGForce:   10.2,
			MinSpeed:       0.05,
			BaseMass:       68,
			ResponseFactor: 1.5,
			ResponseJitter: 5,
			ShoutMin:       10,
			ShoutMax:       20,
			PushThroughMax: 60,
		},
		Exit: ExitTuning{
			BaseRadius:   5,
			RadiusGrowth: 4,
			OpenDelayMin: 5,
			OpenDelayMax: 15,
		},
	}
}

// Load reads a tuning file over Defaults, so fields the file leaves out keep
// their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Check(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Check() error {
	switch {
	case t.TicksPerSecond <= 0:
		return fmt.Errorf("ticks_per_second must be > 0")
	case t.TileSize <= 0:
		return fmt.Errorf("tile_size must be > 0")
	case t.Agent.BoxSize <= 0:
		return fmt.Errorf("agent.box_size must be > 0")
	case t.Agent.DeadlyGForce <= 0 || t.Agent.BaseMass <= 0:
		return fmt.Errorf("agent.deadly_g_force and agent.base_mass must be > 0")
	case t.Agent.ResponseJitter < 0:
		return fmt.Errorf("agent.response_jitter must be >= 0")
	case t.Agent.ShoutMin < 0 || t.Agent.ShoutMin > t.Agent.ShoutMax:
		return fmt.Errorf("agent shout range [%d,%d] is invalid", t.Agent.ShoutMin, t.Agent.ShoutMax)
	case t.Agent.PushThroughMax <= 0:
		return fmt.Errorf("agent.push_through_max must be > 0")
	case t.Exit.BaseRadius < 0 || t.Exit.RadiusGrowth < 0:
		return fmt.Errorf("exit.base_radius and exit.radius_growth must be >= 0")
	case t.Exit.OpenDelayMin < 0 || t.Exit.OpenDelayMin > t.Exit.OpenDelayMax:
		return fmt.Errorf("exit open delay range [%d,%d] is invalid", t.Exit.OpenDelayMin, t.Exit.OpenDelayMax)
	}
	return nil
}
