package observerproto

import (
	"evacsim.ai/internal/protocol"
	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/geom"
)

// Version is the observer protocol version.
const Version = protocol.Version

// Client -> Server. First message on the frame stream, and can be re-sent to
// update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryNTicks thins the stream to one frame per N ticks. 0 and 1 send all.
	EveryNTicks int `json:"every_n_ticks,omitempty"`
	// Paths asks for each agent's remaining path when the run renders them.
	Paths bool `json:"paths,omitempty"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	RunID           string       `json:"run_id"`
	Tick            uint64       `json:"tick"`
	CabinParams     CabinParams  `json:"cabin_params"`
	Window          Window       `json:"window"`
	Seats           []geom.Vec2i `json:"seats"`
	Exits           []ExitInfo   `json:"exits"`
	Raster          Raster       `json:"raster"`
}

// Raster is the cabin template, one marker per world unit starting at Origin.
// Markers: 0 free, 1 obstacle, 2 seat, 3 exit.
type Raster struct {
	Origin   geom.Vec2i `json:"origin"`
	W        int        `json:"w"`
	H        int        `json:"h"`
	Encoding string     `json:"encoding"`
	Data     string     `json:"data"`
}

type CabinParams struct {
	TicksPerSecond int     `json:"ticks_per_second"`
	UpdateRate     int     `json:"update_rate"`
	TileSize       int     `json:"tile_size"`
	AgentBox       int     `json:"agent_box"`
	Passengers     int     `json:"passengers"`
	SurvivalTime   float64 `json:"survival_time"`
	Seed           int64   `json:"seed"`
}

type Window struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

type ExitInfo struct {
	ID          int  `json:"id"`
	X           int  `json:"x"`
	Y           int  `json:"y"`
	Functioning bool `json:"functioning"`
}

// Server -> Client. Sent every tick (or every N ticks).
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	cabin.Frame
}

// Server -> Client. Sent once when the run ends, then the stream closes.
type StatsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	cabin.Stats
}
