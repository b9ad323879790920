package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeBootstrap = "BOOTSTRAP"
	TypeFrame     = "FRAME"
	TypeStats     = "STATS"
	TypeError     = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// ErrorMsg is sent before the server closes a stream, and as the body of
// failed HTTP requests.
type ErrorMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Problems        []string `json:"problems,omitempty"`
}
