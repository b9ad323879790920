package protocol

import (
	"errors"

	"evacsim.ai/internal/sim/cabin"
	"evacsim.ai/internal/sim/scenario"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Run setup.
	ErrBadScenario    = "E_BAD_SCENARIO"
	ErrLayoutMismatch = "E_LAYOUT_MISMATCH"

	// Run state.
	ErrRunNotFound = "E_RUN_NOT_FOUND"
	ErrRunFinished = "E_RUN_FINISHED"
	ErrDenied      = "E_DENIED"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadScenario:     {},
	ErrLayoutMismatch:  {},
	ErrRunNotFound:     {},
	ErrRunFinished:     {},
	ErrDenied:          {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// NewError maps an error from run setup to a wire error.
func NewError(err error) ErrorMsg {
	m := ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: ErrInternal, Message: err.Error()}
	var ve *scenario.ValidationError
	switch {
	case errors.As(err, &ve):
		m.Code = ErrBadScenario
		m.Problems = ve.Problems
	case errors.Is(err, scenario.ErrTooManyPassengers), errors.Is(err, scenario.ErrMassCount):
		m.Code = ErrBadScenario
	case errors.Is(err, cabin.ErrLayout):
		m.Code = ErrLayoutMismatch
	}
	return m
}
