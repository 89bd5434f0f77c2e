package gateway

import (
	"encoding/json"

	"maestro/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// FrameTypeTurn is a client frame carrying one TurnRequest.
	FrameTypeTurn FrameType = "turn"
	// FrameTypeEvent is a server frame carrying one TurnEvent.
	FrameTypeEvent FrameType = "event"
	// FrameTypeError is a server frame for protocol-level failures (bad
	// frame, bad payload) that never reached the turn pipeline.
	FrameTypeError FrameType = "error"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"` // turn correlation ID, echoed on events
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// eventFrame wraps a TurnEvent into an event frame for the given turn ID.
func eventFrame(id uint64, ev domain.TurnEvent) (Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, ID: id, Payload: payload}, nil
}
