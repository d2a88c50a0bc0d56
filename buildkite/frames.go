package buildkite

// frames.go encodes outbound commands and decodes inbound ActionCable frames.

import (
	"encoding/json"
	"fmt"
)

// Outbound commands.
const (
	CommandSubscribe = "subscribe"
	CommandMessage   = "message"
)

// Actions carried in message payloads.
const (
	ActionRecordResults     = "record_results"
	ActionEndOfTransmission = "end_of_transmission"
)

// Inbound frame types.
const (
	frameTypePing                = "ping"
	frameTypeWelcome             = "welcome"
	frameTypeConfirmSubscription = "confirm_subscription"
	frameTypeRejectSubscription  = "reject_subscription"
)

// inboundFrame is one of pingFrame, welcomeFrame, confirmFrame, rejectFrame
// or unknownFrame.
type inboundFrame interface {
	frameType() string
}

type pingFrame struct{}

type welcomeFrame struct{}

type confirmFrame struct {
	identifier string
}

type rejectFrame struct {
	identifier string
}

// unknownFrame is anything else. Frames whose message carries a truthy
// confirm flag are acknowledgements and are not protocol violations.
type unknownFrame struct {
	typ     string
	confirm bool
}

func (pingFrame) frameType() string    { return frameTypePing }
func (welcomeFrame) frameType() string { return frameTypeWelcome }
func (confirmFrame) frameType() string { return frameTypeConfirmSubscription }
func (rejectFrame) frameType() string  { return frameTypeRejectSubscription }
func (f unknownFrame) frameType() string {
	return f.typ
}

type wireFrame struct {
	Type       string          `json:"type"`
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch w.Type {
	case frameTypePing:
		return pingFrame{}, nil
	case frameTypeWelcome:
		return welcomeFrame{}, nil
	case frameTypeConfirmSubscription:
		return confirmFrame{identifier: w.Identifier}, nil
	case frameTypeRejectSubscription:
		return rejectFrame{identifier: w.Identifier}, nil
	}
	return unknownFrame{typ: w.Type, confirm: hasConfirm(w.Message)}, nil
}

func hasConfirm(message json.RawMessage) bool {
	if len(message) == 0 {
		return false
	}
	var body struct {
		Confirm any `json:"confirm"`
	}
	// non-object messages carry no flag
	if err := json.Unmarshal(message, &body); err != nil {
		return false
	}
	return truthy(body.Confirm)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

// encodeCommand builds {...payload, command, identifier}. command and
// identifier always win over payload keys of the same name.
func encodeCommand(command, channel string, payload map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["command"] = command
	frame["identifier"] = channel
	return json.Marshal(frame)
}
