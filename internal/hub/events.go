package hub

import "encoding/json"

// Envelope is the wire frame for every inbound and outbound event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events. Outbound names live with the engine that emits them.
const (
	EventHeartbeat             = "heartbeat"
	EventCallInitiate          = "call:initiate"
	EventCallAnswer            = "call:answer"
	EventCallReject            = "call:reject"
	EventCallEnd               = "call:end"
	EventCallICECandidate      = "call:ice-candidate"
	EventCallQualityUpdate     = "call:quality-update"
	EventCallICERestart        = "call:ice-restart"
	EventStatusUpdate          = "status_update"
	EventGhostEntered          = "ghost-mode-entered"
	EventGhostExited           = "ghost-mode-exited"
	EventTimerActivated        = "timer-mode-activated"
	EventTimerDeactivated      = "timer-mode-deactivated"
	EventContinuousActivated   = "continuous-timer-activated"
	EventContinuousDeactivated = "continuous-timer-deactivated"
)

// Outbound events owned by the hub itself.
const (
	EventHeartbeatAck    = "heartbeat-ack"
	EventError           = "error"
	EventSessionReplaced = "session-replaced"
)

type InitiatePayload struct {
	Receiver string          `json:"receiver"`
	Type     string          `json:"type"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type AnswerPayload struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type CallIDPayload struct {
	CallID string `json:"callId"`
}

type CallSignalPayload struct {
	CallID string          `json:"callId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type EphemeralPayload struct {
	Peer         string `json:"peer"`
	DurationSecs int    `json:"durationSecs,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
