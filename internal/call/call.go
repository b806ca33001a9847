package call

import "encoding/json"

type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool {
	return t == TypeVoice || t == TypeVideo
}

type State string

const (
	StateRinging   State = "RINGING"
	StateConnected State = "CONNECTED"
	StateEnded     State = "ENDED"
	StateRejected  State = "REJECTED"
	StateMissed    State = "MISSED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateMissed, StateFailed:
		return true
	}
	return false
}

// Outbound call events.
const (
	EventIncoming     = "call:incoming"
	EventRinging      = "call:ringing"
	EventAnswered     = "call:answered"
	EventConnected    = "call:connected"
	EventRejected     = "call:rejected"
	EventEnded        = "call:ended"
	EventBusy         = "call:busy"
	EventFailed       = "call:failed"
	EventTimeout      = "call:timeout"
	EventICECandidate = "call:ice-candidate"
	EventQuality      = "call:quality-update"
	EventICERestart   = "call:ice-restart"
)

const ReasonReceiverOffline = "receiver offline"

type IncomingPayload struct {
	CallID string          `json:"callId"`
	Caller string          `json:"caller"`
	Type   Type            `json:"type"`
	Offer  json.RawMessage `json:"offer,omitempty"`
}

type RingingPayload struct {
	CallID   string `json:"callId"`
	Receiver string `json:"receiver"`
}

type AnsweredPayload struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type ConnectedPayload struct {
	CallID string `json:"callId"`
}

type RejectedPayload struct {
	CallID string `json:"callId"`
}

type EndedPayload struct {
	CallID       string `json:"callId"`
	Reason       string `json:"reason"`
	DurationSecs int    `json:"durationSecs"`
}

type BusyPayload struct {
	Receiver string `json:"receiver"`
}

type FailedPayload struct {
	CallID string `json:"callId,omitempty"`
	Reason string `json:"reason"`
}

type TimeoutPayload struct {
	CallID string `json:"callId"`
}

// RelayPayload carries ICE candidates, quality metrics and restart offers
// between the two parties unmodified.
type RelayPayload struct {
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	Data   json.RawMessage `json:"data,omitempty"`
}
