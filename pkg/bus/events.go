// Package bus implements the in-process event bus the engine publishes
// its lifecycle events on, plus the host that starts and stops the
// frontends subscribed to it. Delivery is serialized per subscriber so
// each observer sees events in publication order.
package bus

import (
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

// Kind is one of the event kinds published on the bus.
type Kind string

const (
	KindRunStarted          Kind = "RunStarted"
	KindRunCompleted        Kind = "RunCompleted"
	KindShutdown            Kind = "Shutdown"
	KindCheckStarted        Kind = "CheckStarted"
	KindCheckCompleted      Kind = "CheckCompleted"
	KindCheckErrored        Kind = "CheckErrored"
	KindStateTransition     Kind = "StateTransition"
	KindHumanInputRequested Kind = "HumanInputRequested"
)

// Envelope is the wire-level event shape, serialized verbatim by the
// NDJSON sink.
type Envelope struct {
	ID      string    `json:"id"`
	Ts      time.Time `json:"ts"`
	RunID   string    `json:"runId"`
	Kind    Kind      `json:"kind"`
	Payload any       `json:"payload"`
}

// CheckStartedPayload is CheckStarted's payload.
type CheckStartedPayload struct {
	CheckID     string `json:"checkId"`
	Iteration   int    `json:"iteration"`
	InputDigest string `json:"inputDigest"`
}

// CheckCompletedPayload is CheckCompleted's payload.
type CheckCompletedPayload struct {
	CheckID    string `json:"checkId"`
	Iteration  int    `json:"iteration"`
	Output     any    `json:"output,omitempty"`
	Content    string `json:"content,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// CheckErroredPayload is CheckErrored's payload.
type CheckErroredPayload struct {
	CheckID   string `json:"checkId"`
	Iteration int    `json:"iteration"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind"`
}

// StateTransitionPayload is StateTransition's payload.
type StateTransitionPayload struct {
	CheckID string                 `json:"checkId"`
	To      visor.IterationStatus `json:"to"`
}

// HumanInputRequestedPayload is HumanInputRequested's payload.
type HumanInputRequestedPayload struct {
	CheckID     string `json:"checkId"`
	Prompt      string `json:"prompt"`
	Placeholder string `json:"placeholder,omitempty"`
	Multiline   bool   `json:"multiline,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
	Default     string `json:"default,omitempty"`
	AllowEmpty  bool   `json:"allowEmpty,omitempty"`
}
