// Package protocol defines the typed message envelope exchanged between the
// coordinator and worker processes, and its serialization contract. Every
// message round-trips through Marshal -> Unmarshal without loss; malformed
// payloads fail with a protocol error the receiver logs and discards.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rxtech-lab/argo-orchestrator/internal/types"
)

// MessageType is the message family of an envelope.
type MessageType string

const (
	// MessageTypeData carries market events, one-to-many over the broadcast channel.
	MessageTypeData MessageType = "DATA"
	// MessageTypeControl carries a verb plus correlation id, one-to-one request/reply.
	MessageTypeControl MessageType = "CONTROL"
	// MessageTypeControlReply is the worker's reply to a control request.
	MessageTypeControlReply MessageType = "CONTROL_REPLY"
	// MessageTypeStatus flows many-to-one from workers to the supervisor.
	MessageTypeStatus MessageType = "STATUS"
)

// ControlVerb is the command carried by a control message.
type ControlVerb string

const (
	VerbStart  ControlVerb = "START"
	VerbStop   ControlVerb = "STOP"
	VerbPause  ControlVerb = "PAUSE"
	VerbResume ControlVerb = "RESUME"
	VerbReload ControlVerb = "RELOAD"
)

// StatusKind is the kind of a status message.
type StatusKind string

const (
	StatusHeartbeat StatusKind = "HEARTBEAT"
	StatusUpdate    StatusKind = "STATUS_UPDATE"
	StatusError     StatusKind = "ERROR"
)

// Envelope is the wire message. It is immutable once constructed; producers
// build it through the constructors below and consumers only read it.
type Envelope struct {
	Type          MessageType     `json:"type"`
	WorkerID      string          `json:"worker_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
}

// MarketDataPayload is the payload of a DATA message.
type MarketDataPayload struct {
	Data types.MarketData `json:"data"`
}

// ControlPayload is the payload of a CONTROL request.
type ControlPayload struct {
	Verb        ControlVerb       `json:"verb"`
	StrategyRef string            `json:"strategy_ref,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// ControlReplyPayload is the payload of a CONTROL_REPLY message.
type ControlReplyPayload struct {
	OK    bool              `json:"ok"`
	State types.WorkerState `json:"state"`
	Error string            `json:"error,omitempty"`
}

// StatusPayload is the payload of a STATUS message.
type StatusPayload struct {
	Kind   StatusKind        `json:"kind"`
	State  types.WorkerState `json:"state"`
	Detail string            `json:"detail,omitempty"`
}

// NewCorrelationID returns a fresh correlation id for pairing a control
// request with its reply.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewDataMessage builds a DATA envelope for the given market event. WorkerID
// is left empty: broadcast data is addressed by subscription, not identity.
func NewDataMessage(data types.MarketData) (Envelope, error) {
	return newEnvelope(MessageTypeData, "", "", MarketDataPayload{Data: data})
}

// NewControlRequest builds a CONTROL envelope addressed to one worker, with a
// fresh correlation id.
func NewControlRequest(workerID string, verb ControlVerb, strategyRef string, config map[string]string) (Envelope, error) {
	return newEnvelope(MessageTypeControl, workerID, NewCorrelationID(), ControlPayload{
		Verb:        verb,
		StrategyRef: strategyRef,
		Config:      config,
	})
}

// NewControlReply builds the reply to a control request, reusing its
// correlation id.
func NewControlReply(request Envelope, ok bool, state types.WorkerState, errDetail string) (Envelope, error) {
	return newEnvelope(MessageTypeControlReply, request.WorkerID, request.CorrelationID, ControlReplyPayload{
		OK:    ok,
		State: state,
		Error: errDetail,
	})
}

// NewHeartbeat builds a HEARTBEAT status envelope.
func NewHeartbeat(workerID string, state types.WorkerState) (Envelope, error) {
	return newEnvelope(MessageTypeStatus, workerID, "", StatusPayload{
		Kind:  StatusHeartbeat,
		State: state,
	})
}

// NewStatusUpdate builds a STATUS_UPDATE envelope.
func NewStatusUpdate(workerID string, state types.WorkerState, detail string) (Envelope, error) {
	return newEnvelope(MessageTypeStatus, workerID, "", StatusPayload{
		Kind:   StatusUpdate,
		State:  state,
		Detail: detail,
	})
}

// NewErrorStatus builds an ERROR status envelope.
func NewErrorStatus(workerID string, state types.WorkerState, detail string) (Envelope, error) {
	return newEnvelope(MessageTypeStatus, workerID, "", StatusPayload{
		Kind:   StatusError,
		State:  state,
		Detail: detail,
	})
}

func newEnvelope(msgType MessageType, workerID, correlationID string, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Type:          msgType,
		WorkerID:      workerID,
		CorrelationID: correlationID,
		Payload:       raw,
		Timestamp:     time.Now().UnixMilli(),
	}, nil
}
