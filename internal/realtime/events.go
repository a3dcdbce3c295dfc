// Package realtime publishes ordered, idempotent event envelopes: the
// outbox publisher drains committed events to a broker, and the websocket
// hub delivers them to room subscribers.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/marcus-qen/llmctl/internal/store"
)

// Event types follow domain:entity:action.
const (
	EventRunQueued    = "flowchart:run:queued"
	EventRunStarted   = "flowchart:run:started"
	EventRunSucceeded = "flowchart:run:succeeded"
	EventRunFailed    = "flowchart:run:failed"
	EventRunCanceled  = "flowchart:run:canceled"
	EventRunStopping  = "flowchart:run:stopping"
	EventRunStopped   = "flowchart:run:stopped"

	EventNodeActivated         = "flowchart:node:activated"
	EventNodeStarted           = "flowchart:node:started"
	EventNodeDispatchConfirmed = "flowchart:node:dispatch_confirmed"
	EventNodeSucceeded         = "flowchart:node:succeeded"
	EventNodeFailed            = "flowchart:node:failed"
	EventNodeCanceled          = "flowchart:node:canceled"

	EventArtifactPersisted = "flowchart:node_artifact:persisted"

	EventSettingsUpdated = "settings:executor:updated"
)

// Stream and room keys share the same shape; a client subscribed to room
// "run:<id>" receives every envelope whose room_keys include it.
func RunStream(runID string) string   { return "run:" + runID }
func NodeStream(nodeID string) string { return "node:" + nodeID }
func ThreadStream(id string) string   { return "thread:" + id }

// Envelope is the wire form of a published event.
type Envelope struct {
	EventID         string          `json:"event_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SequenceStream  string          `json:"sequence_stream"`
	Sequence        int64           `json:"sequence"`
	EventType       string          `json:"event_type"`
	EntityKind      string          `json:"entity_kind"`
	EntityID        string          `json:"entity_id"`
	RoomKeys        []string        `json:"room_keys"`
	Payload         json.RawMessage `json:"payload"`
	ContractVersion string          `json:"contract_version"`
	EmittedAt       time.Time       `json:"emitted_at"`
	Signature       string          `json:"signature,omitempty"`
}

// FromOutbox converts a staged outbox row to its wire envelope.
func FromOutbox(ev store.OutboxEvent) Envelope {
	return Envelope{
		EventID:         ev.EventID,
		IdempotencyKey:  ev.IdempotencyKey,
		SequenceStream:  ev.SequenceStream,
		Sequence:        ev.Sequence,
		EventType:       ev.EventType,
		EntityKind:      ev.EntityKind,
		EntityID:        ev.EntityID,
		RoomKeys:        ev.RoomKeys,
		Payload:         ev.Payload,
		ContractVersion: ev.ContractVersion,
		EmittedAt:       ev.EmittedAt,
	}
}

// RunDraft stages one run-scoped event on the run's stream and room.
func RunDraft(eventType, runID string, payload any) store.EventDraft {
	return store.EventDraft{
		EventType:      eventType,
		EntityKind:     "flowchart_run",
		EntityID:       runID,
		SequenceStream: RunStream(runID),
		RoomKeys:       []string{RunStream(runID)},
		Payload:        marshalPayload(payload),
	}
}

// NodeDraft stages one node-scoped event. It is published on the owning
// run's stream so subscribers observe node transitions in run order, and
// carries both run and node room keys.
func NodeDraft(eventType, runID, runNodeID string, payload any) store.EventDraft {
	return store.EventDraft{
		EventType:      eventType,
		EntityKind:     "flowchart_run_node",
		EntityID:       runNodeID,
		SequenceStream: RunStream(runID),
		RoomKeys:       []string{RunStream(runID), NodeStream(runNodeID)},
		Payload:        marshalPayload(payload),
	}
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
