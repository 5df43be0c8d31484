// Package protocol defines the control-channel message envelope exchanged
// between the master process and its workers: readiness, connection-closed
// notifications, metrics snapshots, shutdown, and reload. Every message is
// tagged with a send timestamp and serialized as compact JSON, framed by
// the internal/framing package on the descriptor channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the IPC message union.
type MessageType string

const (
	// MessageTypeWorkerReady names a worker-ready message. No component
	// sends it: a worker counts as ready once its control-channel
	// handshake with the master succeeds.
	MessageTypeWorkerReady MessageType = "worker_ready"
	// MessageTypeConnectionClosed is sent by a worker when a previously
	// handed-off connection has been closed, so the master can decrement
	// the worker's active count and notify the balancer.
	MessageTypeConnectionClosed MessageType = "connection_closed"
	// MessageTypeWorkerMetrics carries a worker's exported metrics map.
	MessageTypeWorkerMetrics MessageType = "worker_metrics"
	// MessageTypeShutdown instructs a worker to drain and exit.
	MessageTypeShutdown MessageType = "shutdown"
	// MessageTypeReload names a graceful-reload message. The master has
	// no reload path and never sends it.
	MessageTypeReload MessageType = "reload"
)

// Message is the envelope for every IPC message exchanged on a control
// channel. Payload is a discriminated union serialized per Type.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

// WorkerReadyPayload announces a worker is ready to receive hand-offs.
type WorkerReadyPayload struct {
	WorkerID int `json:"worker_id"`
}

// ConnectionClosedPayload announces a hand-off connection has closed.
type ConnectionClosedPayload struct {
	WorkerID     int    `json:"worker_id"`
	ConnectionID string `json:"connection_id"`
}

// WorkerMetricsPayload carries an arbitrary metrics map exported by a
// worker; the master merges it into its own exported stats.
type WorkerMetricsPayload struct {
	WorkerID int                    `json:"worker_id"`
	Metrics  map[string]interface{} `json:"metrics"`
}

// HandoffMetadata is the small JSON blob that accompanies a descriptor
// passed out-of-band from master to worker.
type HandoffMetadata struct {
	WorkerID     int     `json:"worker_id"`
	ConnectionID string  `json:"connection_id"`
	RemoteIP     string  `json:"remote_ip"`
	RemotePort   int     `json:"remote_port"`
	AcceptedAt   float64 `json:"accepted_at"`
}

// NewMessage wraps a payload with its message type envelope and the
// current send timestamp (epoch seconds, fractional).
func NewMessage(msgType MessageType, payload interface{}, sentAt float64) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data, Timestamp: sentAt}, nil
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes a Message envelope from JSON.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// DecodePayload unmarshals the message's payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
