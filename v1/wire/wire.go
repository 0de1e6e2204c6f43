// Package wire defines the messages exchanged between warden nodes and the
// topics they travel on.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-warden/v1/device"
)

const (
	// TopicCalls carries CallRequest envelopes to the authority.
	TopicCalls = "warden.calls"
	// TopicLocks carries binary LockBatchRequest packets to the authority.
	TopicLocks = "warden.locks"
	// TopicPeers carries LockBatchBroadcast envelopes to every node.
	TopicPeers = "warden.peers"
	// TopicPresence carries client heartbeats to the authority.
	TopicPresence = "warden.presence"
)

// NodeTopic returns the direct topic of a node.
func NodeTopic(id int32) string {
	return fmt.Sprintf("warden.node.%d", id)
}

// Envelope kinds.
const (
	KindCall      = "call"
	KindResponse  = "response"
	KindBroadcast = "broadcast"
	KindNotice    = "notice"
	KindHeartbeat = "heartbeat"
	KindLeave     = "leave"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Kind    string          `json:"kind"`
	From    int32           `json:"from"`
	Exclude *int32          `json:"exclude,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// Seal encodes body into an envelope.
func Seal(kind string, from int32, exclude *int32, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, From: from, Exclude: exclude, Body: raw})
}

// Open decodes an envelope.
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}

// Skips reports whether node id must ignore the envelope.
func (e Envelope) Skips(id int32) bool {
	return e.Exclude != nil && *e.Exclude == id
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("wire: decode %s body: %w", e.Kind, err)
	}
	return nil
}

// CallRequest asks the authority to run a named endpoint.
type CallRequest struct {
	Endpoint      string          `json:"endpoint"`
	Args          json.RawMessage `json:"args"`
	CallerID      int32           `json:"caller"`
	CorrelationID int32           `json:"correlation"`
}

// CallResponse answers a CallRequest. Payload is the JSON encoded return
// value, or a JSON string describing the failure when Error is set.
type CallResponse struct {
	CorrelationID int32           `json:"correlation"`
	Error         bool            `json:"error"`
	Payload       json.RawMessage `json:"payload"`
}

// LockKind selects the direction of a LockBatchRequest.
type LockKind uint8

const (
	Lock LockKind = iota
	Unlock
)

func (k LockKind) String() string {
	if k == Unlock {
		return "unlock"
	}
	return "lock"
}

// LockBatchRequest forwards a batch to the authority.
type LockBatchRequest struct {
	Kind        LockKind          `json:"kind"`
	Entries     []device.Resource `json:"entries"`
	RequesterID int32             `json:"requester"`
	Context     string            `json:"context"`
}

// Batch converts the request to a device.Batch.
func (r LockBatchRequest) Batch() device.Batch {
	return device.Batch{Entries: r.Entries, Holder: r.RequesterID, Context: r.Context}
}

// FromBatch builds a request for b.
func FromBatch(kind LockKind, b device.Batch) LockBatchRequest {
	return LockBatchRequest{Kind: kind, Entries: b.Entries, RequesterID: b.Holder, Context: b.Context}
}

// Outcome is the result carried by a LockBatchBroadcast.
type Outcome uint8

const (
	Granted Outcome = iota
	Denied
)

func (o Outcome) String() string {
	if o == Denied {
		return "denied"
	}
	return "granted"
}

// LockBatchBroadcast tells peers the outcome of a batch.
type LockBatchBroadcast struct {
	Outcome     Outcome         `json:"outcome"`
	Primary     device.Resource `json:"primary"`
	RequesterID int32           `json:"requester"`
	Context     string          `json:"context"`
}

// Notice is a user visible message addressed to a node.
type Notice struct {
	Holder int32  `json:"holder"`
	Text   string `json:"text"`
}
