package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lansync/internal/model"
)

// MsgType identifies the payload carried by a Message.
type MsgType string

const (
	MsgHello          MsgType = "hello"
	MsgHeartbeat      MsgType = "heartbeat"
	MsgOpPropose      MsgType = "opPropose"
	MsgOpAccept       MsgType = "opAccept"
	MsgOpBroadcast    MsgType = "opBroadcast"
	MsgCatchUpRequest MsgType = "catchUpRequest"
	MsgCatchUpBatch   MsgType = "catchUpBatch"
	MsgSnapshot       MsgType = "snapshot"
	MsgHostClaim      MsgType = "hostClaim"
	MsgHostHandover   MsgType = "hostHandover"
	MsgError          MsgType = "error"
)

var knownTypes = map[MsgType]bool{
	MsgHello:          true,
	MsgHeartbeat:      true,
	MsgOpPropose:      true,
	MsgOpAccept:       true,
	MsgOpBroadcast:    true,
	MsgCatchUpRequest: true,
	MsgCatchUpBatch:   true,
	MsgSnapshot:       true,
	MsgHostClaim:      true,
	MsgHostHandover:   true,
	MsgError:          true,
}

// Known reports whether t is part of the protocol.
func (t MsgType) Known() bool {
	return knownTypes[t]
}

// Message is the frame body envelope.
type Message struct {
	Type    MsgType `json:"type"`
	Payload []byte  `json:"payload,omitempty"`
}

// NewMessage builds a Message whose payload is the JSON encoding of v.
// A nil v produces a bare notification.
func NewMessage(t MsgType, v any) (Message, error) {
	if v == nil {
		return Message{Type: t}, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: payload}, nil
}

// Unmarshal decodes the payload into v. A missing payload is a protocol error.
func (m Message) Unmarshal(v any) error {
	if len(m.Payload) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("%s: missing payload", m.Type)}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s: malformed payload", m.Type), Err: err}
	}
	return nil
}

// HelloMsg is the first message a replica sends after connecting.
type HelloMsg struct {
	SessionID       string `json:"sessionID"`
	DeviceID        string `json:"deviceID"`
	EpochSeen       uint64 `json:"epochSeen"`
	UserDisplayName string `json:"userDisplayName"`
}

// HeartbeatMsg is emitted by the host on a fixed interval and carries its
// authority and progress state.
type HeartbeatMsg struct {
	SessionID string    `json:"sessionID"`
	Epoch     uint64    `json:"epoch"`
	HostID    string    `json:"hostID"`
	LatestSeq uint64    `json:"latestSeq"`
	Time      time.Time `json:"time"`
}

// CatchUpRequest asks the host for ops with seq greater than FromSeq.
// Limit of zero means the host default.
type CatchUpRequest struct {
	FromSeq uint64 `json:"fromSeq"`
	Limit   int    `json:"limit,omitempty"`
}

// CatchUpBatch answers a CatchUpRequest with one page of ops.
type CatchUpBatch struct {
	Epoch     uint64     `json:"epoch"`
	Ops       []model.Op `json:"ops"`
	LatestSeq uint64     `json:"latestSeq"`
}

// HostClaimMsg is sent by a device taking over hostship to the outgoing host.
type HostClaimMsg struct {
	CandidateHostID string `json:"candidateHostID"`
	NewEpoch        uint64 `json:"newEpoch"`
}

// HostHandoverMsg announces a new host and epoch to every replica.
type HostHandoverMsg struct {
	NewHostID string `json:"newHostID"`
	NewEpoch  uint64 `json:"newEpoch"`
}

// Error codes carried in ErrorMsg.
const (
	CodeNotHost    = "not_host"
	CodeStorage    = "storage"
	CodeBadRequest = "bad_request"
)

// ErrorMsg reports a rejected request back to the sender.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
