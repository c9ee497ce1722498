// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the handshake messages exchanged on POST /.
type MessageType string

const (
	MessageInvite MessageType = "INVITE"
	MessageAccept MessageType = "ACCEPT"
	MessageStart  MessageType = "START"
	MessageError  MessageType = "ERROR"
)

// envelope is embedded in every handshake message so the dispatcher
// can read type and version before committing to a concrete struct.
type envelope struct {
	Version string      `json:"version"`
	Type    MessageType `json:"type"`
}

// EnvironmentSpec carries the delegated resource list inside an
// InviteMessage.
type EnvironmentSpec struct {
	Resources []Resource `json:"resources"`
}

// TransportSpec names the transport adapter INVITE was prepared
// under. Its fields beyond Type are adapter-specific and carried as
// raw JSON.
type TransportSpec struct {
	Type  string          `json:"type"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// InviteMessage is sent Delegator to Executor to open a delegation.
type InviteMessage struct {
	Version      string          `json:"version"`
	Type         MessageType     `json:"type"`
	DelegationID string          `json:"delegationId"`
	Task         Task            `json:"task"`
	Lease        LeaseRequest    `json:"lease"`
	Environment  EnvironmentSpec `json:"environment"`
	Transport    TransportSpec   `json:"transport"`
}

// NewInviteMessage builds an INVITE from a Delegation record.
func NewInviteMessage(d *Delegation, transportType string) *InviteMessage {
	return &InviteMessage{
		Version:      ProtocolVersion,
		Type:         MessageInvite,
		DelegationID: d.ID,
		Task:         d.Task,
		Lease:        d.LeaseRequested,
		Environment:  EnvironmentSpec{Resources: d.Environment},
		Transport:    TransportSpec{Type: transportType},
	}
}

// SandboxProfile is advertised by the Executor in ACCEPT so the
// Delegator can log or surface the constraints the task will run
// under. The engine does not enforce it; the Executor's own task
// runner and OS-level sandbox do.
type SandboxProfile struct {
	CWDOnly      bool `json:"cwdOnly"`
	AllowNetwork bool `json:"allowNetwork"`
	AllowExec    bool `json:"allowExec"`
}

// ExecutorConstraints is the Executor's counter-offer in ACCEPT: the
// access mode and TTL it is actually willing to grant, which may be
// more restrictive than what was requested.
type ExecutorConstraints struct {
	AcceptedAccessMode AccessMode     `json:"acceptedAccessMode"`
	MaxTTLSeconds      int            `json:"maxTtlSeconds"`
	SandboxProfile     SandboxProfile `json:"sandboxProfile"`
}

// AcceptMessage is the Executor's synchronous response to an admitted
// INVITE.
type AcceptMessage struct {
	Version             string              `json:"version"`
	Type                MessageType         `json:"type"`
	DelegationID        string              `json:"delegationId"`
	ExecutorWorkDir     ExecutorWorkDir     `json:"executorWorkDir"`
	ExecutorConstraints ExecutorConstraints `json:"executorConstraints"`
}

// ExecutorWorkDir reports where on the Executor the delegation's work
// path was allocated; advisory only, the Delegator never accesses it
// directly.
type ExecutorWorkDir struct {
	Path string `json:"path"`
}

// StartLease is the absolute-time lease carried in START, as opposed
// to the relative LeaseRequest carried in INVITE.
type StartLease struct {
	ExpiresAt  time.Time  `json:"expiresAt"`
	AccessMode AccessMode `json:"accessMode"`
}

// StartMessage carries the prepared transport handle to the Executor
// once the Delegator has accepted the Executor's constraints.
type StartMessage struct {
	Version      string          `json:"version"`
	Type         MessageType     `json:"type"`
	DelegationID string          `json:"delegationId"`
	Lease        StartLease      `json:"lease"`
	WorkDir      json.RawMessage `json:"workDir"`
}

// ErrorMessage is used both as a synchronous handshake rejection
// (INVITE → ERROR) and as a unilateral cancellation notice (Delegator
// → Executor, after START).
type ErrorMessage struct {
	Version      string      `json:"version"`
	Type         MessageType `json:"type"`
	DelegationID string      `json:"delegationId"`
	Code         Code        `json:"code"`
	Message      string      `json:"message"`
	Hint         string      `json:"hint,omitempty"`
}

// NewErrorMessage wraps a protocol *Error as a wire ErrorMessage.
func NewErrorMessage(delegationID string, err *Error) *ErrorMessage {
	return &ErrorMessage{
		Version:      ProtocolVersion,
		Type:         MessageError,
		DelegationID: delegationID,
		Code:         err.Code,
		Message:      err.Message,
		Hint:         err.Hint,
	}
}

// Err converts an ErrorMessage back into a protocol *Error.
func (m *ErrorMessage) Err() *Error {
	return &Error{Code: m.Code, Message: m.Message, Hint: m.Hint}
}

// AckMessage is the trivial acknowledgement returned for START and
// ERROR on POST /.
type AckMessage struct {
	OK bool `json:"ok"`
}

// DecodeHandshake inspects the type field of a POST / body and
// decodes it into the concrete message type, after checking the
// protocol version.
func DecodeHandshake(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding handshake envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, Declined(fmt.Sprintf("unsupported protocol version %q", env.Version))
	}
	switch env.Type {
	case MessageInvite:
		var msg InviteMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decoding INVITE: %w", err)
		}
		return &msg, nil
	case MessageStart:
		var msg StartMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decoding START: %w", err)
		}
		return &msg, nil
	case MessageError:
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decoding ERROR: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown handshake message type %q", env.Type)
	}
}

// EventType tags the SSE event stream emitted by the Executor.
type EventType string

const (
	EventStatus   EventType = "status"
	EventSnapshot EventType = "snapshot"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StatusPayload is an informational event; it may repeat any number
// of times before the terminal event.
type StatusPayload struct {
	Message  string `json:"message"`
	Substate string `json:"substate,omitempty"`
}

// SnapshotPayload carries a captured snapshot's metadata and, for the
// inline reference transport, its encoded archive. Always strictly
// before the terminal event that references its SnapshotID in
// DonePayload.SnapshotIDs.
type SnapshotPayload struct {
	SnapshotID  string          `json:"snapshotId"`
	Summary     string          `json:"summary"`
	Highlights  []string        `json:"highlights,omitempty"`
	Recommended bool            `json:"recommended,omitempty"`
	Handle      json.RawMessage `json:"handle"`
}

// DonePayload is the successful terminal event.
type DonePayload struct {
	Summary     string   `json:"summary"`
	Highlights  []string `json:"highlights,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	SnapshotIDs []string `json:"snapshotIds,omitempty"`
}

// Event is one item on a delegation's SSE stream. Exactly one of the
// typed payload fields is populated, selected by Type.
type Event struct {
	Type         EventType        `json:"type"`
	DelegationID string           `json:"delegationId"`
	Status       *StatusPayload   `json:"status,omitempty"`
	Snapshot     *SnapshotPayload `json:"snapshot,omitempty"`
	Done         *DonePayload     `json:"done,omitempty"`
	Error        *ErrorMessage    `json:"error,omitempty"`
	EmittedAt    time.Time        `json:"emittedAt"`
}

// Terminal reports whether this event ends the stream.
func (e *Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ResultStatus is the status field of the GET
// /tasks/{id}/result recovery response.
type ResultStatus string

const (
	ResultRunning       ResultStatus = "running"
	ResultCompleted     ResultStatus = "completed"
	ResultError         ResultStatus = "error"
	ResultNotFound      ResultStatus = "not_found"
	ResultNotApplicable ResultStatus = "not_applicable"
)

// ResultResponse is returned by GET /tasks/{id}/result, the
// post-SSE recovery path used after reconnect exhaustion.
type ResultResponse struct {
	Status          ResultStatus    `json:"status"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Highlights      []string        `json:"highlights,omitempty"`
	SnapshotPayload json.RawMessage `json:"snapshotPayload,omitempty"`
	Error           *ErrorMessage   `json:"error,omitempty"`
}
