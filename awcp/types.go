// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package awcp implements the Agent Workspace Collaboration Protocol:
// the two coordinated state machines (Delegator, Executor), the
// persistent delegation record, the Executor-to-Delegator event
// stream, the admission controller, the snapshot reconciliation
// pipeline, the workspace lifecycle, and the pluggable transport
// contract that together let one agent hand a bounded slice of its
// filesystem to another agent for a task and get the modified state
// back.
//
// The task runner and concrete transport backings (ZIP codec,
// SSH/FUSE mount, object storage, Git remote) are external
// collaborators; this package defines their interfaces (TaskRunner,
// DelegatorTransport, ExecutorTransport) plus ShellTaskRunner, a small
// reference TaskRunner.
package awcp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire version every INVITE/ACCEPT/START/ERROR
// message carries. A mismatched version is rejected with DECLINED.
const ProtocolVersion = "1"

// NewDelegationID returns a new opaque delegation identifier, unique
// per Delegator.
func NewDelegationID() string { return "dlg_" + uuid.NewString() }

// NewSnapshotID returns a new opaque snapshot identifier, unique
// within a delegation.
func NewSnapshotID() string { return "snap_" + uuid.NewString() }

// AccessMode bounds what an Executor may do with a resource's bytes.
type AccessMode string

const (
	AccessReadOnly  AccessMode = "ro"
	AccessReadWrite AccessMode = "rw"
)

// SnapshotPolicy governs what the Delegator does when it receives a
// snapshot event. It only governs the reception side — the Executor
// always captures and emits whatever its transport adapter produces.
type SnapshotPolicy string

const (
	// SnapshotAuto applies every received snapshot immediately.
	SnapshotAuto SnapshotPolicy = "auto"
	// SnapshotStaged persists snapshots for explicit review and apply.
	SnapshotStaged SnapshotPolicy = "staged"
	// SnapshotDiscard records metadata only; payloads are dropped.
	SnapshotDiscard SnapshotPolicy = "discard"
)

// State is a Delegation's position in the Delegator-side state
// machine (§4.8 of the protocol spec):
//
//	created → invited → accepted → started → running →
//	    (completed | error | cancelled | expired)
type State string

const (
	StateCreated   State = "created"
	StateInvited   State = "invited"
	StateAccepted  State = "accepted"
	StateStarted   State = "started"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether state is one from which no further
// transition occurs.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Task is the opaque unit of work passed through to the TaskRunner.
// The protocol never inspects Description or Prompt.
type Task struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// Resource is a named piece of the delegated environment: a
// filesystem subtree, its access mode, and glob-based selection
// rules. Name must be unique within a Delegation's environment.
//
// Invariant: a resource with Mode == AccessReadOnly never appears in
// an applied snapshot's delta — the Delegator-side apply path filters
// it out before calling the transport adapter.
type Resource struct {
	Name    string     `json:"name"`
	Type    string     `json:"type"` // e.g. "fs"; interpretation owned by the adapter
	Source  string     `json:"source"`
	Mode    AccessMode `json:"mode"`
	Include []string   `json:"include,omitempty"`
	Exclude []string   `json:"exclude,omitempty"`
}

// Lease bounds a delegation's lifetime and permissions.
type LeaseRequest struct {
	TTLSeconds int        `json:"ttlSeconds"`
	AccessMode AccessMode `json:"accessMode"`
}

// LeaseActive is set when START is issued: an absolute expiry time
// and the (possibly downgraded) access mode the Executor accepted.
type LeaseActive struct {
	ExpiresAt  time.Time  `json:"expiresAt"`
	AccessMode AccessMode `json:"accessMode"`
}

// Snapshot is the post-execution state of the Executor's work path,
// conveyed back to the Delegator.
//
// Invariant: at most one Snapshot per Delegation has Status ==
// SnapshotApplied.
type Snapshot struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary"`
	Highlights  []string       `json:"highlights,omitempty"`
	Recommended bool           `json:"recommended,omitempty"`
	Status      SnapshotStatus `json:"status"`
	LocalPath   string         `json:"localPath,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	AppliedAt   *time.Time     `json:"appliedAt,omitempty"`
}

// SnapshotStatus is a Snapshot's disposition under the delegation's
// SnapshotPolicy.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotApplied   SnapshotStatus = "applied"
	SnapshotDiscarded SnapshotStatus = "discarded"
)

// Result is recorded on a Delegation that reaches StateCompleted.
type Result struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Delegation is the durable record of one end-to-end unit of work,
// owned by the Delegator and mirrored in a lighter form on the
// Executor (see pendingDelegation, activeDelegation and
// completionRecord in executor_engine.go).
//
// Invariant: State.Terminal() implies exactly one of Result, Error is
// set, and LeaseActive.ExpiresAt (if set) is frozen — no further
// timer fires after a terminal transition.
type Delegation struct {
	ID      string `json:"id"`
	PeerURL string `json:"peerUrl"`
	Task    Task   `json:"task"`

	Environment []Resource `json:"environment"`

	LeaseRequested LeaseRequest `json:"leaseRequested"`
	LeaseActive    *LeaseActive `json:"leaseActive,omitempty"`

	SnapshotPolicy SnapshotPolicy `json:"snapshotPolicy"`

	State State `json:"state"`

	// ExportPath is the Delegator-local materialized tree. Deleted on
	// release.
	ExportPath string `json:"exportPath,omitempty"`

	// TransportHandle is the opaque per-transport object returned by
	// Transport.Prepare. It is sealed (age-encrypted) at rest by the
	// Delegation Store whenever the store is configured with a
	// sealing recipient — see store.go.
	TransportHandle json.RawMessage `json:"transportHandle,omitempty"`

	// Admission is the Admission Controller's accounting for this
	// delegation's materialized environment. Always set once Create
	// succeeds; a failing admission check never reaches this point —
	// the half-built export is rolled back and no Delegation is
	// persisted.
	Admission *AdmissionResult `json:"admission,omitempty"`

	Snapshots         []Snapshot `json:"snapshots,omitempty"`
	AppliedSnapshotID string     `json:"appliedSnapshotId,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResourceByName returns the resource with the given name, or nil.
func (d *Delegation) ResourceByName(name string) *Resource {
	for i := range d.Environment {
		if d.Environment[i].Name == name {
			return &d.Environment[i]
		}
	}
	return nil
}

// WritableResources returns the subset of the environment with
// AccessReadWrite mode — the only resources a snapshot apply may
// touch.
func (d *Delegation) WritableResources() []Resource {
	var writable []Resource
	for _, resource := range d.Environment {
		if resource.Mode == AccessReadWrite {
			writable = append(writable, resource)
		}
	}
	return writable
}

// SnapshotByID returns the snapshot with the given id, or nil.
func (d *Delegation) SnapshotByID(id string) *Snapshot {
	for i := range d.Snapshots {
		if d.Snapshots[i].ID == id {
			return &d.Snapshots[i]
		}
	}
	return nil
}
