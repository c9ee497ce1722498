// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"context"
	"encoding/json"
)

// DependencyStatus is returned by Transport.CheckDependency and gates
// INVITE acceptance before any workspace allocation happens.
type DependencyStatus struct {
	Available bool   `json:"available"`
	Hint      string `json:"hint,omitempty"`
}

// DelegatorTransport is the Delegator-side half of the pluggable
// transport contract. The engine never touches workspace bytes
// directly; every I/O step that moves or reconciles file content goes
// through an adapter that implements both halves of Transport for a
// given wire mechanism (inline archive, SSH/FUSE mount, object
// storage, Git remote).
//
// Adapters receive per-call values and never call back into the
// engine: the relationship is unidirectional, engine holds adapter.
type DelegatorTransport interface {
	// Initialize is idempotent and is called once at engine startup.
	Initialize(ctx context.Context) error

	// Prepare runs after ACCEPT. It materializes exportPath into
	// whatever the Executor needs to receive the work (an inline
	// archive, a mount descriptor, a pre-signed URL) and returns it
	// as an opaque handle carried in START.WorkDir. Fails with
	// SETUP_FAILED on transport errors. Must be safe to call twice
	// for the same delegationId; a second call may no-op and return
	// the cached handle.
	Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (json.RawMessage, error)

	// ApplySnapshot reconciles a received snapshot payload into the
	// writable resources of exportPath. Must be idempotent for the
	// same (delegationID, snapshotID) pair — callers key by
	// snapshotID so a replayed apply after SSE reconnect is a no-op.
	ApplySnapshot(ctx context.Context, delegationID, snapshotID string, payload json.RawMessage, writable []Resource, exportPath string) error

	// Release tears down any Delegator-side transport state held for
	// delegationID. Safe to call twice.
	Release(ctx context.Context, delegationID string) error
}

// ExecutorTransport is the Executor-side half of the transport
// contract.
type ExecutorTransport interface {
	// Initialize is idempotent and is called once at engine startup.
	Initialize(ctx context.Context) error

	// CheckDependency reports whether this adapter's runtime
	// prerequisites (a mount helper, network reachability to an
	// object store, credentials) are satisfied. Evaluated during
	// admission; an unavailable dependency yields ERROR DEP_MISSING
	// and the delegation is never allocated a work path.
	CheckDependency(ctx context.Context) (DependencyStatus, error)

	// Setup materializes the handle carried in START.WorkDir into
	// workPath, which the Workspace Manager has already allocated
	// and prepared empty. Must be safe to call twice for the same
	// delegationID.
	Setup(ctx context.Context, delegationID string, handle json.RawMessage, workPath string) error

	// CaptureSnapshot builds a snapshot payload from the current
	// state of workPath's writable resources. Returns a nil payload
	// (not an error) when the adapter determines there is nothing
	// worth capturing.
	CaptureSnapshot(ctx context.Context, delegationID, workPath string, writable []Resource) (json.RawMessage, error)

	// Release tears down any Executor-side transport state held for
	// delegationID. Safe to call twice.
	Release(ctx context.Context, delegationID string) error
}

// Capabilities advertises what an adapter pair supports so engines
// can make policy decisions (e.g. whether staged-snapshot review is
// meaningful) without type-switching on the adapter.
type Capabilities struct {
	SupportsSnapshots bool `json:"supportsSnapshots"`
	LiveSync          bool `json:"liveSync"`
}

// CapableTransport is implemented by adapters that want to advertise
// Capabilities. The engines in this package do not consult it: snapshot
// handling follows the delegation's SnapshotPolicy whatever an adapter
// advertises, and a LiveSync adapter is treated like any other.
type CapableTransport interface {
	Capabilities() Capabilities
}
