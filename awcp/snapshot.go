// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// SnapshotManager dispatches received snapshot events per the
// delegation's SnapshotPolicy and mediates staged apply/discard.
//
// Invariant: at most one snapshot per delegation ever reaches
// SnapshotApplied. Reversion is out of scope — a second Apply call on
// a delegation that already has an applied snapshot is refused.
type SnapshotManager struct {
	clock clock.Clock
	root  string

	mu       sync.Mutex
	handlers map[string]json.RawMessage // snapshotID -> persisted payload
}

// NewSnapshotManager returns a manager that persists staged payloads
// under root (one file per snapshot id).
func NewSnapshotManager(c clock.Clock, root string) *SnapshotManager {
	return &SnapshotManager{clock: c, root: root, handlers: make(map[string]json.RawMessage)}
}

// Receive processes an incoming SnapshotPayload against d's policy.
// For SnapshotAuto it applies immediately via transport. For
// SnapshotStaged it persists the payload and returns a pending
// Snapshot record. For SnapshotDiscard it returns a discarded record
// carrying metadata only and drops the payload. Receive does not
// modify d; the caller adds the returned record to d.Snapshots.
func (m *SnapshotManager) Receive(ctx context.Context, d *Delegation, transport DelegatorTransport, payload *SnapshotPayload) (*Snapshot, error) {
	snapshot := Snapshot{
		ID:          payload.SnapshotID,
		Summary:     payload.Summary,
		Highlights:  payload.Highlights,
		Recommended: payload.Recommended,
		Status:      SnapshotPending,
		CreatedAt:   m.clock.Now(),
	}

	switch d.SnapshotPolicy {
	case SnapshotDiscard:
		snapshot.Status = SnapshotDiscarded
		return &snapshot, nil

	case SnapshotStaged:
		if err := m.persist(d.ID, payload.SnapshotID, payload.Handle); err != nil {
			return nil, err
		}
		snapshot.LocalPath = m.path(d.ID, payload.SnapshotID)
		return &snapshot, nil

	default: // SnapshotAuto
		if err := m.persist(d.ID, payload.SnapshotID, payload.Handle); err != nil {
			return nil, err
		}
		applied, err := m.Apply(ctx, d, transport, payload.SnapshotID)
		if err != nil {
			return nil, err
		}
		return applied, nil
	}
}

// Apply is legal only while snapshotID's status is SnapshotPending
// and the delegation has no other applied snapshot. It loads the
// persisted payload, invokes transport.ApplySnapshot against the
// delegation's writable resources, and marks the snapshot applied.
func (m *SnapshotManager) Apply(ctx context.Context, d *Delegation, transport DelegatorTransport, snapshotID string) (*Snapshot, error) {
	if d.AppliedSnapshotID != "" && d.AppliedSnapshotID != snapshotID {
		return nil, Declined(fmt.Sprintf("delegation %s already has an applied snapshot (%s); reversion is unsupported", d.ID, d.AppliedSnapshotID))
	}

	existing := d.SnapshotByID(snapshotID)
	if existing != nil && existing.Status == SnapshotApplied {
		// Idempotent retry of an already-applied snapshot.
		return existing, nil
	}
	if existing != nil && existing.Status != SnapshotPending {
		return nil, Declined(fmt.Sprintf("snapshot %s is not pending (status=%s)", snapshotID, existing.Status))
	}

	payload, err := m.load(d.ID, snapshotID)
	if err != nil {
		return nil, err
	}

	if err := transport.ApplySnapshot(ctx, d.ID, snapshotID, payload, d.WritableResources(), d.ExportPath); err != nil {
		return nil, fmt.Errorf("snapshot: applying %s: %w", snapshotID, err)
	}

	now := m.clock.Now()
	applied := Snapshot{
		ID:        snapshotID,
		Status:    SnapshotApplied,
		CreatedAt: now,
		AppliedAt: &now,
	}
	if existing != nil {
		applied.Summary = existing.Summary
		applied.Highlights = existing.Highlights
		applied.Recommended = existing.Recommended
		applied.CreatedAt = existing.CreatedAt
	}
	return &applied, nil
}

// Discard removes the persisted payload for snapshotID. Legal on a
// pending snapshot only. It returns only an error; the caller flips
// the snapshot's status to discarded.
func (m *SnapshotManager) Discard(d *Delegation, snapshotID string) error {
	existing := d.SnapshotByID(snapshotID)
	if existing == nil {
		return NotFound(fmt.Sprintf("no snapshot %s on delegation %s", snapshotID, d.ID))
	}
	if existing.Status != SnapshotPending {
		return Declined(fmt.Sprintf("snapshot %s is not pending (status=%s)", snapshotID, existing.Status))
	}
	if err := os.Remove(m.path(d.ID, snapshotID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: discarding %s: %w", snapshotID, err)
	}
	return nil
}

func (m *SnapshotManager) dir(delegationID string) string {
	return filepath.Join(m.root, delegationID)
}

func (m *SnapshotManager) path(delegationID, snapshotID string) string {
	return filepath.Join(m.dir(delegationID), snapshotID+".json")
}

func (m *SnapshotManager) persist(delegationID, snapshotID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir(delegationID), 0o700); err != nil {
		return fmt.Errorf("snapshot: creating directory: %w", err)
	}
	if err := os.WriteFile(m.path(delegationID, snapshotID), payload, 0o600); err != nil {
		return fmt.Errorf("snapshot: persisting %s: %w", snapshotID, err)
	}
	return nil
}

func (m *SnapshotManager) load(delegationID, snapshotID string) (json.RawMessage, error) {
	data, err := os.ReadFile(m.path(delegationID, snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot: loading %s: %w", snapshotID, err)
	}
	return json.RawMessage(data), nil
}

// SweepStale removes snapshot directories for delegations not present
// in liveIDs, reclaiming space left behind by a prior crash.
func (m *SnapshotManager) SweepStale(liveIDs map[string]struct{}) error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: listing %s: %w", m.root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, live := liveIDs[entry.Name()]; live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return fmt.Errorf("snapshot: sweeping %s: %w", entry.Name(), err)
		}
	}
	return nil
}
