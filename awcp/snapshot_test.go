// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

type fakeDelegatorTransport struct {
	applyCalls int
	lastPayload json.RawMessage
}

func (f *fakeDelegatorTransport) Initialize(ctx context.Context) error { return nil }

func (f *fakeDelegatorTransport) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeDelegatorTransport) ApplySnapshot(ctx context.Context, delegationID, snapshotID string, payload json.RawMessage, writable []Resource, exportPath string) error {
	f.applyCalls++
	f.lastPayload = payload
	return nil
}

func (f *fakeDelegatorTransport) Release(ctx context.Context, delegationID string) error { return nil }

func newSnapshotTestDelegation() *Delegation {
	return &Delegation{
		ID:             "dlg_1",
		SnapshotPolicy: SnapshotStaged,
		Environment:    []Resource{{Name: "scratch", Mode: AccessReadWrite}},
	}
}

func TestSnapshotManagerReceiveDiscardPolicy(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()
	d.SnapshotPolicy = SnapshotDiscard

	transport := &fakeDelegatorTransport{}
	snap, err := m.Receive(context.Background(), d, transport, &SnapshotPayload{SnapshotID: "snap_1", Handle: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if snap.Status != SnapshotDiscarded {
		t.Fatalf("Receive() status = %q, want discarded", snap.Status)
	}
	if transport.applyCalls != 0 {
		t.Fatal("discard policy should never invoke transport.ApplySnapshot")
	}
}

func TestSnapshotManagerReceiveStagedThenApply(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()

	transport := &fakeDelegatorTransport{}
	snap, err := m.Receive(context.Background(), d, transport, &SnapshotPayload{SnapshotID: "snap_1", Handle: json.RawMessage(`{"archive":"data"}`)})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if snap.Status != SnapshotPending {
		t.Fatalf("Receive() status = %q, want pending for staged policy", snap.Status)
	}
	d.Snapshots = append(d.Snapshots, *snap)

	applied, err := m.Apply(context.Background(), d, transport, "snap_1")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if applied.Status != SnapshotApplied {
		t.Fatalf("Apply() status = %q, want applied", applied.Status)
	}
	if transport.applyCalls != 1 {
		t.Fatalf("transport.ApplySnapshot called %d times, want 1", transport.applyCalls)
	}
}

func TestSnapshotManagerReceiveAutoAppliesImmediately(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()
	d.SnapshotPolicy = SnapshotAuto

	transport := &fakeDelegatorTransport{}
	snap, err := m.Receive(context.Background(), d, transport, &SnapshotPayload{SnapshotID: "snap_1", Handle: json.RawMessage(`{"archive":"data"}`)})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if snap.Status != SnapshotApplied {
		t.Fatalf("Receive() status = %q, want applied for auto policy", snap.Status)
	}
	if transport.applyCalls != 1 {
		t.Fatalf("transport.ApplySnapshot called %d times, want 1", transport.applyCalls)
	}
}

func TestSnapshotManagerApplyRefusesSecondSnapshot(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()
	d.AppliedSnapshotID = "snap_1"

	transport := &fakeDelegatorTransport{}
	_, err := m.Apply(context.Background(), d, transport, "snap_2")
	if err == nil {
		t.Fatal("Apply() should refuse a second snapshot once one is already applied")
	}
}

func TestSnapshotManagerApplyIdempotentOnAlreadyApplied(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()
	d.AppliedSnapshotID = "snap_1"
	now := time.Now()
	d.Snapshots = []Snapshot{{ID: "snap_1", Status: SnapshotApplied, AppliedAt: &now}}

	transport := &fakeDelegatorTransport{}
	applied, err := m.Apply(context.Background(), d, transport, "snap_1")
	if err != nil {
		t.Fatalf("Apply() error = %v, want idempotent success", err)
	}
	if applied.Status != SnapshotApplied {
		t.Fatalf("Apply() status = %q, want applied", applied.Status)
	}
	if transport.applyCalls != 0 {
		t.Fatal("idempotent retry should not re-invoke transport.ApplySnapshot")
	}
}

func TestSnapshotManagerDiscardPendingOnly(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()

	transport := &fakeDelegatorTransport{}
	snap, err := m.Receive(context.Background(), d, transport, &SnapshotPayload{SnapshotID: "snap_1", Handle: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	d.Snapshots = append(d.Snapshots, *snap)

	if err := m.Discard(d, "snap_1"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	d.Snapshots[0].Status = SnapshotDiscarded
	if err := m.Discard(d, "snap_1"); err == nil {
		t.Fatal("Discard() on an already-discarded snapshot should fail")
	}
}

func TestSnapshotManagerDiscardUnknownSnapshot(t *testing.T) {
	m := NewSnapshotManager(clock.Fake(time.Now()), t.TempDir())
	d := newSnapshotTestDelegation()
	if err := m.Discard(d, "snap_missing"); err == nil {
		t.Fatal("Discard() on an unknown snapshot should fail")
	}
}
