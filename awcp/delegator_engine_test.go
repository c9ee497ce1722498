// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// fakePeerClient is a PeerClient whose responses are scripted per test.
type fakePeerClient struct {
	mu sync.Mutex

	handshakeResponses []*http.Response
	handshakeErr       error
	handshakeCalls     int

	subscribeResponse *http.Response
	subscribeErr      error

	fetchResult *ResultResponse
	fetchErr    error
}

func jsonResponse(status int, body any) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(string(data)))}
}

func sseResponse(lines string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(lines))}
}

func (f *fakePeerClient) Handshake(ctx context.Context, peerURL string, message any) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handshakeErr != nil {
		return nil, f.handshakeErr
	}
	idx := f.handshakeCalls
	f.handshakeCalls++
	if idx < len(f.handshakeResponses) {
		return f.handshakeResponses[idx], nil
	}
	return f.handshakeResponses[len(f.handshakeResponses)-1], nil
}

func (f *fakePeerClient) SubscribeEvents(ctx context.Context, peerURL, delegationID string) (*http.Response, error) {
	return f.subscribeResponse, f.subscribeErr
}

func (f *fakePeerClient) FetchResult(ctx context.Context, peerURL, delegationID string) (*ResultResponse, error) {
	return f.fetchResult, f.fetchErr
}

func newTestDelegatorEngine(t *testing.T, peer PeerClient) (*DelegatorEngine, *fakeDelegatorTransport) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	transport := &fakeDelegatorTransport{}
	materializer := NewMaterializer(clock.Fake(time.Now()), StrategyCopy)
	cfg := DelegatorConfig{
		ExportRoot:   t.TempDir(),
		SnapshotRoot: t.TempDir(),
		Connection:   ConnectionDefaults{RequestTimeoutSeconds: 5, SSEMaxRetries: 1, SSERetryDelayMs: 1},
	}
	engine := NewDelegatorEngine(cfg, clock.Fake(time.Now()), store, transport, materializer, peer, "inline")
	return engine, transport
}

func testCreateParams() CreateParams {
	return CreateParams{
		PeerURL: "http://executor.example/",
		Task:    Task{Description: "summarize", Prompt: "echo hi"},
		Lease:   LeaseRequest{TTLSeconds: 60, AccessMode: AccessReadWrite},
	}
}

func TestDelegatorEngineCreatePersistsRecord(t *testing.T) {
	engine, _ := newTestDelegatorEngine(t, &fakePeerClient{})
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if delegation.State != StateCreated {
		t.Errorf("State = %q, want created", delegation.State)
	}
	if delegation.Admission == nil {
		t.Fatal("Create() should attach an admission result to the delegation")
	}
	if engine.Get(delegation.ID) != delegation {
		t.Fatal("Get() after Create() should return the same in-memory record")
	}
}

func TestDelegatorEngineInviteAcceptSetsAcceptedState(t *testing.T) {
	accept := &AcceptMessage{
		DelegationID:        "dlg_1",
		ExecutorConstraints: ExecutorConstraints{AcceptedAccessMode: AccessReadWrite, MaxTTLSeconds: 30},
	}
	peer := &fakePeerClient{handshakeResponses: []*http.Response{jsonResponse(http.StatusOK, accept)}}
	engine, _ := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if protoErr := engine.Invite(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Invite() error = %v", protoErr)
	}
	if delegation.State != StateAccepted {
		t.Fatalf("State = %q, want accepted", delegation.State)
	}
	if delegation.LeaseRequested.TTLSeconds != 30 {
		t.Errorf("TTLSeconds = %d, want 30 (downgraded by ExecutorConstraints)", delegation.LeaseRequested.TTLSeconds)
	}
}

func TestDelegatorEngineInviteRejectedTransitionsToError(t *testing.T) {
	errMsg := NewErrorMessage("dlg_1", DepMissing("no mount helper", ""))
	peer := &fakePeerClient{handshakeResponses: []*http.Response{jsonResponse(http.StatusBadRequest, errMsg)}}
	engine, transport := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	protoErr := engine.Invite(context.Background(), delegation)
	if protoErr == nil || protoErr.Code != CodeDepMissing {
		t.Fatalf("Invite() error = %v, want DEP_MISSING", protoErr)
	}
	if delegation.State != StateError {
		t.Fatalf("State = %q, want error", delegation.State)
	}
	if transport.applyCalls != 0 {
		t.Error("a rejected invite should never reach ApplySnapshot")
	}
}

func TestDelegatorEngineStartThenDoneCompletesDelegation(t *testing.T) {
	accept := &AcceptMessage{DelegationID: "dlg_1", ExecutorConstraints: ExecutorConstraints{AcceptedAccessMode: AccessReadWrite}}
	ack := &AckMessage{OK: true}
	doneEvent := Event{Type: EventDone, DelegationID: "dlg_1", Done: &DonePayload{Summary: "all set"}}
	doneLine, _ := json.Marshal(doneEvent)

	peer := &fakePeerClient{
		handshakeResponses: []*http.Response{
			jsonResponse(http.StatusOK, accept),
			jsonResponse(http.StatusOK, ack),
		},
		subscribeResponse: sseResponse("data: " + string(doneLine) + "\n\n"),
	}
	engine, _ := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if protoErr := engine.Invite(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Invite() error = %v", protoErr)
	}
	if protoErr := engine.Start(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Start() error = %v", protoErr)
	}

	deadline := time.Now().Add(2 * time.Second)
	for delegation.State != StateCompleted && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if delegation.State != StateCompleted {
		t.Fatalf("State = %q after waiting, want completed", delegation.State)
	}
	if delegation.Result == nil || delegation.Result.Summary != "all set" {
		t.Fatalf("Result = %+v, want summary all set", delegation.Result)
	}
}

func TestDelegatorEngineCancelTransitionsAndReleases(t *testing.T) {
	peer := &fakePeerClient{handshakeResponses: []*http.Response{jsonResponse(http.StatusOK, &AckMessage{OK: true})}}
	engine, transport := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if protoErr := engine.Cancel(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Cancel() error = %v", protoErr)
	}
	if delegation.State != StateCancelled {
		t.Fatalf("State = %q, want cancelled", delegation.State)
	}
	if delegation.Error == nil || delegation.Error.Code != CodeCancelled {
		t.Fatalf("Error = %v, want a CANCELLED error set alongside the terminal state", delegation.Error)
	}
	if delegation.Result != nil {
		t.Errorf("Result = %+v, want nil: exactly one of Result/Error must be set in a terminal state", delegation.Result)
	}
	if _, statErr := os.Stat(delegation.ExportPath); !os.IsNotExist(statErr) {
		t.Errorf("export path %s still present after Cancel(), want it released (stat error = %v)", delegation.ExportPath, statErr)
	}
	_ = transport
}

func TestDelegatorEngineCancelOnAlreadyTerminalDelegationIsNoop(t *testing.T) {
	peer := &fakePeerClient{handshakeResponses: []*http.Response{jsonResponse(http.StatusOK, &AckMessage{OK: true})}}
	engine, _ := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	delegation.State = StateCompleted
	delegation.Result = &Result{Summary: "already done"}

	if protoErr := engine.Cancel(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Cancel() error = %v, want nil no-op on an already-terminal delegation", protoErr)
	}
	if delegation.State != StateCompleted {
		t.Errorf("State = %q, want completed to survive a late Cancel() call", delegation.State)
	}
	if delegation.Result == nil || delegation.Result.Summary != "already done" {
		t.Errorf("Result = %+v, a no-op Cancel() must not discard the recorded result", delegation.Result)
	}
	if delegation.Error != nil {
		t.Errorf("Error = %v, want nil: a no-op Cancel() must not set an error alongside the existing result", delegation.Error)
	}
	if peer.handshakeCalls != 0 {
		t.Errorf("handshakeCalls = %d, want 0: a no-op Cancel() should never notify the executor", peer.handshakeCalls)
	}
}

func TestDelegatorEngineApplyEventIgnoresAlreadyTerminalDelegation(t *testing.T) {
	engine, _ := newTestDelegatorEngine(t, &fakePeerClient{})
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	delegation.State = StateCancelled
	delegation.Error = Cancelled("cancelled by delegator")

	doneEvent := &Event{Type: EventDone, DelegationID: delegation.ID, Done: &DonePayload{Summary: "late arrival"}}
	terminal := engine.applyEvent(context.Background(), delegation, doneEvent)

	if !terminal {
		t.Fatal("applyEvent() on an already-terminal delegation should report terminal without processing the event")
	}
	if delegation.State != StateCancelled {
		t.Errorf("State = %q, want cancelled to survive a late-arriving DONE event", delegation.State)
	}
	if delegation.Result != nil {
		t.Error("Result should remain nil: a late DONE event must not overwrite the cancellation")
	}
}

// blockingPeerClient's SubscribeEvents blocks until ctx is cancelled,
// simulating a live SSE connection so tests can observe Cancel()
// actually tearing down the consumption goroutine rather than letting
// it run to natural completion.
type blockingPeerClient struct {
	fakePeerClient
	subscribeStarted chan struct{}
}

func (b *blockingPeerClient) SubscribeEvents(ctx context.Context, peerURL, delegationID string) (*http.Response, error) {
	close(b.subscribeStarted)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDelegatorEngineCancelStopsSSEConsumption(t *testing.T) {
	accept := &AcceptMessage{DelegationID: "dlg_1", ExecutorConstraints: ExecutorConstraints{AcceptedAccessMode: AccessReadWrite}}
	ack := &AckMessage{OK: true}
	peer := &blockingPeerClient{
		fakePeerClient: fakePeerClient{
			handshakeResponses: []*http.Response{
				jsonResponse(http.StatusOK, accept),
				jsonResponse(http.StatusOK, ack),
				jsonResponse(http.StatusOK, ack),
			},
		},
		subscribeStarted: make(chan struct{}),
	}
	engine, _ := newTestDelegatorEngine(t, peer)

	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if protoErr := engine.Invite(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Invite() error = %v", protoErr)
	}
	if protoErr := engine.Start(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Start() error = %v", protoErr)
	}

	select {
	case <-peer.subscribeStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the SSE subscription to start")
	}

	if protoErr := engine.Cancel(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Cancel() error = %v", protoErr)
	}

	engine.mu.Lock()
	_, stillTracked := engine.sseCancels[delegation.ID]
	engine.mu.Unlock()
	if stillTracked {
		t.Error("Cancel() should remove the SSE consumption entry once it cancels the goroutine")
	}
}

func TestDelegatorEngineApplySnapshotRefusesSecond(t *testing.T) {
	engine, _ := newTestDelegatorEngine(t, &fakePeerClient{})
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	delegation.AppliedSnapshotID = "snap_already"

	protoErr := engine.ApplySnapshot(context.Background(), delegation, "snap_new")
	if protoErr == nil {
		t.Fatal("ApplySnapshot() should refuse a second snapshot once one is already applied")
	}
}

func TestDelegatorEngineDiscardSnapshotUnknown(t *testing.T) {
	engine, _ := newTestDelegatorEngine(t, &fakePeerClient{})
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	protoErr := engine.DiscardSnapshot(delegation, "snap_missing")
	if protoErr == nil || protoErr.Code != CodeNotFound {
		t.Fatalf("DiscardSnapshot() error = %v, want NOT_FOUND", protoErr)
	}
}

func TestDelegatorEngineInitializeSweepsStaleSnapshotDirs(t *testing.T) {
	storeDir := t.TempDir()
	snapshotRoot := t.TempDir()

	store, err := NewStore(storeDir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	transport := &fakeDelegatorTransport{}
	materializer := NewMaterializer(clock.Fake(time.Now()), StrategyCopy)
	cfg := DelegatorConfig{
		ExportRoot:   t.TempDir(),
		SnapshotRoot: snapshotRoot,
		Connection:   ConnectionDefaults{RequestTimeoutSeconds: 5, SSEMaxRetries: 1, SSERetryDelayMs: 1},
	}
	engine := NewDelegatorEngine(cfg, clock.Fake(time.Now()), store, transport, materializer, &fakePeerClient{}, "inline")

	delegation, createErr := engine.Create(testCreateParams())
	if createErr != nil {
		t.Fatalf("Create() error = %v", createErr)
	}

	liveDir := filepath.Join(snapshotRoot, delegation.ID)
	if err := os.MkdirAll(liveDir, 0o700); err != nil {
		t.Fatalf("creating live snapshot dir: %v", err)
	}
	staleDir := filepath.Join(snapshotRoot, "dlg_orphaned")
	if err := os.MkdirAll(staleDir, 0o700); err != nil {
		t.Fatalf("creating stale snapshot dir: %v", err)
	}

	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := os.Stat(liveDir); err != nil {
		t.Errorf("live snapshot dir for %s should survive Initialize, stat error = %v", delegation.ID, err)
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Errorf("stale snapshot dir should be removed by Initialize, stat error = %v", err)
	}
}

func TestDelegatorEngineRecoverNotFound(t *testing.T) {
	peer := &fakePeerClient{fetchResult: &ResultResponse{Status: ResultNotFound}}
	engine, _ := newTestDelegatorEngine(t, peer)
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	protoErr := engine.Recover(context.Background(), delegation)
	if protoErr == nil || protoErr.Code != CodeNotFound {
		t.Fatalf("Recover() error = %v, want NOT_FOUND", protoErr)
	}
}

func TestDelegatorEngineRecoverCompleted(t *testing.T) {
	peer := &fakePeerClient{fetchResult: &ResultResponse{Status: ResultCompleted, Summary: "recovered"}}
	engine, _ := newTestDelegatorEngine(t, peer)
	delegation, err := engine.Create(testCreateParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if protoErr := engine.Recover(context.Background(), delegation); protoErr != nil {
		t.Fatalf("Recover() error = %v", protoErr)
	}
	if delegation.State != StateCompleted || delegation.Result.Summary != "recovered" {
		t.Fatalf("delegation after Recover = %+v", delegation)
	}
}
