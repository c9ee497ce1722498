// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// PeerClient is the HTTP-facing half of the Delegator's dealings with
// an Executor: the POST / handshake and the SSE subscription. It is
// the one seam deliberately left outside the engine so tests can
// substitute an in-process fake instead of a real network round trip;
// production code uses NewHTTPPeerClient.
type PeerClient interface {
	Handshake(ctx context.Context, peerURL string, message any) (*http.Response, error)
	SubscribeEvents(ctx context.Context, peerURL, delegationID string) (*http.Response, error)
	FetchResult(ctx context.Context, peerURL, delegationID string) (*ResultResponse, error)
}

// HTTPPeerClient is the production PeerClient, talking plain JSON over
// net/http per §6 of the protocol.
type HTTPPeerClient struct {
	Client *http.Client
}

// NewHTTPPeerClient returns a PeerClient using client, or
// http.DefaultClient if nil.
func NewHTTPPeerClient(client *http.Client) *HTTPPeerClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPeerClient{Client: client}
}

func (c *HTTPPeerClient) Handshake(ctx context.Context, peerURL string, message any) (*http.Response, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("peer client: encoding handshake: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("peer client: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Client.Do(req)
}

func (c *HTTPPeerClient) SubscribeEvents(ctx context.Context, peerURL, delegationID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/tasks/"+delegationID+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("peer client: building SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	return c.Client.Do(req)
}

func (c *HTTPPeerClient) FetchResult(ctx context.Context, peerURL, delegationID string) (*ResultResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/tasks/"+delegationID+"/result", nil)
	if err != nil {
		return nil, fmt.Errorf("peer client: building result request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result ResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("peer client: decoding result: %w", err)
	}
	return &result, nil
}

// CreateParams is the input to DelegatorEngine.Create.
type CreateParams struct {
	PeerURL        string
	Task           Task
	Environment    []Resource
	Lease          LeaseRequest
	SnapshotPolicy SnapshotPolicy
}

// DelegatorEngine is the Delegator-side protocol engine: it drives
// the created → invited → accepted → started → running → terminal
// lifecycle, sends INVITE/START, consumes SSE with reconnect,
// reconciles snapshots through the SnapshotManager, and surfaces
// terminal state.
//
// Process-wide state is one map of delegations, backed by the
// Delegation Store for durability across restarts.
type DelegatorEngine struct {
	config        DelegatorConfig
	clock         clock.Clock
	store         *Store
	transport     DelegatorTransport
	materializer  *Materializer
	snapshots     *SnapshotManager
	peer          PeerClient
	transportType string
	logger        *slog.Logger

	mu          sync.Mutex
	delegations map[string]*Delegation
	leaseTimers map[string]*clock.Timer
	sseCancels  map[string]context.CancelFunc
}

// NewDelegatorEngine wires together the Delegator-side components.
func NewDelegatorEngine(cfg DelegatorConfig, c clock.Clock, store *Store, transport DelegatorTransport, materializer *Materializer, peer PeerClient, transportType string) *DelegatorEngine {
	return &DelegatorEngine{
		config:        cfg,
		clock:         c,
		store:         store,
		transport:     transport,
		materializer:  materializer,
		snapshots:     NewSnapshotManager(c, cfg.SnapshotRoot),
		peer:          peer,
		transportType: transportType,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		delegations:   make(map[string]*Delegation),
		leaseTimers:   make(map[string]*clock.Timer),
		sseCancels:    make(map[string]context.CancelFunc),
	}
}

// WithLogger installs logger for cleanup-failure reporting from
// engine-internal and background-goroutine code paths that never
// return through an HTTP handler. Returns the engine for chaining.
func (d *DelegatorEngine) WithLogger(logger *slog.Logger) *DelegatorEngine {
	d.logger = logger
	return d
}

// Initialize runs transport init and reloads every persisted
// delegation record, re-arming lease timers for any still running.
func (d *DelegatorEngine) Initialize(ctx context.Context) error {
	if err := d.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("delegator: initializing transport: %w", err)
	}
	ids, err := d.store.List()
	if err != nil {
		return fmt.Errorf("delegator: listing store: %w", err)
	}
	liveIDs := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		liveIDs[id] = struct{}{}
		record, err := d.store.Load(id)
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.delegations[id] = record
		d.mu.Unlock()
		if !record.State.Terminal() && record.LeaseActive != nil {
			d.armLeaseTimer(record)
		}
	}
	if err := d.snapshots.SweepStale(liveIDs); err != nil {
		return fmt.Errorf("delegator: sweeping stale snapshot directories: %w", err)
	}
	return nil
}

// Get returns the in-memory delegation record for id, or nil.
func (d *DelegatorEngine) Get(id string) *Delegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delegations[id]
}

// Create assigns an id, persists the record, runs admission, and
// materializes the export tree. The delegation starts in StateCreated
// and is not yet invited — call Invite next.
func (d *DelegatorEngine) Create(params CreateParams) (*Delegation, *Error) {
	now := d.clock.Now()
	delegation := &Delegation{
		ID:             NewDelegationID(),
		PeerURL:        params.PeerURL,
		Task:           params.Task,
		Environment:    params.Environment,
		LeaseRequested: params.Lease,
		SnapshotPolicy: params.SnapshotPolicy,
		State:          StateCreated,
		ExportPath:     "",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if delegation.LeaseRequested.TTLSeconds == 0 {
		delegation.LeaseRequested = LeaseRequest(d.config.Lease)
	}
	if delegation.SnapshotPolicy == "" {
		delegation.SnapshotPolicy = d.config.Snapshot.Mode
	}

	exportPath := exportPathFor(d.config.ExportRoot, delegation.ID)
	if err := d.materializer.Materialize(delegation.ID, exportPath, delegation.Environment); err != nil {
		return nil, SetupFailed(err.Error())
	}
	delegation.ExportPath = exportPath

	admissionResult, admissionErr := Admit(exportPath, delegation.Environment, d.config.Admission.Limits())
	if admissionErr != nil {
		d.materializer.Release(exportPath)
		return nil, admissionErr
	}
	delegation.Admission = &admissionResult

	d.mu.Lock()
	d.delegations[delegation.ID] = delegation
	d.mu.Unlock()

	if err := d.store.Save(delegation); err != nil {
		return nil, SetupFailed(err.Error())
	}
	return delegation, nil
}

func exportPathFor(root, id string) string {
	if root == "" {
		root = "."
	}
	return root + "/" + id
}

// Invite sends INVITE to the Executor and processes the synchronous
// ACCEPT/ERROR response.
func (d *DelegatorEngine) Invite(ctx context.Context, delegation *Delegation) *Error {
	invite := NewInviteMessage(delegation, d.transportType)

	ctx, cancel := context.WithTimeout(ctx, d.config.Connection.RequestTimeout())
	defer cancel()
	resp, err := d.peer.Handshake(ctx, delegation.PeerURL, invite)
	if err != nil {
		d.transition(delegation, StateError)
		d.release(delegation)
		return SetupFailed(fmt.Sprintf("sending INVITE: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errMsg ErrorMessage
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errMsg); decodeErr == nil && errMsg.Code != "" {
			d.transition(delegation, StateError)
			d.release(delegation)
			return errMsg.Err()
		}
		d.transition(delegation, StateError)
		d.release(delegation)
		return Declined(fmt.Sprintf("INVITE rejected with status %d", resp.StatusCode))
	}

	var accept AcceptMessage
	if err := json.NewDecoder(resp.Body).Decode(&accept); err != nil {
		d.transition(delegation, StateError)
		d.release(delegation)
		return SetupFailed(fmt.Sprintf("decoding ACCEPT: %v", err))
	}

	ttl := delegation.LeaseRequested.TTLSeconds
	if accept.ExecutorConstraints.MaxTTLSeconds > 0 && accept.ExecutorConstraints.MaxTTLSeconds < ttl {
		ttl = accept.ExecutorConstraints.MaxTTLSeconds
	}
	delegation.LeaseRequested.TTLSeconds = ttl
	delegation.LeaseRequested.AccessMode = accept.ExecutorConstraints.AcceptedAccessMode

	d.transition(delegation, StateInvited)
	d.transition(delegation, StateAccepted)
	d.save(delegation)
	return nil
}

// Start runs Transport.prepare and sends START, then opens the SSE
// subscription in the background.
func (d *DelegatorEngine) Start(ctx context.Context, delegation *Delegation) *Error {
	handle, err := d.transport.Prepare(ctx, delegation.ID, delegation.ExportPath, delegation.LeaseRequested.TTLSeconds)
	if err != nil {
		d.transition(delegation, StateError)
		d.release(delegation)
		return SetupFailed(err.Error())
	}
	delegation.TransportHandle = handle

	expiresAt := d.clock.Now().Add(time.Duration(delegation.LeaseRequested.TTLSeconds) * time.Second)
	delegation.LeaseActive = &LeaseActive{ExpiresAt: expiresAt, AccessMode: delegation.LeaseRequested.AccessMode}

	start := &StartMessage{
		Version:      ProtocolVersion,
		Type:         MessageStart,
		DelegationID: delegation.ID,
		Lease:        StartLease{ExpiresAt: expiresAt, AccessMode: delegation.LeaseRequested.AccessMode},
		WorkDir:      handle,
	}

	startCtx, cancel := context.WithTimeout(ctx, d.config.Connection.RequestTimeout())
	defer cancel()
	resp, err := d.peer.Handshake(startCtx, delegation.PeerURL, start)
	if err != nil {
		d.transition(delegation, StateError)
		d.release(delegation)
		return SetupFailed(fmt.Sprintf("sending START: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		d.transition(delegation, StateError)
		d.release(delegation)
		return SetupFailed(fmt.Sprintf("START rejected with status %d", resp.StatusCode))
	}

	d.transition(delegation, StateStarted)
	d.save(delegation)
	d.armLeaseTimer(delegation)

	sseCtx, sseCancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.sseCancels[delegation.ID] = sseCancel
	d.mu.Unlock()
	go d.consumeEvents(sseCtx, delegation)
	return nil
}

// stopConsumingEvents cancels id's SSE consumption goroutine, if one
// is still running, and removes its entry. Called by Cancel so a
// delegation torn down locally doesn't have applyEvent racing the
// cancellation with a late-arriving terminal event.
func (d *DelegatorEngine) stopConsumingEvents(id string) {
	d.mu.Lock()
	cancel, ok := d.sseCancels[id]
	if ok {
		delete(d.sseCancels, id)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// consumeEvents runs the SSE consumption loop with linear-backoff
// reconnect, driving delegation's state from incoming events. Exits
// without reconnecting once ctx is cancelled, e.g. by Cancel.
func (d *DelegatorEngine) consumeEvents(ctx context.Context, delegation *Delegation) {
	defer func() {
		d.mu.Lock()
		delete(d.sseCancels, delegation.ID)
		d.mu.Unlock()
	}()

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := d.peer.SubscribeEvents(ctx, delegation.PeerURL, delegation.ID)
		if err != nil || resp.StatusCode >= 400 {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return
			}
			retries++
			if retries > d.config.Connection.SSEMaxRetries {
				d.transition(delegation, StateError)
				delegation.Error = SSEFailed(fmt.Sprintf("exhausted %d SSE reconnect attempts", d.config.Connection.SSEMaxRetries))
				d.save(delegation)
				return
			}
			d.clock.Sleep(d.config.Connection.RetryDelay(retries))
			continue
		}

		terminal := d.readEventStream(ctx, delegation, resp.Body)
		resp.Body.Close()
		if terminal {
			return
		}
		if ctx.Err() != nil {
			return
		}
		retries++
		if retries > d.config.Connection.SSEMaxRetries {
			d.transition(delegation, StateError)
			delegation.Error = SSEFailed(fmt.Sprintf("exhausted %d SSE reconnect attempts", d.config.Connection.SSEMaxRetries))
			d.save(delegation)
			return
		}
		d.clock.Sleep(d.config.Connection.RetryDelay(retries))
	}
}

// readEventStream parses one SSE connection's "data: " lines as
// Events until the body closes or a terminal event arrives. Returns
// true if a terminal event was processed (ending the whole
// subscription, not just this connection).
func (d *DelegatorEngine) readEventStream(ctx context.Context, delegation *Delegation, body io.Reader) bool {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 6 || line[:6] != "data: " {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line[6:]), &event); err != nil {
			continue
		}
		if d.applyEvent(ctx, delegation, &event) {
			return true
		}
	}
	return false
}

// applyEvent drives delegation's state from one event. Returns true
// if the event was terminal. A delegation already in a terminal
// state — e.g. because Cancel ran concurrently with this event
// arriving — is left untouched, mirroring the guard armLeaseTimer
// applies before its own terminal transition.
func (d *DelegatorEngine) applyEvent(ctx context.Context, delegation *Delegation, event *Event) bool {
	d.mu.Lock()
	terminal := delegation.State.Terminal()
	d.mu.Unlock()
	if terminal {
		return true
	}

	switch event.Type {
	case EventStatus:
		d.transition(delegation, StateRunning)
		d.save(delegation)

	case EventSnapshot:
		snapshot, err := d.snapshots.Receive(ctx, delegation, d.transport, event.Snapshot)
		if err == nil {
			delegation.Snapshots = append(delegation.Snapshots, *snapshot)
			if snapshot.Status == SnapshotApplied {
				delegation.AppliedSnapshotID = snapshot.ID
			}
			d.save(delegation)
		}

	case EventDone:
		delegation.Result = &Result{
			Summary:    event.Done.Summary,
			Highlights: event.Done.Highlights,
			Notes:      event.Done.Notes,
		}
		d.transition(delegation, StateCompleted)
		d.disarmLeaseTimer(delegation.ID)
		d.save(delegation)
		d.release(delegation)
		return true

	case EventError:
		delegation.Error = event.Error.Err()
		d.transition(delegation, StateError)
		d.disarmLeaseTimer(delegation.ID)
		d.save(delegation)
		d.release(delegation)
		return true
	}
	return false
}

// Cancel emits an ERROR message to the Executor and transitions the
// delegation to cancelled locally. A delegation already in a terminal
// state is a no-op: otherwise a cancel racing (or arriving after) a
// completion would overwrite an already-recorded Result/Error and
// release already-torn-down transport/materializer state a second
// time.
func (d *DelegatorEngine) Cancel(ctx context.Context, delegation *Delegation) *Error {
	d.mu.Lock()
	terminal := delegation.State.Terminal()
	d.mu.Unlock()
	if terminal {
		return nil
	}

	errMsg := NewErrorMessage(delegation.ID, Cancelled("cancelled by delegator"))
	ctx, cancel := context.WithTimeout(ctx, d.config.Connection.RequestTimeout())
	defer cancel()
	resp, err := d.peer.Handshake(ctx, delegation.PeerURL, errMsg)
	if err == nil {
		resp.Body.Close()
	}

	d.stopConsumingEvents(delegation.ID)
	delegation.Error = Cancelled("cancelled by delegator")
	d.transition(delegation, StateCancelled)
	d.disarmLeaseTimer(delegation.ID)
	d.save(delegation)
	d.release(delegation)
	if err != nil {
		return SetupFailed(fmt.Sprintf("notifying executor of cancellation: %v", err))
	}
	return nil
}

// Recover fetches the cached terminal result from the Executor after
// SSE_FAILED, without releasing the transport state first — the
// retained handle is what makes this possible.
func (d *DelegatorEngine) Recover(ctx context.Context, delegation *Delegation) *Error {
	ctx, cancel := context.WithTimeout(ctx, d.config.Connection.RequestTimeout())
	defer cancel()
	result, err := d.peer.FetchResult(ctx, delegation.PeerURL, delegation.ID)
	if err != nil {
		return SetupFailed(err.Error())
	}
	switch result.Status {
	case ResultCompleted:
		delegation.Result = &Result{Summary: result.Summary, Highlights: result.Highlights}
		d.transition(delegation, StateCompleted)
	case ResultError:
		if result.Error != nil {
			delegation.Error = result.Error.Err()
		}
		d.transition(delegation, StateError)
	case ResultNotFound:
		return NotFound(fmt.Sprintf("executor has no retained result for %s", delegation.ID))
	default:
		return nil
	}
	d.save(delegation)
	d.release(delegation)
	return nil
}

// ApplySnapshot services POST /delegation/{id}/snapshots/{sid}/apply:
// an explicit apply of a staged snapshot. Refused if another snapshot
// is already applied (see SnapshotManager.Apply).
func (d *DelegatorEngine) ApplySnapshot(ctx context.Context, delegation *Delegation, snapshotID string) *Error {
	applied, err := d.snapshots.Apply(ctx, delegation, d.transport, snapshotID)
	if err != nil {
		if protoErr, ok := AsError(err); ok {
			return protoErr
		}
		return SetupFailed(err.Error())
	}
	for i := range delegation.Snapshots {
		if delegation.Snapshots[i].ID == snapshotID {
			delegation.Snapshots[i] = *applied
			break
		}
	}
	delegation.AppliedSnapshotID = applied.ID
	d.save(delegation)
	return nil
}

// DiscardSnapshot services POST /delegation/{id}/snapshots/{sid}/discard:
// drops a pending staged snapshot's payload without applying it.
func (d *DelegatorEngine) DiscardSnapshot(delegation *Delegation, snapshotID string) *Error {
	if err := d.snapshots.Discard(delegation, snapshotID); err != nil {
		if protoErr, ok := AsError(err); ok {
			return protoErr
		}
		return SetupFailed(err.Error())
	}
	for i := range delegation.Snapshots {
		if delegation.Snapshots[i].ID == snapshotID {
			delegation.Snapshots[i].Status = SnapshotDiscarded
			break
		}
	}
	d.save(delegation)
	return nil
}

func (d *DelegatorEngine) armLeaseTimer(delegation *Delegation) {
	if delegation.LeaseActive == nil {
		return
	}
	delay := delegation.LeaseActive.ExpiresAt.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		current := d.delegations[delegation.ID]
		d.mu.Unlock()
		if current == nil || current.State.Terminal() {
			return
		}
		d.transition(current, StateExpired)
		current.Error = Expired(fmt.Sprintf("lease for %s expired", current.ID))
		d.save(current)
		d.release(current)
	})
	d.mu.Lock()
	d.leaseTimers[delegation.ID] = timer
	d.mu.Unlock()
}

func (d *DelegatorEngine) disarmLeaseTimer(id string) {
	d.mu.Lock()
	timer, ok := d.leaseTimers[id]
	if ok {
		delete(d.leaseTimers, id)
	}
	d.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (d *DelegatorEngine) transition(delegation *Delegation, state State) {
	d.mu.Lock()
	delegation.State = state
	delegation.UpdatedAt = d.clock.Now()
	d.mu.Unlock()
}

func (d *DelegatorEngine) save(delegation *Delegation) {
	if err := d.store.Save(delegation); err != nil {
		d.logger.Error("persisting delegation record", "delegation_id", delegation.ID, "error", err)
	}
}

// release tears down the transport handle and export tree for a
// delegation that has reached a terminal state.
func (d *DelegatorEngine) release(delegation *Delegation) {
	if err := d.transport.Release(context.Background(), delegation.ID); err != nil {
		d.logger.Error("releasing transport handle", "delegation_id", delegation.ID, "error", err)
	}
	if delegation.ExportPath != "" {
		if err := d.materializer.Release(delegation.ExportPath); err != nil {
			d.logger.Error("releasing export tree", "delegation_id", delegation.ID, "error", err)
		}
	}
}
