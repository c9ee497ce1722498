// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// executorState is a delegation's position in the Executor-side state
// machine (§4.7): none → pendingAdmission → accepted → starting →
// running → (completed | failed | cancelled).
type executorState string

const (
	executorPendingAdmission executorState = "pendingAdmission"
	executorAccepted         executorState = "accepted"
	executorStarting         executorState = "starting"
	executorRunning          executorState = "running"
	executorCompleted        executorState = "completed"
	executorFailed           executorState = "failed"
	executorCancelled        executorState = "cancelled"
)

func (s executorState) terminal() bool {
	switch s {
	case executorCompleted, executorFailed, executorCancelled:
		return true
	default:
		return false
	}
}

// pendingDelegation is held while a delegation is admitted but not
// yet started.
type pendingDelegation struct {
	invite      *InviteMessage
	workPath    string
	constraints ExecutorConstraints
}

// activeDelegation is held from START through to a terminal state.
type activeDelegation struct {
	invite   *InviteMessage
	workPath string
	lease    StartLease
	state    executorState
	cancel   context.CancelFunc
}

// completionRecord is retained for resultRetention after a delegation
// reaches a terminal state, serving the GET /tasks/{id}/result
// recovery path and the EventBus terminal replay.
type completionRecord struct {
	completedAt time.Time
	result      *Result
	err         *Error
	snapshotIDs []string
}

// ExecutorEngine is the Executor-side protocol engine: it handles
// INVITE/START/ERROR, runs the task, emits events, captures a
// snapshot via the transport adapter, and retains the result for
// post-SSE recovery.
//
// Process-wide state is three maps keyed by delegation id (plus the
// lease timers), all guarded by the single mutex mu.
type ExecutorEngine struct {
	config    ExecutorConfig
	clock     clock.Clock
	workspace *Workspace
	transport ExecutorTransport
	buses     *BusRegistry
	runner    TaskRunner
	logger    *slog.Logger

	declineHook DeclineHook

	mu          sync.Mutex
	pending     map[string]*pendingDelegation
	active      map[string]*activeDelegation
	completed   map[string]*completionRecord
	leaseTimers map[string]*clock.Timer
}

// NewExecutorEngine wires together the Executor-side components.
func NewExecutorEngine(cfg ExecutorConfig, c clock.Clock, workspace *Workspace, transport ExecutorTransport, runner TaskRunner) *ExecutorEngine {
	return &ExecutorEngine{
		config:      cfg,
		clock:       c,
		workspace:   workspace,
		transport:   transport,
		buses:       NewBusRegistry(c),
		runner:      runner,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:     make(map[string]*pendingDelegation),
		active:      make(map[string]*activeDelegation),
		completed:   make(map[string]*completionRecord),
		leaseTimers: make(map[string]*clock.Timer),
	}
}

// WithLogger installs logger for cleanup-failure reporting from
// engine-internal and background-goroutine code paths that never
// return through an HTTP handler. Returns the engine for chaining.
func (e *ExecutorEngine) WithLogger(logger *slog.Logger) *ExecutorEngine {
	e.logger = logger
	return e
}

// DeclineHook lets an operator veto an otherwise-admissible INVITE
// before the admission gate commits to it — consulted only when
// ExecutorConfig.AutoAccept is false. declined reports whether the
// invite should be refused; when true, reason becomes the DECLINED
// error's message.
type DeclineHook func(ctx context.Context, invite *InviteMessage) (declined bool, reason string)

// WithDeclineHook installs hook, returning the engine for chaining.
func (e *ExecutorEngine) WithDeclineHook(hook DeclineHook) *ExecutorEngine {
	e.declineHook = hook
	return e
}

// Initialize runs the Executor's startup sequence: transport init and
// a stale-directory sweep of the work root. It also starts a
// background sweep of completed event buses so a long-lived process
// doesn't retain every terminal event forever.
func (e *ExecutorEngine) Initialize(ctx context.Context) error {
	if err := e.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("executor: initializing transport: %w", err)
	}
	if err := e.workspace.CleanupStale(); err != nil {
		return fmt.Errorf("executor: cleaning up stale work directories: %w", err)
	}
	go e.sweepBusesPeriodically(ctx)
	return nil
}

// sweepBusesPeriodically removes event buses whose terminal event has
// aged out of ResultRetentionMs, at the same cadence. Runs until ctx
// is cancelled.
func (e *ExecutorEngine) sweepBusesPeriodically(ctx context.Context) {
	retention := e.config.ResultRetention()
	if retention <= 0 {
		return
	}
	ticker := e.clock.NewTicker(retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.buses.Sweep(retention)
		}
	}
}

// activeCount returns how many delegations are admitted or running,
// for the concurrency cap.
func (e *ExecutorEngine) activeCount() int {
	return len(e.pending) + len(e.active)
}

// HandleInvite runs the admission gate and returns the handshake
// response: an *AcceptMessage on success, or an *Error on refusal.
// On refusal, no work path is ever allocated.
func (e *ExecutorEngine) HandleInvite(ctx context.Context, invite *InviteMessage) (*AcceptMessage, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.MaxConcurrentDelegations > 0 && e.activeCount() >= e.config.MaxConcurrentDelegations {
		return nil, Declined(fmt.Sprintf("at concurrency limit (%d active delegations)", e.config.MaxConcurrentDelegations))
	}

	dep, err := e.transport.CheckDependency(ctx)
	if err != nil {
		return nil, DepMissing("checking transport dependency", err.Error())
	}
	if !dep.Available {
		return nil, DepMissing("transport dependency unavailable", dep.Hint)
	}

	acceptedMode := invite.Lease.AccessMode
	if !accessModeAllowed(acceptedMode, e.config.AllowedAccessModes) {
		return nil, Declined(fmt.Sprintf("access mode %q is not permitted by this executor", acceptedMode))
	}

	maxTTL := invite.Lease.TTLSeconds
	if e.config.MaxTTLSeconds > 0 && maxTTL > e.config.MaxTTLSeconds {
		maxTTL = e.config.MaxTTLSeconds
	}

	if !e.config.AutoAccept && e.declineHook != nil {
		if declined, reason := e.declineHook(ctx, invite); declined {
			return nil, Declined(reason)
		}
	}

	workPath, allocErr := e.workspace.Allocate(invite.DelegationID)
	if allocErr != nil {
		return nil, WorkdirDenied(allocErr.Error())
	}
	for _, prefix := range e.config.DeniedWorkDirPrefixes {
		rel, relErr := filepath.Rel(prefix, workPath)
		if relErr == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			e.workspace.Release(invite.DelegationID)
			return nil, WorkdirDenied(fmt.Sprintf("work path %s is under denied prefix %s", workPath, prefix))
		}
	}
	if prepErr := e.workspace.Prepare(workPath); prepErr != nil {
		e.workspace.Release(invite.DelegationID)
		return nil, WorkdirDenied(prepErr.Error())
	}

	e.buses.Create(invite.DelegationID)
	e.pending[invite.DelegationID] = &pendingDelegation{
		invite:   invite,
		workPath: workPath,
		constraints: ExecutorConstraints{
			AcceptedAccessMode: acceptedMode,
			MaxTTLSeconds:      maxTTL,
			SandboxProfile: SandboxProfile{
				CWDOnly:      true,
				AllowNetwork: false,
				AllowExec:    true,
			},
		},
	}

	return &AcceptMessage{
		Version:             ProtocolVersion,
		Type:                MessageAccept,
		DelegationID:        invite.DelegationID,
		ExecutorWorkDir:     ExecutorWorkDir{Path: workPath},
		ExecutorConstraints: e.pending[invite.DelegationID].constraints,
	}, nil
}

// HandleStart begins execution of an admitted delegation. It runs
// asynchronously; the caller gets a trivial ack back immediately,
// matching the protocol's POST / contract.
func (e *ExecutorEngine) HandleStart(ctx context.Context, start *StartMessage) *Error {
	e.mu.Lock()
	pending, ok := e.pending[start.DelegationID]
	if !ok {
		e.mu.Unlock()
		return NotFound(fmt.Sprintf("no pending admission for %s", start.DelegationID))
	}

	// The lease's expiry is an absolute instant set by the Delegator;
	// the Executor never trusts it blindly and always compares against
	// its own clock, so clock skew between the two processes can only
	// ever make the Executor more conservative, never less.
	if !start.Lease.ExpiresAt.IsZero() && !e.clock.Now().Before(start.Lease.ExpiresAt) {
		delete(e.pending, start.DelegationID)
		e.mu.Unlock()
		if err := e.workspace.Release(start.DelegationID); err != nil {
			return SetupFailed(err.Error())
		}
		return StartExpired(fmt.Sprintf("lease for %s already expired at START", start.DelegationID))
	}

	delete(e.pending, start.DelegationID)

	runCtx, cancel := context.WithCancel(context.Background())
	e.active[start.DelegationID] = &activeDelegation{
		invite:   pending.invite,
		workPath: pending.workPath,
		lease:    start.Lease,
		state:    executorStarting,
		cancel:   cancel,
	}
	e.mu.Unlock()

	e.armLeaseTimer(start.DelegationID, start.Lease.ExpiresAt)
	go e.run(runCtx, start.DelegationID, pending, start)
	return nil
}

// armLeaseTimer schedules a cancellation of id's run if it is still
// active when expiresAt passes. Mirrors the Delegator's own lease
// timer (delegator_engine.go) so both sides independently enforce the
// same bound rather than trusting the other to cancel on time.
func (e *ExecutorEngine) armLeaseTimer(id string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	delay := expiresAt.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		active, ok := e.active[id]
		e.mu.Unlock()
		if !ok || active.state.terminal() {
			return
		}
		active.cancel()
		bus := e.buses.Get(id)
		e.finishError(id, Expired(fmt.Sprintf("lease for %s expired during execution", id)), bus)
	})
	e.mu.Lock()
	e.leaseTimers[id] = timer
	e.mu.Unlock()
}

func (e *ExecutorEngine) disarmLeaseTimer(id string) {
	e.mu.Lock()
	timer, ok := e.leaseTimers[id]
	if ok {
		delete(e.leaseTimers, id)
	}
	e.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (e *ExecutorEngine) run(ctx context.Context, id string, pending *pendingDelegation, start *StartMessage) {
	bus := e.buses.Get(id)

	if err := e.transport.Setup(ctx, id, start.WorkDir, pending.workPath); err != nil {
		e.finishError(id, SetupFailed(err.Error()), bus)
		return
	}

	e.setState(id, executorRunning)
	bus.Publish(Event{Type: EventStatus, DelegationID: id, Status: &StatusPayload{Message: "running", Substate: "started"}, EmittedAt: e.clock.Now()})

	sink := &busStatusSink{bus: bus, delegationID: id, clock: e.clock}
	result, err := e.runner.Run(ctx, RunRequest{
		DelegationID: id,
		WorkPath:     pending.workPath,
		Task:         pending.invite.Task,
		Environment:  pending.invite.Environment.Resources,
	}, sink)
	if err != nil {
		e.finishError(id, TaskFailed(err.Error()), bus)
		return
	}

	var snapshotIDs []string
	writable := writableFromResources(pending.invite.Environment.Resources)
	payload, capErr := e.transport.CaptureSnapshot(ctx, id, pending.workPath, writable)
	if capErr != nil {
		e.finishError(id, TaskFailed(fmt.Sprintf("capturing snapshot: %v", capErr)), bus)
		return
	}
	if payload != nil {
		snapshotID := NewSnapshotID()
		snapshotIDs = append(snapshotIDs, snapshotID)
		bus.Publish(Event{
			Type:         EventSnapshot,
			DelegationID: id,
			Snapshot: &SnapshotPayload{
				SnapshotID:  snapshotID,
				Summary:     result.Summary,
				Highlights:  result.Highlights,
				Recommended: true,
				Handle:      payload,
			},
			EmittedAt: e.clock.Now(),
		})
	}

	e.finishDone(id, result, snapshotIDs, bus)
}

// accessModeAllowed reports whether mode is permitted. An empty
// allowed list permits every mode.
func accessModeAllowed(mode AccessMode, allowed []AccessMode) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == mode {
			return true
		}
	}
	return false
}

func writableFromResources(resources []Resource) []Resource {
	var writable []Resource
	for _, r := range resources {
		if r.Mode == AccessReadWrite {
			writable = append(writable, r)
		}
	}
	return writable
}

func (e *ExecutorEngine) setState(id string, state executorState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active, ok := e.active[id]; ok {
		active.state = state
	}
}

func (e *ExecutorEngine) finishDone(id string, result *Result, snapshotIDs []string, bus *EventBus) {
	e.terminalize(id, executorCompleted, &completionRecord{
		completedAt: e.clock.Now(),
		result:      result,
		snapshotIDs: snapshotIDs,
	}, bus, Event{
		Type:         EventDone,
		DelegationID: id,
		Done: &DonePayload{
			Summary:     result.Summary,
			Highlights:  result.Highlights,
			Notes:       result.Notes,
			SnapshotIDs: snapshotIDs,
		},
		EmittedAt: e.clock.Now(),
	})
}

func (e *ExecutorEngine) finishError(id string, protoErr *Error, bus *EventBus) {
	state := executorFailed
	if protoErr.Code == CodeCancelled {
		state = executorCancelled
	}
	e.terminalize(id, state, &completionRecord{
		completedAt: e.clock.Now(),
		err:         protoErr,
	}, bus, Event{
		Type:         EventError,
		DelegationID: id,
		Error:        NewErrorMessage(id, protoErr),
		EmittedAt:    e.clock.Now(),
	})
}

// terminalize releases id's transport handle and work directory, then
// stores record and publishes terminal together under mu, so a
// subscriber that receives the terminal event finds the release done
// and the result already retrievable.
func (e *ExecutorEngine) terminalize(id string, state executorState, record *completionRecord, bus *EventBus, terminal Event) {
	_ = state // retained on completionRecord via err/result, not tracked separately

	e.disarmLeaseTimer(id)

	if err := e.transport.Release(context.Background(), id); err != nil {
		e.logger.Error("releasing transport handle", "delegation_id", id, "error", err)
	}
	if err := e.workspace.Release(id); err != nil {
		e.logger.Error("releasing work directory", "delegation_id", id, "error", err)
	}

	e.mu.Lock()
	delete(e.active, id)
	e.completed[id] = record
	bus.Publish(terminal)
	e.mu.Unlock()
}

// HandleError processes a unilateral cancellation (an ERROR message)
// sent by the Delegator after START, or a decline of a pending
// admission before START.
func (e *ExecutorEngine) HandleError(id string) *Error {
	e.mu.Lock()
	if _, ok := e.pending[id]; ok {
		delete(e.pending, id)
		e.mu.Unlock()
		if err := e.workspace.Release(id); err != nil {
			return SetupFailed(err.Error())
		}
		return nil
	}
	active, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return NotFound(fmt.Sprintf("unknown delegation %s", id))
	}
	e.mu.Unlock()

	active.cancel()
	bus := e.buses.Get(id)
	e.finishError(id, Cancelled("cancelled by delegator"), bus)
	return nil
}

// Subscribe attaches an SSE subscriber to id's event bus. ok is false
// if id is unknown, or if id's delegation completed more than
// ResultRetentionMs ago — the same boundary GET /tasks/{id}/result
// enforces via Result.
func (e *ExecutorEngine) Subscribe(id string) (<-chan Event, func(), bool) {
	bus := e.buses.Get(id)
	if bus == nil {
		return nil, nil, false
	}
	return bus.Subscribe(e.config.ResultRetention())
}

// Result implements the GET /tasks/{id}/result recovery path.
func (e *ExecutorEngine) Result(id string) *ResultResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if record, ok := e.completed[id]; ok {
		if e.clock.Now().Sub(record.completedAt) > e.config.ResultRetention() {
			return &ResultResponse{Status: ResultNotFound}
		}
		if record.err != nil {
			return &ResultResponse{
				Status:      ResultError,
				CompletedAt: &record.completedAt,
				Error:       NewErrorMessage(id, record.err),
			}
		}
		return &ResultResponse{
			Status:      ResultCompleted,
			CompletedAt: &record.completedAt,
			Summary:     record.result.Summary,
			Highlights:  record.result.Highlights,
		}
	}
	if _, ok := e.active[id]; ok {
		return &ResultResponse{Status: ResultRunning}
	}
	if _, ok := e.pending[id]; ok {
		return &ResultResponse{Status: ResultNotApplicable}
	}
	return &ResultResponse{Status: ResultNotFound}
}

// Status is the GET /status aggregate snapshot of the three
// process-wide maps, for operator visibility.
type Status struct {
	Pending          int `json:"pending"`
	Active           int `json:"active"`
	Completed        int `json:"completed"`
	ConcurrencyLimit int `json:"concurrencyLimit"`
}

// Status returns a snapshot of the engine's current load.
func (e *ExecutorEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Pending:          len(e.pending),
		Active:           len(e.active),
		Completed:        len(e.completed),
		ConcurrencyLimit: e.config.MaxConcurrentDelegations,
	}
}

// busStatusSink adapts StatusSink onto an EventBus for the duration of
// one task run.
type busStatusSink struct {
	bus          *EventBus
	delegationID string
	clock        clock.Clock
}

func (s *busStatusSink) Status(message, substate string) {
	s.bus.Publish(Event{
		Type:         EventStatus,
		DelegationID: s.delegationID,
		Status:       &StatusPayload{Message: message, Substate: substate},
		EmittedAt:    s.clock.Now(),
	})
}
