// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Command awcp-delegator runs the Delegator side of the protocol: it
// exposes a control plane for creating delegations, drives the
// INVITE/START handshake against a remote Executor, consumes its SSE
// event stream, and reconciles received snapshots.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/EricSanchezok/awcp/awcp"
	"github.com/EricSanchezok/awcp/internal/archive"
	"github.com/EricSanchezok/awcp/internal/clock"
	"github.com/EricSanchezok/awcp/internal/httpserver"
	"github.com/EricSanchezok/awcp/internal/process"
	"github.com/EricSanchezok/awcp/transport/inline"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file (overrides AWCP_CONFIG)")
	address := flag.String("address", ":8080", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Delegator.StoreDir, cfg.Delegator.ExportRoot, cfg.Delegator.SnapshotRoot} {
		if dir == "" {
			return fmt.Errorf("delegator.store_dir, delegator.export_root, and delegator.snapshot_root must all be set in the config")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	c := clock.Real()
	store, err := awcp.NewStore(cfg.Delegator.StoreDir)
	if err != nil {
		return fmt.Errorf("opening delegation store: %w", err)
	}
	transport := inline.NewDelegator(archive.CompressionZstd)
	materializer := awcp.NewMaterializer(c, awcp.StrategyCopy)
	peer := awcp.NewHTTPPeerClient(nil)
	engine := awcp.NewDelegatorEngine(cfg.Delegator, c, store, transport, materializer, peer, "inline").WithLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing delegator engine: %w", err)
	}

	handler := newDelegatorHandler(engine, logger)
	server := httpserver.New(httpserver.Config{
		Address: *address,
		Handler: handler,
		Logger:  logger,
	})
	return server.Serve(ctx)
}

func loadConfig(flagPath string) (*awcp.Config, error) {
	if flagPath != "" {
		return awcp.LoadConfigFile(flagPath)
	}
	return awcp.LoadConfig()
}

type delegatorHandler struct {
	engine *awcp.DelegatorEngine
	logger *slog.Logger
	mux    *http.ServeMux
}

func newDelegatorHandler(engine *awcp.DelegatorEngine, logger *slog.Logger) http.Handler {
	h := &delegatorHandler{engine: engine, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /delegate", h.delegate)
	h.mux.HandleFunc("GET /delegation/{id}", h.getDelegation)
	h.mux.HandleFunc("GET /delegation/{id}/snapshots", h.listSnapshots)
	h.mux.HandleFunc("POST /delegation/{id}/snapshots/{sid}/apply", h.applySnapshot)
	h.mux.HandleFunc("POST /delegation/{id}/snapshots/{sid}/discard", h.discardSnapshot)
	h.mux.HandleFunc("DELETE /delegation/{id}", h.cancelDelegation)
	h.mux.HandleFunc("GET /health", h.health)
	return h.mux
}

// delegateRequest is the POST /delegate request body: everything
// Create needs to build a Delegation, before INVITE is ever sent.
type delegateRequest struct {
	PeerURL        string              `json:"peerUrl"`
	Task           awcp.Task           `json:"task"`
	Environment    []awcp.Resource     `json:"environment"`
	Lease          awcp.LeaseRequest   `json:"lease"`
	SnapshotPolicy awcp.SnapshotPolicy `json:"snapshotPolicy"`
}

func (h *delegatorHandler) delegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProtocolError(w, awcp.Declined(fmt.Sprintf("decoding request: %v", err)))
		return
	}

	delegation, protoErr := h.engine.Create(awcp.CreateParams{
		PeerURL:        req.PeerURL,
		Task:           req.Task,
		Environment:    req.Environment,
		Lease:          req.Lease,
		SnapshotPolicy: req.SnapshotPolicy,
	})
	if protoErr != nil {
		h.logger.Info("delegation creation failed", "code", protoErr.Code)
		writeProtocolError(w, protoErr)
		return
	}

	if protoErr := h.engine.Invite(r.Context(), delegation); protoErr != nil {
		h.logger.Info("invite failed", "delegation_id", delegation.ID, "code", protoErr.Code)
		writeJSON(w, http.StatusOK, delegation)
		return
	}
	if protoErr := h.engine.Start(r.Context(), delegation); protoErr != nil {
		h.logger.Info("start failed", "delegation_id", delegation.ID, "code", protoErr.Code)
		writeJSON(w, http.StatusOK, delegation)
		return
	}

	h.logger.Info("delegation started", "delegation_id", delegation.ID, "peer_url", delegation.PeerURL)
	writeJSON(w, http.StatusCreated, delegation)
}

func (h *delegatorHandler) lookup(w http.ResponseWriter, r *http.Request) *awcp.Delegation {
	id := r.PathValue("id")
	delegation := h.engine.Get(id)
	if delegation == nil {
		http.Error(w, "unknown delegation", http.StatusNotFound)
		return nil
	}
	return delegation
}

func (h *delegatorHandler) getDelegation(w http.ResponseWriter, r *http.Request) {
	if delegation := h.lookup(w, r); delegation != nil {
		writeJSON(w, http.StatusOK, delegation)
	}
}

func (h *delegatorHandler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if delegation := h.lookup(w, r); delegation != nil {
		writeJSON(w, http.StatusOK, delegation.Snapshots)
	}
}

func (h *delegatorHandler) applySnapshot(w http.ResponseWriter, r *http.Request) {
	delegation := h.lookup(w, r)
	if delegation == nil {
		return
	}
	if protoErr := h.engine.ApplySnapshot(r.Context(), delegation, r.PathValue("sid")); protoErr != nil {
		writeProtocolError(w, protoErr)
		return
	}
	writeJSON(w, http.StatusOK, delegation)
}

func (h *delegatorHandler) discardSnapshot(w http.ResponseWriter, r *http.Request) {
	delegation := h.lookup(w, r)
	if delegation == nil {
		return
	}
	if protoErr := h.engine.DiscardSnapshot(delegation, r.PathValue("sid")); protoErr != nil {
		writeProtocolError(w, protoErr)
		return
	}
	writeJSON(w, http.StatusOK, delegation)
}

func (h *delegatorHandler) cancelDelegation(w http.ResponseWriter, r *http.Request) {
	delegation := h.lookup(w, r)
	if delegation == nil {
		return
	}
	if protoErr := h.engine.Cancel(r.Context(), delegation); protoErr != nil {
		writeProtocolError(w, protoErr)
		return
	}
	writeJSON(w, http.StatusOK, delegation)
}

func (h *delegatorHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProtocolError(w http.ResponseWriter, err *awcp.Error) {
	status := http.StatusBadRequest
	if err.Code == awcp.CodeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, awcp.NewErrorMessage("", err))
}
