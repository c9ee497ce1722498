// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Command awcp-executor runs the Executor side of the protocol: it
// accepts INVITE/START/ERROR on POST /, streams status/snapshot/done/
// error events over SSE, and serves a post-disconnect result recovery
// endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
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
	address := flag.String("address", ":8081", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if cfg.Executor.WorkRoot == "" {
		return fmt.Errorf("executor.work_root must be set in the config")
	}
	if err := os.MkdirAll(cfg.Executor.WorkRoot, 0o700); err != nil {
		return fmt.Errorf("creating work root: %w", err)
	}

	c := clock.Real()
	workspace := awcp.NewWorkspace(cfg.Executor.WorkRoot)
	transport := inline.NewExecutor(archive.CompressionZstd)
	runner := &awcp.ShellTaskRunner{Shell: "/bin/sh"}
	engine := awcp.NewExecutorEngine(cfg.Executor, c, workspace, transport, runner).WithLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing executor engine: %w", err)
	}

	handler := newExecutorHandler(engine, logger)
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

type executorHandler struct {
	engine *awcp.ExecutorEngine
	logger *slog.Logger
	mux    *http.ServeMux
}

func newExecutorHandler(engine *awcp.ExecutorEngine, logger *slog.Logger) http.Handler {
	h := &executorHandler{engine: engine, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /", h.handshake)
	h.mux.HandleFunc("GET /tasks/{id}/events", h.events)
	h.mux.HandleFunc("GET /tasks/{id}/result", h.result)
	h.mux.HandleFunc("GET /status", h.status)
	return h.mux
}

func (h *executorHandler) handshake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProtocolError(w, "", awcp.SetupFailed(fmt.Sprintf("reading request body: %v", err)))
		return
	}

	message, err := awcp.DecodeHandshake(body)
	if err != nil {
		if protoErr, ok := awcp.AsError(err); ok {
			writeProtocolError(w, "", protoErr)
			return
		}
		writeProtocolError(w, "", awcp.Declined(err.Error()))
		return
	}

	switch msg := message.(type) {
	case *awcp.InviteMessage:
		accept, protoErr := h.engine.HandleInvite(r.Context(), msg)
		if protoErr != nil {
			h.logger.Info("invite declined", "delegation_id", msg.DelegationID, "code", protoErr.Code)
			writeProtocolError(w, msg.DelegationID, protoErr)
			return
		}
		h.logger.Info("invite accepted", "delegation_id", msg.DelegationID)
		writeJSON(w, http.StatusOK, accept)

	case *awcp.StartMessage:
		if protoErr := h.engine.HandleStart(r.Context(), msg); protoErr != nil {
			h.logger.Info("start rejected", "delegation_id", msg.DelegationID, "code", protoErr.Code)
			writeProtocolError(w, msg.DelegationID, protoErr)
			return
		}
		h.logger.Info("start accepted", "delegation_id", msg.DelegationID)
		writeJSON(w, http.StatusOK, &awcp.AckMessage{OK: true})

	case *awcp.ErrorMessage:
		if protoErr := h.engine.HandleError(msg.DelegationID); protoErr != nil {
			writeProtocolError(w, msg.DelegationID, protoErr)
			return
		}
		h.logger.Info("cancellation processed", "delegation_id", msg.DelegationID)
		writeJSON(w, http.StatusOK, &awcp.AckMessage{OK: true})

	default:
		writeProtocolError(w, "", awcp.Declined("unexpected handshake message type"))
	}
}

func (h *executorHandler) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, unsubscribe, ok := h.engine.Subscribe(id)
	if !ok {
		writeProtocolError(w, id, awcp.NotFound(fmt.Sprintf("no retained event stream for %s", id)))
		return
	}
	defer unsubscribe()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if canFlush {
				flusher.Flush()
			}
			if event.Terminal() {
				return
			}
		}
	}
}

func (h *executorHandler) result(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, h.engine.Result(id))
}

func (h *executorHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProtocolError(w http.ResponseWriter, delegationID string, err *awcp.Error) {
	status := http.StatusBadRequest
	if err.Code == awcp.CodeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, awcp.NewErrorMessage(delegationID, err))
}
