// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerServeAndShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := New(Config{Address: "127.0.0.1:0", Handler: mux, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://" + server.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() returned error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after context cancellation")
	}
}

func TestServerServeListenError(t *testing.T) {
	mux := http.NewServeMux()
	blocker := New(Config{Address: "127.0.0.1:0", Handler: mux, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go blocker.Serve(ctx)
	select {
	case <-blocker.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never became ready")
	}

	taken := New(Config{Address: blocker.Addr().String(), Handler: mux, Logger: discardLogger()})
	if err := taken.Serve(context.Background()); err == nil {
		t.Fatal("Serve() on an address already in use should return an error")
	}
}

func TestNewPanicsOnMissingFields(t *testing.T) {
	cases := []Config{
		{Handler: http.NewServeMux(), Logger: discardLogger()},
		{Address: "127.0.0.1:0", Logger: discardLogger()},
		{Address: "127.0.0.1:0", Handler: http.NewServeMux()},
	}
	for _, cfg := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%+v) should panic on a missing required field", cfg)
				}
			}()
			New(cfg)
		}()
	}
}

func TestNewDefaultsShutdownTimeout(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", Handler: http.NewServeMux(), Logger: discardLogger()})
	if s.shutdownTimeout != 10*time.Second {
		t.Errorf("shutdownTimeout = %v, want 10s default", s.shutdownTimeout)
	}
}
