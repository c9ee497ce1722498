// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
delegator:
  store_dir: /var/lib/awcp/store
  export_root: /var/lib/awcp/exports
  snapshot_root: /var/lib/awcp/snapshots
  lease:
    ttl_seconds: 600
executor:
  work_root: /var/lib/awcp/work
  max_concurrent_delegations: 4
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}

	if cfg.Delegator.StoreDir != "/var/lib/awcp/store" {
		t.Errorf("StoreDir = %q, want overridden value", cfg.Delegator.StoreDir)
	}
	if cfg.Delegator.Lease.TTLSeconds != 600 {
		t.Errorf("Lease.TTLSeconds = %d, want 600 (overridden)", cfg.Delegator.Lease.TTLSeconds)
	}
	// AccessMode was not set in the file, so the default survives the merge.
	if cfg.Delegator.Lease.AccessMode != AccessReadWrite {
		t.Errorf("Lease.AccessMode = %q, want default %q to survive the merge", cfg.Delegator.Lease.AccessMode, AccessReadWrite)
	}
	if cfg.Delegator.Snapshot.Mode != SnapshotAuto {
		t.Errorf("Snapshot.Mode = %q, want default %q", cfg.Delegator.Snapshot.Mode, SnapshotAuto)
	}
	if cfg.Executor.WorkRoot != "/var/lib/awcp/work" {
		t.Errorf("WorkRoot = %q, want overridden value", cfg.Executor.WorkRoot)
	}
	if cfg.Executor.MaxConcurrentDelegations != 4 {
		t.Errorf("MaxConcurrentDelegations = %d, want 4", cfg.Executor.MaxConcurrentDelegations)
	}
	if !cfg.Executor.AutoAccept {
		t.Error("AutoAccept default should survive the merge")
	}
}

func TestLoadConfigFileMissingPath(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadConfigFile() on a missing path should return an error")
	}
}

func TestLoadConfigRequiresEnvVar(t *testing.T) {
	t.Setenv("AWCP_CONFIG", "")
	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() with AWCP_CONFIG unset should return an error")
	}
}

func TestLoadConfigUsesEnvVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "executor:\n  work_root: /tmp/work\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("AWCP_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Executor.WorkRoot != "/tmp/work" {
		t.Errorf("WorkRoot = %q, want /tmp/work", cfg.Executor.WorkRoot)
	}
}

func TestConnectionDefaultsRetryDelay(t *testing.T) {
	c := ConnectionDefaults{SSERetryDelayMs: 500}
	if got := c.RetryDelay(3); got != 1500*time.Millisecond {
		t.Errorf("RetryDelay(3) = %v, want 1500ms (linear backoff)", got)
	}
}

func TestSnapshotDefaultsRetentionDuration(t *testing.T) {
	s := SnapshotDefaults{RetentionMs: 1500}
	if got := s.RetentionDuration(); got != 1500*time.Millisecond {
		t.Errorf("RetentionDuration() = %v, want 1500ms", got)
	}
}

func TestAdmissionConfigLimits(t *testing.T) {
	a := AdmissionConfig{MaxTotalBytes: 100, MaxFileCount: 5, SkipSensitiveCheck: true}
	limits := a.Limits()
	if limits.MaxTotalBytes != 100 || limits.MaxFileCount != 5 || !limits.SkipSensitiveCheck {
		t.Errorf("Limits() = %+v, want matching AdmissionLimits", limits)
	}
}
