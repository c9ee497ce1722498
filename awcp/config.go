// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for an AWCP participant. A
// single binary may act as Delegator, Executor, or both — unset
// sections simply go unused.
//
// Configuration is loaded from a single file named by the AWCP_CONFIG
// environment variable or a --config flag. There is no automatic
// discovery: a missing path is an error, not a fallback to defaults.
type Config struct {
	Delegator DelegatorConfig `yaml:"delegator"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// DelegatorConfig configures the Delegator-side engine.
type DelegatorConfig struct {
	// StoreDir holds the Delegation Store's per-delegation JSON
	// records.
	StoreDir string `yaml:"store_dir"`

	// ExportRoot is where per-delegation materialized exports are
	// built.
	ExportRoot string `yaml:"export_root"`

	// SnapshotRoot is where staged/auto snapshot payloads are
	// persisted pending apply.
	SnapshotRoot string `yaml:"snapshot_root"`

	Lease      LeaseDefaults      `yaml:"lease"`
	Snapshot   SnapshotDefaults   `yaml:"snapshot"`
	Connection ConnectionDefaults `yaml:"connection"`
	Admission  AdmissionConfig    `yaml:"admission"`

	// SealingRecipients, if set, are age public keys the Delegation
	// Store encrypts each delegation's TransportHandle to at rest.
	SealingRecipients []string `yaml:"sealing_recipients,omitempty"`
}

// LeaseDefaults are applied to a delegation's LeaseRequest when the
// caller does not specify them.
type LeaseDefaults struct {
	TTLSeconds int        `yaml:"ttl_seconds"`
	AccessMode AccessMode `yaml:"access_mode"`
}

// SnapshotDefaults configures reception-side snapshot handling.
type SnapshotDefaults struct {
	Mode         SnapshotPolicy `yaml:"mode"`
	RetentionMs  int            `yaml:"retention_ms"`
	MaxSnapshots int            `yaml:"max_snapshots"`
}

// RetentionDuration returns RetentionMs as a time.Duration.
func (s SnapshotDefaults) RetentionDuration() time.Duration {
	return time.Duration(s.RetentionMs) * time.Millisecond
}

// ConnectionDefaults configures the Delegator's outbound HTTP/SSE
// behavior.
type ConnectionDefaults struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	SSEMaxRetries         int `yaml:"sse_max_retries"`
	SSERetryDelayMs       int `yaml:"sse_retry_delay_ms"`
}

// RequestTimeout returns RequestTimeoutSeconds as a time.Duration.
func (c ConnectionDefaults) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RetryDelay returns the linear backoff delay for the given 1-indexed
// retry attempt.
func (c ConnectionDefaults) RetryDelay(attempt int) time.Duration {
	return time.Duration(c.SSERetryDelayMs) * time.Millisecond * time.Duration(attempt)
}

// AdmissionConfig configures the admission controller's bounds.
type AdmissionConfig struct {
	MaxTotalBytes       int64 `yaml:"max_total_bytes"`
	MaxFileCount        int   `yaml:"max_file_count"`
	MaxLargestFileBytes int64 `yaml:"max_largest_file_bytes"`
	SkipSensitiveCheck  bool  `yaml:"skip_sensitive_check"`
}

// Limits converts the YAML-facing config into AdmissionLimits.
func (a AdmissionConfig) Limits() AdmissionLimits {
	return AdmissionLimits{
		MaxTotalBytes:       a.MaxTotalBytes,
		MaxFileCount:        a.MaxFileCount,
		MaxLargestFileBytes: a.MaxLargestFileBytes,
		SkipSensitiveCheck:  a.SkipSensitiveCheck,
	}
}

// ExecutorConfig configures the Executor-side engine.
type ExecutorConfig struct {
	// WorkRoot is the single root directory the Workspace Manager
	// allocates per-delegation work paths beneath.
	WorkRoot string `yaml:"work_root"`

	// MaxConcurrentDelegations is the admission concurrency cap. The
	// (N+1)th INVITE is declined, not queued.
	MaxConcurrentDelegations int `yaml:"max_concurrent_delegations"`

	// AutoAccept, when true, admits every INVITE that passes the
	// built-in checks without consulting the engine's decline hook (see
	// ExecutorEngine.WithDeclineHook). When false, a configured hook
	// gets a chance to veto the admission before it commits.
	AutoAccept bool `yaml:"auto_accept"`

	// MaxTTLSeconds bounds the lease TTL this executor will accept. An
	// INVITE requesting a longer TTL is admitted with its
	// ExecutorConstraints.MaxTTLSeconds clamped to this value rather
	// than refused outright. Zero means no bound.
	MaxTTLSeconds int `yaml:"max_ttl_seconds"`

	// AllowedAccessModes, if non-empty, is the set of LeaseRequest
	// AccessMode values this executor will admit. An INVITE requesting
	// an access mode outside this set is refused with DECLINED. An
	// empty list permits every access mode.
	AllowedAccessModes []AccessMode `yaml:"allowed_access_modes,omitempty"`

	// ResultRetentionMs bounds how long a completed delegation's
	// result stays available via GET /tasks/{id}/result and how long
	// its event bus replays a terminal event.
	ResultRetentionMs int `yaml:"result_retention_ms"`

	// DeniedWorkDirPrefixes, if non-empty, rejects any delegation
	// whose resolved work directory would fall under one of these
	// prefixes (absolute paths) with WORKDIR_DENIED.
	DeniedWorkDirPrefixes []string `yaml:"denied_work_dir_prefixes,omitempty"`
}

// ResultRetention returns ResultRetentionMs as a time.Duration.
func (e ExecutorConfig) ResultRetention() time.Duration {
	return time.Duration(e.ResultRetentionMs) * time.Millisecond
}

// DefaultConfig returns the protocol's documented defaults. The
// config file is still required — these exist so every field has a
// sensible value before overrides from the file are merged in, not as
// a substitute for a config file.
func DefaultConfig() *Config {
	return &Config{
		Delegator: DelegatorConfig{
			Lease: LeaseDefaults{
				TTLSeconds: 3600,
				AccessMode: AccessReadWrite,
			},
			Snapshot: SnapshotDefaults{
				Mode:         SnapshotAuto,
				RetentionMs:  30 * 60 * 1000,
				MaxSnapshots: 10,
			},
			Connection: ConnectionDefaults{
				RequestTimeoutSeconds: 30,
				SSEMaxRetries:         3,
				SSERetryDelayMs:       2000,
			},
			Admission: AdmissionConfig{
				MaxTotalBytes:       100 << 20,
				MaxFileCount:        10000,
				MaxLargestFileBytes: 50 << 20,
			},
		},
		Executor: ExecutorConfig{
			AutoAccept:        true,
			ResultRetentionMs: 30 * 60 * 1000,
		},
	}
}

// LoadConfig reads and parses the config file named by the AWCP_CONFIG
// environment variable. There is no fallback: an unset variable is an
// error.
func LoadConfig() (*Config, error) {
	path := os.Getenv("AWCP_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("AWCP_CONFIG environment variable not set; set it to the path of your config file, or use --config")
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads and parses the config file at path, merging it
// over DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
