// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package inline implements the reference Transport Handle described
// by the protocol's own example: an inline base64-encoded archive
// plus a checksum. Both the Delegator and Executor halves of the
// contract build on internal/archive for the manifest format. The
// handle is not encrypted: the archive travels as plain base64.
//
// This adapter is the one every integration test in this module is
// built against. It is not the only viable transport — an SSH-mounted
// filesystem or an object-store pre-signed URL are equally valid
// Transport implementations — but it needs no external service to
// exercise the protocol engine end to end.
package inline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/EricSanchezok/awcp/awcp"
	"github.com/EricSanchezok/awcp/internal/archive"
)

// Handle is the wire form of this adapter's Transport Handle: a
// base64-encoded, compressed, checksummed archive of every readable
// resource's materialized bytes.
type Handle struct {
	Compression archive.CompressionTag `json:"compression"`
	Size        int                    `json:"uncompressedSize"`
	Checksum    string                 `json:"checksum"`
	Archive     string                 `json:"archive"` // base64
}

func encodeHandle(payload *archive.Payload) (json.RawMessage, error) {
	handle := Handle{
		Compression: payload.Compression,
		Size:        payload.UncompressedSize,
		Checksum:    payload.Hash.String(),
		Archive:     base64.StdEncoding.EncodeToString(payload.Compressed),
	}
	raw, err := json.Marshal(handle)
	if err != nil {
		return nil, fmt.Errorf("inline: encoding handle: %w", err)
	}
	return raw, nil
}

func decodeHandle(raw json.RawMessage) (*archive.Payload, error) {
	var handle Handle
	if err := json.Unmarshal(raw, &handle); err != nil {
		return nil, fmt.Errorf("inline: decoding handle: %w", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(handle.Archive)
	if err != nil {
		return nil, fmt.Errorf("inline: decoding archive base64: %w", err)
	}
	hash, err := archive.ParseHash(handle.Checksum)
	if err != nil {
		return nil, fmt.Errorf("inline: parsing checksum: %w", err)
	}
	return &archive.Payload{
		Compression:      handle.Compression,
		UncompressedSize: handle.Size,
		Hash:             hash,
		Compressed:       compressed,
	}, nil
}

// Delegator is the Delegator-side half of the inline transport.
// Prepare builds an archive of exportPath and hands back its encoded
// Handle; ApplySnapshot extracts a received archive back into
// exportPath's writable resources.
type Delegator struct {
	Compression archive.CompressionTag

	mu      sync.Mutex
	handles map[string]json.RawMessage
}

// NewDelegator returns a Delegator adapter using tag for new archives.
// CompressionZstd is a reasonable default for source trees.
func NewDelegator(tag archive.CompressionTag) *Delegator {
	return &Delegator{Compression: tag, handles: make(map[string]json.RawMessage)}
}

func (d *Delegator) Initialize(ctx context.Context) error { return nil }

func (d *Delegator) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (json.RawMessage, error) {
	d.mu.Lock()
	if cached, ok := d.handles[delegationID]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	manifest, err := archive.Build(exportPath, nil)
	if err != nil {
		return nil, fmt.Errorf("inline: building manifest for %s: %w", delegationID, err)
	}
	payload, err := archive.Encode(manifest, d.Compression)
	if err != nil {
		return nil, fmt.Errorf("inline: encoding manifest for %s: %w", delegationID, err)
	}
	handle, err := encodeHandle(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.handles[delegationID] = handle
	d.mu.Unlock()
	return handle, nil
}

// ApplySnapshot extracts the payload's manifest into exportPath,
// restricted to the resources named in writable — a resource declared
// ro is never a candidate even if the manifest happens to contain
// entries under its name.
func (d *Delegator) ApplySnapshot(ctx context.Context, delegationID, snapshotID string, payload json.RawMessage, writable []awcp.Resource, exportPath string) error {
	archivePayload, err := decodeHandle(payload)
	if err != nil {
		return err
	}
	manifest, err := archive.Decode(archivePayload)
	if err != nil {
		return fmt.Errorf("inline: decoding snapshot %s: %w", snapshotID, err)
	}

	writableNames := make(map[string]awcp.Resource, len(writable))
	for _, r := range writable {
		writableNames[r.Name] = r
	}

	filtered := &archive.Manifest{}
	for _, entry := range manifest.Entries {
		name, rest := splitResourcePath(entry.Path)
		resource, ok := writableNames[name]
		if !ok {
			continue
		}
		if rest != "" && !resource.Selected(rest) {
			continue
		}
		filtered.Entries = append(filtered.Entries, entry)
	}

	if err := archive.Extract(filtered, exportPath); err != nil {
		return fmt.Errorf("inline: applying snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func splitResourcePath(path string) (name, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func (d *Delegator) Release(ctx context.Context, delegationID string) error {
	d.mu.Lock()
	delete(d.handles, delegationID)
	d.mu.Unlock()
	return nil
}

func (d *Delegator) Capabilities() awcp.Capabilities {
	return awcp.Capabilities{SupportsSnapshots: true, LiveSync: false}
}

// Executor is the Executor-side half of the inline transport. Setup
// extracts a received archive into workPath; CaptureSnapshot builds a
// fresh archive of workPath's writable resources.
type Executor struct {
	Compression archive.CompressionTag
}

// NewExecutor returns an Executor adapter using tag for captured
// snapshots.
func NewExecutor(tag archive.CompressionTag) *Executor {
	return &Executor{Compression: tag}
}

func (e *Executor) Initialize(ctx context.Context) error { return nil }

func (e *Executor) CheckDependency(ctx context.Context) (awcp.DependencyStatus, error) {
	return awcp.DependencyStatus{Available: true}, nil
}

func (e *Executor) Setup(ctx context.Context, delegationID string, handle json.RawMessage, workPath string) error {
	payload, err := decodeHandle(handle)
	if err != nil {
		return err
	}
	manifest, err := archive.Decode(payload)
	if err != nil {
		return fmt.Errorf("inline: decoding handle for %s: %w", delegationID, err)
	}
	if err := archive.Extract(manifest, workPath); err != nil {
		return fmt.Errorf("inline: extracting for %s: %w", delegationID, err)
	}
	return nil
}

func (e *Executor) CaptureSnapshot(ctx context.Context, delegationID, workPath string, writable []awcp.Resource) (json.RawMessage, error) {
	if len(writable) == 0 {
		return nil, nil
	}

	combined := &archive.Manifest{}
	for _, resource := range writable {
		resourceManifest, err := archive.Build(workPath+"/"+resource.Name, resource.Selected)
		if err != nil {
			return nil, fmt.Errorf("inline: capturing resource %q: %w", resource.Name, err)
		}
		for _, entry := range resourceManifest.Entries {
			entry.Path = resource.Name + "/" + entry.Path
			combined.Entries = append(combined.Entries, entry)
		}
	}
	if len(combined.Entries) == 0 {
		return nil, nil
	}

	payload, err := archive.Encode(combined, e.Compression)
	if err != nil {
		return nil, fmt.Errorf("inline: encoding snapshot for %s: %w", delegationID, err)
	}
	return encodeHandle(payload)
}

func (e *Executor) Release(ctx context.Context, delegationID string) error { return nil }
