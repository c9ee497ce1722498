// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// MaterializeStrategy selects how a resource's source directory is
// exposed under the export root. Correctness is identical across
// strategies; they differ only in cost and in whether the Delegator's
// original files can be mutated through the export.
type MaterializeStrategy string

const (
	// StrategyCopy duplicates file content into the export tree.
	StrategyCopy MaterializeStrategy = "copy"
	// StrategySymlink places a symlink to the source at the export
	// path. Cheap, but a writable resource under this strategy lets
	// the Executor's transport adapter follow the link back into the
	// Delegator's live tree — only safe for ro resources or trusted
	// local transports.
	StrategySymlink MaterializeStrategy = "symlink"
)

// ExportManifest is written as .awcp/manifest.json at the root of
// every materialized export.
type ExportManifest struct {
	Version      string          `json:"version"`
	DelegationID string          `json:"delegationId"`
	CreatedAt    time.Time       `json:"createdAt"`
	Resources    []ManifestEntry `json:"resources"`
}

// ManifestEntry records one resource's declared mode in the export
// manifest.
type ManifestEntry struct {
	Name string     `json:"name"`
	Mode AccessMode `json:"mode"`
}

// Materializer builds and tears down per-delegation export trees on
// the Delegator side.
type Materializer struct {
	clock    clock.Clock
	strategy MaterializeStrategy
}

// NewMaterializer returns a Materializer using the given strategy and
// clock (for manifest timestamps).
func NewMaterializer(c clock.Clock, strategy MaterializeStrategy) *Materializer {
	if strategy == "" {
		strategy = StrategyCopy
	}
	return &Materializer{clock: c, strategy: strategy}
}

// Materialize builds exportRoot/<resourceName>/... for each resource,
// applying include/exclude rules, and writes the export manifest. Under
// StrategySymlink each resource is one link to its whole source, and
// include/exclude rules are not applied. On
// any error the partially-built export is removed before returning,
// so callers never observe a half-constructed export.
func (m *Materializer) Materialize(delegationID, exportRoot string, resources []Resource) error {
	if err := os.MkdirAll(exportRoot, 0o700); err != nil {
		return fmt.Errorf("materializer: creating export root: %w", err)
	}

	rollback := true
	defer func() {
		if rollback {
			os.RemoveAll(exportRoot)
		}
	}()

	for _, resource := range resources {
		dest := filepath.Join(exportRoot, resource.Name)
		if err := m.materializeResource(resource, dest); err != nil {
			return fmt.Errorf("materializer: resource %q: %w", resource.Name, err)
		}
	}

	manifest := ExportManifest{
		Version:      ProtocolVersion,
		DelegationID: delegationID,
		CreatedAt:    m.clock.Now(),
	}
	for _, resource := range resources {
		manifest.Resources = append(manifest.Resources, ManifestEntry{Name: resource.Name, Mode: resource.Mode})
	}
	manifestDir := filepath.Join(exportRoot, ".awcp")
	if err := os.MkdirAll(manifestDir, 0o700); err != nil {
		return fmt.Errorf("materializer: creating manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("materializer: encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(manifestDir, "manifest.json"), data, 0o600); err != nil {
		return fmt.Errorf("materializer: writing manifest: %w", err)
	}

	rollback = false
	return nil
}

func (m *Materializer) materializeResource(resource Resource, dest string) error {
	info, err := os.Stat(resource.Source)
	if err != nil {
		return fmt.Errorf("statting source %s: %w", resource.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", resource.Source)
	}

	if m.strategy == StrategySymlink {
		return os.Symlink(resource.Source, dest)
	}

	return filepath.WalkDir(resource.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, relErr := filepath.Rel(resource.Source, path)
		if relErr != nil {
			return relErr
		}
		relPath = filepath.ToSlash(relPath)
		if relPath != "." && d.IsDir() && IsSkippedDirectory(d.Name()) {
			return filepath.SkipDir
		}
		if relPath != "." && !resource.Selected(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, filepath.FromSlash(relPath))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// Release removes the entire per-delegation export tree.
func (m *Materializer) Release(exportRoot string) error {
	if err := os.RemoveAll(exportRoot); err != nil {
		return fmt.Errorf("materializer: releasing %s: %w", exportRoot, err)
	}
	return nil
}
