// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dustin/go-humanize"
)

// AdmissionLimits bounds what a Delegator will ship to an Executor.
// Checked once per delegation, before INVITE is sent.
type AdmissionLimits struct {
	MaxTotalBytes       int64
	MaxFileCount        int
	MaxLargestFileBytes int64

	// SkipSensitiveCheck disables the sensitive-path scan below.
	// Default false: the scan runs and refuses delegation on any
	// match unless the caller opts out explicitly.
	SkipSensitiveCheck bool

	// SensitivePatterns are regular expressions matched against each
	// candidate path's base name. The default set (see
	// DefaultSensitivePatterns) covers dotenv files, private keys,
	// and common cloud credential file names.
	SensitivePatterns []*regexp.Regexp
}

// DefaultSensitivePatterns returns the built-in sensitive-path
// pattern list: dotenv files, private key material, and well-known
// cloud credential file names.
func DefaultSensitivePatterns() []*regexp.Regexp {
	raw := []string{
		`^\.env(\..+)?$`,
		`.*\.pem$`,
		`.*\.key$`,
		`^id_rsa$`, `^id_ed25519$`, `^id_ecdsa$`,
		`^credentials$`, `^credentials\.json$`,
		`^\.aws$`, `^\.netrc$`,
	}
	patterns := make([]*regexp.Regexp, len(raw))
	for i, r := range raw {
		patterns[i] = regexp.MustCompile(r)
	}
	return patterns
}

// AdmissionResult is computed by Admit. DelegatorEngine.Create attaches
// it to the delegation record when admission succeeds; a refused
// delegation is never recorded, so nothing is attached on failure.
type AdmissionResult struct {
	TotalBytes       int64 `json:"totalBytes"`
	FileCount        int   `json:"fileCount"`
	LargestFileBytes int64 `json:"largestFileBytes"`
}

// Admit walks root (the materialized export, or the resource sources
// directly when materialization is cheap) applying each resource's
// include/exclude rules and the conventionally-skipped directories,
// and checks the walked totals against limits.
//
// Admission failure never leaves partial state behind: Admit itself
// writes nothing, and its caller (DelegatorEngine.Create) removes the
// already-built export with Materializer.Release.
func Admit(root string, resources []Resource, limits AdmissionLimits) (AdmissionResult, *Error) {
	patterns := limits.SensitivePatterns
	if patterns == nil && !limits.SkipSensitiveCheck {
		patterns = DefaultSensitivePatterns()
	}

	var result AdmissionResult
	for _, resource := range resources {
		sourceRoot := filepath.Join(root, resource.Name)
		if _, err := os.Stat(sourceRoot); err != nil {
			continue
		}

		walkErr := filepath.WalkDir(sourceRoot, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if walkPath == sourceRoot {
				return nil
			}
			relPath, relErr := filepath.Rel(sourceRoot, walkPath)
			if relErr != nil {
				return relErr
			}
			relPath = filepath.ToSlash(relPath)

			if d.IsDir() && IsSkippedDirectory(d.Name()) {
				return filepath.SkipDir
			}
			if !resource.Selected(relPath) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}

			if !limits.SkipSensitiveCheck {
				for _, pattern := range patterns {
					if pattern.MatchString(d.Name()) {
						return sensitivePathError{path: relPath}
					}
				}
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			size := info.Size()
			result.TotalBytes += size
			result.FileCount++
			if size > result.LargestFileBytes {
				result.LargestFileBytes = size
			}
			return nil
		})
		if walkErr != nil {
			if sensitive, ok := walkErr.(sensitivePathError); ok {
				return result, WorkspaceTooLarge(
					fmt.Sprintf("resource %q: path %q matches a sensitive-file pattern", resource.Name, sensitive.path),
					"sensitivePath",
				)
			}
			return result, SetupFailed(fmt.Sprintf("scanning resource %q: %v", resource.Name, walkErr))
		}
	}

	if limits.MaxTotalBytes > 0 && result.TotalBytes > limits.MaxTotalBytes {
		return result, WorkspaceTooLarge(
			fmt.Sprintf("total size %s exceeds limit %s", humanize.Bytes(uint64(result.TotalBytes)), humanize.Bytes(uint64(limits.MaxTotalBytes))),
			"totalBytes",
		)
	}
	if limits.MaxFileCount > 0 && result.FileCount > limits.MaxFileCount {
		return result, WorkspaceTooLarge(
			fmt.Sprintf("file count %d exceeds limit %d", result.FileCount, limits.MaxFileCount),
			"fileCount",
		)
	}
	if limits.MaxLargestFileBytes > 0 && result.LargestFileBytes > limits.MaxLargestFileBytes {
		return result, WorkspaceTooLarge(
			fmt.Sprintf("largest file %s exceeds limit %s", humanize.Bytes(uint64(result.LargestFileBytes)), humanize.Bytes(uint64(limits.MaxLargestFileBytes))),
			"largestFileBytes",
		)
	}

	return result, nil
}

// sensitivePathError is used internally to thread a matched path out
// of filepath.WalkDir's callback.
type sensitivePathError struct{ path string }

func (e sensitivePathError) Error() string { return fmt.Sprintf("sensitive path: %s", e.path) }
