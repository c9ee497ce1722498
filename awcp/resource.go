// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"path"
	"strings"
)

// Selected reports whether relPath (slash-separated, relative to a
// resource's source root) is a transfer candidate under the
// resource's include/exclude glob rules. An empty Include list admits
// everything; Exclude is applied after Include and always wins.
//
// The same rule evaluation is used by the Materializer when building
// an export and by a transport adapter walking a work path for
// capture, so a file that is invisible to one is invisible to both.
func (r Resource) Selected(relPath string) bool {
	relPath = path.Clean(strings.ReplaceAll(relPath, `\`, "/"))
	if relPath == "." {
		return true
	}

	included := len(r.Include) == 0
	for _, pattern := range r.Include {
		if matchGlob(pattern, relPath) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range r.Exclude {
		if matchGlob(pattern, relPath) {
			return false
		}
	}
	return true
}

// matchGlob reports whether name matches pattern. Patterns are
// slash-separated; a "**" path segment matches zero or more path
// segments, and every other segment is matched with path.Match
// (supporting single-segment "*", "?", and character classes).
//
// path.Match alone cannot express a glob that crosses directory
// boundaries ("**"), so this is a small hand-rolled extension rather
// than a third-party dependency: none of the retrieved example
// modules import a glob library, and the only behavior AWCP needs
// beyond single-segment matching is "**".
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}

// SkippedDirectories lists conventional directories excluded from
// admission scans and materialization regardless of a resource's own
// include/exclude rules — version-control metadata and dependency
// caches a user essentially never intends to ship.
var SkippedDirectories = []string{
	".git", ".hg", ".svn",
	"node_modules", "vendor",
	"__pycache__", ".venv",
	".terraform",
}

// IsSkippedDirectory reports whether base (a single path segment, not
// a full path) names a conventionally-skipped directory.
func IsSkippedDirectory(base string) bool {
	for _, skipped := range SkippedDirectories {
		if base == skipped {
			return true
		}
	}
	return false
}
