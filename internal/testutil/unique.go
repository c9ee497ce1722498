// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use instead of time.Now() when
// tests need unique identifiers — delegation ids, snapshot ids — that
// must be distinguishable across concurrent subtests.
//
//	delegationID := testutil.UniqueID("dlg") // "dlg-1", "dlg-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
