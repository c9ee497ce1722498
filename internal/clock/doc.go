// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, time.AfterFunc, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// AWCP threads a Clock through every component with a timer: lease
// expiry (the Delegator's per-delegation deadline), SSE reconnect
// backoff, and the Executor's completion-record retention sweep all
// accept a Clock rather than reading the wall clock directly.
package clock
