// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, or time.Sleep directly. In production, Real()
// provides the standard library behavior. In tests, Fake() provides a
// deterministic clock.
//
// The Sleep semantics of FakeClock differ from a waiter-based fake:
// Sleep advances the clock and returns immediately. This matches how
// the sandbox uses time — bounded polling loops running on the calling
// goroutine — where a Sleep that blocked until an external Advance
// would simply deadlock the test.
package clock
