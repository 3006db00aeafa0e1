// Package mono provides low-level monotonic time.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import (
	_ "unsafe" // for go:linkname
)

// NanoTime returns the current value of the runtime's monotonic clock in
// nanoseconds. It is used throughout the hot path (ring buffer polling,
// session timers) to avoid the allocation and timezone overhead of
// time.Now().
//
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64
