// Package atomic re-exports go.uber.org/atomic under the short names the
// rest of this module uses (Int64, Uint32, Uint64, Bool), mirroring the
// teacher's own internal cmn/atomic package without reinventing what the
// ecosystem already provides correctly.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "go.uber.org/atomic"

type (
	Int32  = atomic.Int32
	Int64  = atomic.Int64
	Uint32 = atomic.Uint32
	Uint64 = atomic.Uint64
	Bool   = atomic.Bool
)

var (
	NewInt32  = atomic.NewInt32
	NewInt64  = atomic.NewInt64
	NewUint32 = atomic.NewUint32
	NewUint64 = atomic.NewUint64
	NewBool   = atomic.NewBool
)
