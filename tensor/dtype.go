// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

// DType enumerates supported data types. Storage is always float32; F16 and
// BF16 tag tensors whose values have been rounded to reduced precision by
// the mixed-precision autocast path.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	I32
	I64
)

// Size returns the byte width of the data type.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case I64:
		return 8
	default:
		return 4
	}
}

// String returns a human-readable name for the data type.
func (d DType) String() string {
	names := [...]string{"f32", "f16", "bf16", "i32", "i64"}
	if int(d) < len(names) {
		return names[d]
	}
	return "unknown"
}
