// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"
	"strings"
)

// Shape represents the dimensions of a tensor. Internally stored as a
// private slice to prevent external mutation.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns a direct reference to the internal dimension slice.
// The caller must NOT mutate the returned slice. Used in hot paths to
// avoid the allocation that Dims() incurs.
func (s Shape) DimsRef() []int {
	return s.dims
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements (product of all dimensions).
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// At returns the size of dimension dim. Negative indices count from the end
// (e.g., At(-1) returns the last dimension), matching NumPy convention.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		return 0
	}
	return s.dims[dim]
}

// Strides returns row-major strides for the shape.
// For shape [2, 3, 4] the strides are [12, 4, 1], meaning moving
// one step along dim 0 advances 12 elements in flat storage.
func (s Shape) Strides() []int {
	if len(s.dims) == 0 {
		return nil
	}
	strides := make([]int, len(s.dims))
	strides[len(s.dims)-1] = 1
	for i := len(s.dims) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s.dims[i+1]
	}
	return strides
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
