// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package tensor implements flat float32 tensors with row-major storage,
// lazily allocated per-element gradients, and BLAS-backed matrix multiply.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// Row-major layout: the last dimension varies fastest. All operations
// allocate new tensors unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
	Grad  []float32 // per-element gradient, nil until allocated
}

// New allocates a zero-filled tensor of the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape, dtype: dtype}
}

// Zeros is an alias for New (zero-filled tensor).
func Zeros(shape Shape, dtype DType) *Tensor { return New(shape, dtype) }

// Ones allocates a tensor filled with 1.0.
func Ones(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// Full allocates a tensor filled with the given value.
func Full(shape Shape, v float32) *Tensor {
	t := New(shape, F32)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// FromSliceNoCopy creates a tensor that directly owns the provided slice
// (no copy). The caller must NOT retain or mutate the slice after this call.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// FromInts creates a float32 tensor from integer values (token IDs, labels).
// IDs are stored as float32 because the Tensor type only supports []float32.
func FromInts(ids []int, shape Shape) *Tensor {
	if len(ids) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(ids), shape.Numel()))
	}
	d := make([]float32, len(ids))
	for i, id := range ids {
		d[i] = float32(id)
	}
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// Randn allocates a tensor filled with standard normal random values.
func Randn(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64())
	}
	return t
}

// RandnWithStd allocates a tensor filled with normal random values scaled by std.
func RandnWithStd(shape Shape, dtype DType, std float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type tag.
func (t *Tensor) DType() DType { return t.dtype }

// DataPtr returns the underlying storage slice directly (no copy).
// Callers may mutate elements in-place; use Data() for a safe copy.
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// ZeroGrad resets the gradient. If Grad exists and matches the data length,
// it is zeroed in place to avoid reallocation. Otherwise Grad is set to nil
// so that only parameters that actually receive gradients via AccumulateGrad
// will have a non-nil Grad after the backward pass.
func (t *Tensor) ZeroGrad() {
	n := len(t.data)
	if t.Grad != nil && len(t.Grad) == n {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	} else {
		t.Grad = nil
	}
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// flatIndex converts multi-dimensional indices to a flat offset using
// row-major strides. Panics on out-of-bounds access.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// Reshape returns a new tensor sharing the same backing data but with a
// different shape. The total number of elements must be unchanged.
// WARNING: because data is shared, mutations to one affect the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s, dtype: t.dtype}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
	return r
}

// Mul returns element-wise t * o (Hadamard product).
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
	return r
}

// Scale returns t * s (scalar multiplication).
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape, t.dtype)
	src, dst := t.data, r.data
	for i := range dst {
		dst[i] = src[i] * s
	}
	return r
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// MulInPlace multiplies t by other element-wise, mutating t.
func (t *Tensor) MulInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] *= b[i]
	}
}

// ScaleInPlace multiplies every element of t by s, mutating t.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// SiLU returns the SiLU (Swish) activation applied element-wise.
//
//	SiLU(x) = x * sigmoid(x) = x / (1 + exp(-x))
func (t *Tensor) SiLU() *Tensor {
	r := New(t.shape, t.dtype)
	src, dst := t.data, r.data
	for i, x := range src {
		dst[i] = x / (1 + ExpF32(-x))
	}
	return r
}

// SiLUInPlace applies SiLU activation in-place, avoiding a temporary allocation.
func (t *Tensor) SiLUInPlace() {
	for i, x := range t.data {
		t.data[i] = x / (1 + ExpF32(-x))
	}
}

// RoundBF16InPlace rounds every element to the nearest bfloat16 value and
// tags the tensor BF16. This is the reduced-precision autocast used by the
// mixed-precision forward pass.
func (t *Tensor) RoundBF16InPlace() {
	for i, x := range t.data {
		t.data[i] = RoundBF16(x)
	}
	t.dtype = BF16
}

// SoftmaxVec computes a numerically stable softmax of xs in place.
//
//	p_i = exp(x_i - max(x)) / sum_j(exp(x_j - max(x)))
func SoftmaxVec(xs []float32) {
	maxVal := xs[0]
	for _, v := range xs[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range xs {
		e := ExpF32(v - maxVal)
		xs[i] = e
		sum += e
	}
	invSum := 1.0 / sum
	for i := range xs {
		xs[i] *= invSum
	}
}

// Softmax computes row-wise softmax along the last dimension.
// The max-subtraction provides numerical stability by preventing overflow
// in the exponential. Applied independently to each last-dim vector.
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	result := t.Clone()
	lastDim := t.shape.At(-1)
	numVectors := t.shape.Numel() / lastDim
	for v := 0; v < numVectors; v++ {
		SoftmaxVec(result.data[v*lastDim : (v+1)*lastDim])
	}
	return result
}

// Matmul computes matrix multiplication C = A @ B.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
//
// Supports 2D [M,K] x [K,N] -> [M,N] and batched 3D [B,M,K] x [B,K,N] -> [B,M,N].
// Delegates to gonum BLAS (see blas.go).
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("unsupported batch dimensions")
	}

	result := New(resultShape, a.dtype)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN
	for batch := 0; batch < batchSize; batch++ {
		aOff, bOff, cOff := batch*aStride, batch*bStride, batch*cStride
		sgemm(aM, bN, aK,
			1.0, a.data[aOff:aOff+aStride], aK,
			b.data[bOff:bOff+bStride], bN,
			0.0, result.data[cOff:cOff+cStride], bN)
	}
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N]. This is the hot path for Linear.Forward
// with [out_features, in_features] weight layout.
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bN, bK := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN), a.dtype)
	sgemmTransB(aM, bN, aK,
		1.0, a.data, aK,
		b.data, bK,
		0.0, result.data, bN)
	return result
}

// Transpose swaps the last two dimensions by explicit element copy.
func (t *Tensor) Transpose() *Tensor {
	if t.shape.NDim() < 2 {
		panic("transpose requires at least 2D tensor")
	}
	dims := t.shape.Dims()
	dims[len(dims)-1], dims[len(dims)-2] = dims[len(dims)-2], dims[len(dims)-1]
	result := New(NewShape(dims...), t.dtype)
	rows, cols := t.shape.At(-2), t.shape.At(-1)
	batchSize := t.shape.Numel() / (rows * cols)
	for batch := 0; batch < batchSize; batch++ {
		srcOff, dstOff := batch*rows*cols, batch*cols*rows
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				result.data[dstOff+j*rows+i] = t.data[srcOff+i*cols+j]
			}
		}
	}
	return result
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 { return t.Sum() / float32(len(t.data)) }

// SplitLast splits dims into (leading dims, product of leading dims, last dim).
// Used to treat [batch, seq, hidden] as (batch*seq, hidden) for 2D matmuls.
func SplitLast(dims []int) (leading []int, leadingSize int, last int) {
	if len(dims) == 0 {
		panic("shape must have at least one dimension")
	}
	last = dims[len(dims)-1]
	leading = dims[:len(dims)-1]
	leadingSize = 1
	for _, d := range leading {
		leadingSize *= d
	}
	return leading, leadingSize, last
}

// WithLastDim creates a new shape by appending last to the leading dimensions.
// Restores the original batch dims after a flattened matmul.
func WithLastDim(dims []int, last int) Shape {
	out := append(append([]int(nil), dims...), last)
	return NewShape(out...)
}
