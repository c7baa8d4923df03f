// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestShape(t *testing.T) {
	s := NewShape(2, 3, 4)
	if s.Numel() != 24 {
		t.Errorf("expected numel 24, got %d", s.Numel())
	}
	if s.NDim() != 3 {
		t.Errorf("expected 3 dims, got %d", s.NDim())
	}
	if s.At(-1) != 4 || s.At(0) != 2 {
		t.Errorf("At mismatch: %d %d", s.At(-1), s.At(0))
	}
	if !s.Equal(NewShape(2, 3, 4)) {
		t.Error("expected equal shapes")
	}
	if s.Equal(NewShape(2, 3)) {
		t.Error("expected unequal shapes")
	}
}

func TestShapeStrides(t *testing.T) {
	got := NewShape(2, 3, 4).Strides()
	want := []int{12, 4, 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
}

func TestTensorElementwise(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	b := FromSlice([]float32{10, 20, 30, 40}, NewShape(2, 2))

	if diff := cmp.Diff([]float32{11, 22, 33, 44}, a.Add(b).DataPtr()); diff != "" {
		t.Errorf("Add mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]float32{10, 40, 90, 160}, a.Mul(b).DataPtr()); diff != "" {
		t.Errorf("Mul mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]float32{-9, -18, -27, -36}, a.Sub(b).DataPtr()); diff != "" {
		t.Errorf("Sub mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]float32{2, 4, 6, 8}, a.Scale(2).DataPtr()); diff != "" {
		t.Errorf("Scale mismatch:\n%s", diff)
	}
	// a must be untouched by the allocating ops.
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, a.DataPtr()); diff != "" {
		t.Errorf("source mutated:\n%s", diff)
	}
}

func TestSoftmaxVec(t *testing.T) {
	xs := []float32{1, 2, 3}
	SoftmaxVec(xs)
	var sum float32
	for _, v := range xs {
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-5 {
		t.Errorf("softmax should sum to 1, got %f", sum)
	}
	if !(xs[2] > xs[1] && xs[1] > xs[0]) {
		t.Errorf("softmax should preserve order: %v", xs)
	}
}

func TestSoftmaxMaskedRow(t *testing.T) {
	xs := []float32{0, NegInf, 0}
	SoftmaxVec(xs)
	if xs[1] != 0 {
		t.Errorf("masked position should get zero probability, got %f", xs[1])
	}
	if math.Abs(float64(xs[0])-0.5) > 1e-5 {
		t.Errorf("expected 0.5 on unmasked positions, got %f", xs[0])
	}
}

func TestMatmul(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, NewShape(3, 2))
	got := Matmul(a, b)
	want := []float32{58, 64, 139, 154}
	if diff := cmp.Diff(want, got.DataPtr()); diff != "" {
		t.Errorf("matmul mismatch:\n%s", diff)
	}
	if !got.Shape().Equal(NewShape(2, 2)) {
		t.Errorf("expected shape [2 2], got %v", got.Shape())
	}
}

func TestMatmulTransposedB(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	w := FromSlice([]float32{1, 0, 0, 1, 1, 1}, NewShape(3, 2))
	got := MatmulTransposedB(a, w)
	want := []float32{1, 2, 3, 3, 4, 7}
	if diff := cmp.Diff(want, got.DataPtr()); diff != "" {
		t.Errorf("mismatch:\n%s", diff)
	}
}

func TestMatmulBatched(t *testing.T) {
	// Two independent 2x2 @ 2x2 products.
	a := FromSlice([]float32{
		1, 0, 0, 1,
		2, 0, 0, 2,
	}, NewShape(2, 2, 2))
	b := FromSlice([]float32{
		5, 6, 7, 8,
		5, 6, 7, 8,
	}, NewShape(2, 2, 2))
	got := Matmul(a, b)
	want := []float32{5, 6, 7, 8, 10, 12, 14, 16}
	if diff := cmp.Diff(want, got.DataPtr()); diff != "" {
		t.Errorf("batched matmul mismatch:\n%s", diff)
	}
}

func TestRoundBF16(t *testing.T) {
	// bfloat16 keeps 8 significand bits: 1.0 + 2^-20 collapses to 1.0.
	if got := RoundBF16(1.0 + 1.0/(1<<20)); got != 1.0 {
		t.Errorf("expected 1.0, got %g", got)
	}
	// Values exactly representable survive.
	for _, v := range []float32{0, 1, -2, 0.5, 65536} {
		if got := RoundBF16(v); got != v {
			t.Errorf("expected %g to survive rounding, got %g", v, got)
		}
	}
	if !math.IsNaN(float64(RoundBF16(float32(math.NaN())))) {
		t.Error("NaN should stay NaN")
	}
}

func TestAccumulateGrad(t *testing.T) {
	p := FromSlice([]float32{1, 2}, NewShape(2))
	if p.Grad != nil {
		t.Fatal("fresh tensor should have nil grad")
	}
	p.AccumulateGrad([]float32{1, 1})
	p.AccumulateGrad([]float32{2, 3})
	if diff := cmp.Diff([]float32{3, 4}, p.Grad); diff != "" {
		t.Errorf("grad mismatch:\n%s", diff)
	}
	p.ZeroGrad()
	if diff := cmp.Diff([]float32{0, 0}, p.Grad); diff != "" {
		t.Errorf("grad should be zeroed in place:\n%s", diff)
	}
}

func TestIsFiniteF32(t *testing.T) {
	if !IsFiniteF32(1.5) || !IsFiniteF32(0) {
		t.Error("finite values misreported")
	}
	if IsFiniteF32(float32(math.NaN())) {
		t.Error("NaN reported finite")
	}
	if IsFiniteF32(float32(math.Inf(1))) || IsFiniteF32(float32(math.Inf(-1))) {
		t.Error("Inf reported finite")
	}
}

func TestReshapePreservesData(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := a.Reshape(NewShape(3, 2))
	if b.At(2, 1) != 6 {
		t.Errorf("expected 6, got %f", b.At(2, 1))
	}
}
