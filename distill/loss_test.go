// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"errors"
	"math"
	"testing"

	"github.com/fumi-engineer/kdist/tensor"
)

func TestLayerMap(t *testing.T) {
	cases := []struct {
		layers int
		want   []int
	}{
		{2, []int{5, 11}},
		{3, []int{3, 7, 11}},
		{4, []int{2, 5, 8, 11}},
		{6, []int{1, 3, 5, 7, 9, 11}},
		{12, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
	}
	for _, tc := range cases {
		got, err := LayerMap(tc.layers)
		if err != nil {
			t.Fatalf("layers=%d: %v", tc.layers, err)
		}
		if len(got) != tc.layers {
			t.Errorf("layers=%d: mapping has %d entries", tc.layers, len(got))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("layers=%d index %d: got %d want %d", tc.layers, i, got[i], tc.want[i])
			}
			if i > 0 && got[i] <= got[i-1] {
				t.Errorf("layers=%d: mapping not strictly increasing at %d", tc.layers, i)
			}
		}
		if got[len(got)-1] != 11 {
			t.Errorf("layers=%d: mapping must end at the last teacher layer", tc.layers)
		}
	}
}

func TestLayerMapUnsupported(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7, 8, 24} {
		_, err := LayerMap(n)
		if err == nil {
			t.Errorf("layers=%d: expected error", n)
		}
		var ce ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("layers=%d: expected ConfigError, got %T", n, err)
		}
	}
}

func TestLayerMapReturnsCopy(t *testing.T) {
	a, _ := LayerMap(2)
	a[0] = 99
	b, _ := LayerMap(2)
	if b[0] != 5 {
		t.Error("LayerMap must not expose its internal table")
	}
}

func TestCrossEntropyIgnoreIndex(t *testing.T) {
	// Two positions, one ignored. With uniform logits over 4 classes the
	// counted position contributes ln(4).
	logits := tensor.Zeros(tensor.NewShape(1, 2, 4), tensor.F32)
	labels := tensor.FromInts([]int{2, IgnoreIndex}, tensor.NewShape(1, 2))
	got := CrossEntropy(logits, labels)
	want := float32(math.Log(4))
	if math.Abs(float64(got-want)) > 1e-4 {
		t.Errorf("got %f, want %f", got, want)
	}
}

func TestCrossEntropyAllIgnored(t *testing.T) {
	logits := tensor.Randn(tensor.NewShape(1, 3, 5), tensor.F32)
	labels := tensor.FromInts([]int{IgnoreIndex, IgnoreIndex, IgnoreIndex}, tensor.NewShape(1, 3))
	if got := CrossEntropy(logits, labels); got != 0 {
		t.Errorf("expected 0 on fully ignored batch, got %f", got)
	}
	grad := CrossEntropyGrad(logits, labels)
	for i, g := range grad.DataPtr() {
		if g != 0 {
			t.Fatalf("grad index %d nonzero on fully ignored batch: %f", i, g)
		}
	}
}

func TestCrossEntropyGrad(t *testing.T) {
	logits := tensor.Randn(tensor.NewShape(1, 2, 4), tensor.F32)
	labels := tensor.FromInts([]int{1, IgnoreIndex}, tensor.NewShape(1, 2))
	grad := CrossEntropyGrad(logits, labels)
	gd := grad.DataPtr()

	// Counted row: softmax - onehot sums to zero.
	var rowSum float32
	for v := 0; v < 4; v++ {
		rowSum += gd[v]
	}
	if math.Abs(float64(rowSum)) > 1e-5 {
		t.Errorf("counted row grad should sum to 0, got %f", rowSum)
	}
	if gd[1] >= 0 {
		t.Errorf("target class grad should be negative, got %f", gd[1])
	}
	// Ignored row: all zero.
	for v := 4; v < 8; v++ {
		if gd[v] != 0 {
			t.Fatalf("ignored row grad nonzero at %d: %f", v, gd[v])
		}
	}
}

// Finite-difference check of the cross-entropy gradient.
func TestCrossEntropyGradNumeric(t *testing.T) {
	logits := tensor.FromSlice([]float32{0.3, -0.7, 1.1, 0.2, -0.1, 0.5}, tensor.NewShape(1, 2, 3))
	labels := tensor.FromInts([]int{2, 0}, tensor.NewShape(1, 2))
	grad := CrossEntropyGrad(logits, labels)

	const eps = 1e-2
	data := logits.DataPtr()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		up := CrossEntropy(logits, labels)
		data[i] = orig - eps
		down := CrossEntropy(logits, labels)
		data[i] = orig
		numeric := (up - down) / (2 * eps)
		if math.Abs(float64(numeric-grad.DataPtr()[i])) > 1e-2 {
			t.Errorf("index %d: numeric %f vs analytic %f", i, numeric, grad.DataPtr()[i])
		}
	}
}

func TestKLDivIdenticalIsZero(t *testing.T) {
	p := tensor.Randn(tensor.NewShape(2, 3, 8), tensor.F32)
	mask := tensor.Ones(tensor.NewShape(2, 3), tensor.F32)
	got := KLDiv(p, p.Clone(), mask)
	if math.Abs(float64(got)) > 1e-5 {
		t.Errorf("KL of identical distributions should be ~0, got %f", got)
	}
}

func TestKLDivNonNegative(t *testing.T) {
	p := tensor.Randn(tensor.NewShape(2, 4, 16), tensor.F32)
	q := tensor.Randn(tensor.NewShape(2, 4, 16), tensor.F32)
	mask := tensor.FromSlice([]float32{1, 1, 0, 0, 1, 1, 1, 0}, tensor.NewShape(2, 4))
	if got := KLDiv(p, q, mask); got < -1e-5 {
		t.Errorf("KL divergence must be non-negative, got %f", got)
	}
}

// Masked positions must not affect the divergence: changing logits at a
// masked position leaves the value unchanged.
func TestKLDivMaskInsensitive(t *testing.T) {
	p := tensor.Randn(tensor.NewShape(1, 2, 8), tensor.F32)
	q := tensor.Randn(tensor.NewShape(1, 2, 8), tensor.F32)
	mask := tensor.FromSlice([]float32{1, 0}, tensor.NewShape(1, 2))

	before := KLDiv(p, q, mask)
	// Perturb the masked position of both inputs.
	for v := 0; v < 8; v++ {
		p.Set(p.At(0, 1, v)+5, 0, 1, v)
		q.Set(q.At(0, 1, v)-3, 0, 1, v)
	}
	after := KLDiv(p, q, mask)
	if math.Abs(float64(before-after)) > 1e-5 {
		t.Errorf("masked logits changed KL: %f vs %f", before, after)
	}
}

func TestKLDivGradNumeric(t *testing.T) {
	p := tensor.Randn(tensor.NewShape(1, 2, 4), tensor.F32)
	q := tensor.Randn(tensor.NewShape(1, 2, 4), tensor.F32)
	mask := tensor.FromSlice([]float32{1, 1}, tensor.NewShape(1, 2))
	grad := KLDivGrad(p, q, mask, 1)

	const eps = 1e-2
	data := q.DataPtr()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		up := KLDiv(p, q, mask)
		data[i] = orig - eps
		down := KLDiv(p, q, mask)
		data[i] = orig
		numeric := (up - down) / (2 * eps)
		if math.Abs(float64(numeric-grad.DataPtr()[i])) > 2e-2 {
			t.Errorf("index %d: numeric %f vs analytic %f", i, numeric, grad.DataPtr()[i])
		}
	}
}

func TestHiddenLossZeroWhenEqual(t *testing.T) {
	mk := func() []*tensor.Tensor {
		hs := make([]*tensor.Tensor, 13)
		for i := range hs {
			hs[i] = tensor.Ones(tensor.NewShape(1, 2, 4), tensor.F32)
		}
		return hs
	}
	teacher := mk()
	student := make([]*tensor.Tensor, 3)
	student[0] = teacher[0]
	// Student layers equal the mapped teacher layers 5 and 11.
	student[1] = teacher[6].Clone()
	student[2] = teacher[12].Clone()
	mask := tensor.Ones(tensor.NewShape(1, 2), tensor.F32)
	got, err := HiddenLoss(teacher, student, mask, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("expected 0, got %f", got)
	}
}

// One unit of squared difference at a single valid position yields
// delta^2 / (B*T*H) regardless of how many layers match exactly.
func TestHiddenLossSingleDelta(t *testing.T) {
	const (
		b, seq, h = 1, 2, 4
		delta     = 3.0
	)
	teacher := make([]*tensor.Tensor, 13)
	for i := range teacher {
		teacher[i] = tensor.Zeros(tensor.NewShape(b, seq, h), tensor.F32)
	}
	student := make([]*tensor.Tensor, 3)
	student[0] = teacher[0]
	student[1] = tensor.Zeros(tensor.NewShape(b, seq, h), tensor.F32)
	student[2] = tensor.Zeros(tensor.NewShape(b, seq, h), tensor.F32)
	student[1].Set(delta, 0, 0, 0)

	mask := tensor.Ones(tensor.NewShape(b, seq), tensor.F32)
	got, err := HiddenLoss(teacher, student, mask, false)
	if err != nil {
		t.Fatal(err)
	}
	want := float32(delta * delta / (b * seq * h))
	if math.Abs(float64(got-want)) > 1e-5 {
		t.Errorf("got %f, want %f", got, want)
	}

	// The same difference at a masked position contributes nothing.
	mask.Set(0, 0, 0)
	got, err = HiddenLoss(teacher, student, mask, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("masked position leaked into loss: %f", got)
	}
}

// The normalizer is B*T*H, not the layer count, so the same per-layer
// difference replicated across more mapped layers scales the loss
// linearly.
func TestHiddenLossScalesWithLayerCount(t *testing.T) {
	teacher := make([]*tensor.Tensor, 13)
	for i := range teacher {
		teacher[i] = tensor.Zeros(tensor.NewShape(1, 1, 2), tensor.F32)
	}
	mask := tensor.Ones(tensor.NewShape(1, 1), tensor.F32)

	one := make([]*tensor.Tensor, 3)
	one[0] = teacher[0]
	one[1] = tensor.Full(tensor.NewShape(1, 1, 2), 1)
	one[2] = tensor.Zeros(tensor.NewShape(1, 1, 2), tensor.F32)
	single, err := HiddenLoss(teacher, one, mask, false)
	if err != nil {
		t.Fatal(err)
	}

	both := make([]*tensor.Tensor, 3)
	both[0] = teacher[0]
	both[1] = tensor.Full(tensor.NewShape(1, 1, 2), 1)
	both[2] = tensor.Full(tensor.NewShape(1, 1, 2), 1)
	double, err := HiddenLoss(teacher, both, mask, false)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(double-2*single)) > 1e-5 {
		t.Errorf("two contributing layers should double the loss: %f vs 2*%f", double, single)
	}
}

// Smallest possible shape: one batch, one token, one channel. A single
// mapped layer differing by delta gives exactly delta^2.
func TestHiddenLossScalarCase(t *testing.T) {
	const delta = 0.25
	teacher := make([]*tensor.Tensor, 13)
	for i := range teacher {
		teacher[i] = tensor.Zeros(tensor.NewShape(1, 1, 1), tensor.F32)
	}
	student := make([]*tensor.Tensor, 3)
	student[0] = teacher[0]
	student[1] = tensor.Full(tensor.NewShape(1, 1, 1), delta)
	student[2] = tensor.Zeros(tensor.NewShape(1, 1, 1), tensor.F32)
	mask := tensor.Ones(tensor.NewShape(1, 1), tensor.F32)

	got, err := HiddenLoss(teacher, student, mask, false)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(got-delta*delta)) > 1e-7 {
		t.Errorf("got %f, want %f", got, delta*delta)
	}
}

func TestHiddenLossUnsupportedDepth(t *testing.T) {
	hs := make([]*tensor.Tensor, 13)
	for i := range hs {
		hs[i] = tensor.Zeros(tensor.NewShape(1, 1, 2), tensor.F32)
	}
	student := hs[:6] // 5 layers after dropping the embedding entry
	mask := tensor.Ones(tensor.NewShape(1, 1), tensor.F32)
	if _, err := HiddenLoss(hs, student, mask, false); err == nil {
		t.Fatal("expected layer-map error for 5 student layers")
	}
}

func TestHiddenLossWidthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on channel width mismatch")
		}
	}()
	teacher := make([]*tensor.Tensor, 13)
	for i := range teacher {
		teacher[i] = tensor.Zeros(tensor.NewShape(1, 1, 4), tensor.F32)
	}
	student := []*tensor.Tensor{
		tensor.Zeros(tensor.NewShape(1, 1, 4), tensor.F32),
		tensor.Zeros(tensor.NewShape(1, 1, 2), tensor.F32),
		tensor.Zeros(tensor.NewShape(1, 1, 2), tensor.F32),
	}
	mask := tensor.Ones(tensor.NewShape(1, 1), tensor.F32)
	HiddenLoss(teacher, student, mask, false)
}

func TestHiddenLossGrad(t *testing.T) {
	teacher := tensor.Zeros(tensor.NewShape(1, 2, 2), tensor.F32)
	student := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.NewShape(1, 2, 2))
	mask := tensor.FromSlice([]float32{1, 0}, tensor.NewShape(1, 2))

	grad := HiddenLossGrad(teacher, student, mask, 1)
	gd := grad.DataPtr()
	// 2 * (s - t) / (B*T*H) on the valid position.
	if math.Abs(float64(gd[0]-2.0/4)) > 1e-6 || math.Abs(float64(gd[1]-4.0/4)) > 1e-6 {
		t.Errorf("valid position grads wrong: %v", gd[:2])
	}
	if gd[2] != 0 || gd[3] != 0 {
		t.Errorf("masked position grads must be zero: %v", gd[2:])
	}
}
