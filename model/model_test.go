// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fumi-engineer/kdist/tensor"
)

func onesMask(b, t int) *tensor.Tensor {
	return tensor.Ones(tensor.NewShape(b, t), tensor.F32)
}

// Cross-module seam: Tensor -> Linear with known weights.
func TestLinearForward(t *testing.T) {
	input := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.NewShape(2, 2))
	layer := NewLinear(2, 3, false)

	// W = [[1,0],[0,1],[1,1]], so y = x @ W^T = [[1,2,3],[3,4,7]]
	copy(layer.Weight().DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	output := layer.Forward(input)
	want := []float32{1, 2, 3, 3, 4, 7}
	if diff := cmp.Diff(want, output.DataPtr()); diff != "" {
		t.Errorf("forward mismatch:\n%s", diff)
	}
}

func TestLinearBackwardShapes(t *testing.T) {
	layer := NewLinear(4, 3, true)
	input := tensor.Randn(tensor.NewShape(2, 4), tensor.F32)
	out := layer.Forward(input)
	gradIn := layer.Backward(tensor.Ones(out.Shape(), tensor.F32))
	if !gradIn.Shape().Equal(input.Shape()) {
		t.Errorf("input grad shape %v, want %v", gradIn.Shape(), input.Shape())
	}
	for i, p := range layer.Parameters() {
		if p.Grad == nil {
			t.Errorf("parameter %d has nil grad after backward", i)
		}
	}
}

func TestRMSNormUnitScale(t *testing.T) {
	norm := NewRMSNorm(4, 1e-6)
	input := tensor.FromSlice([]float32{2, 2, 2, 2}, tensor.NewShape(1, 4))
	out := norm.Forward(input)
	// rms of a constant row is the constant, so output is all ones.
	for i, v := range out.DataPtr() {
		if math.Abs(float64(v)-1) > 1e-3 {
			t.Errorf("index %d: expected ~1, got %f", i, v)
		}
	}
}

func TestModelForwardShapes(t *testing.T) {
	cfg := Tiny()
	m := New(cfg)
	ids := tensor.FromInts([]int{10, 20, 30, 40, 50, 60, 70, 80}, tensor.NewShape(2, 4))
	out := m.Forward(ids, onesMask(2, 4), true)

	if !out.Logits.Shape().Equal(tensor.NewShape(2, 4, cfg.VocabSize)) {
		t.Errorf("logits shape %v", out.Logits.Shape())
	}
	if len(out.HiddenStates) != cfg.NLayers+1 {
		t.Fatalf("expected %d hidden states, got %d", cfg.NLayers+1, len(out.HiddenStates))
	}
	for i, h := range out.HiddenStates {
		if !h.Shape().Equal(tensor.NewShape(2, 4, cfg.HiddenDim)) {
			t.Errorf("hidden state %d shape %v", i, h.Shape())
		}
	}
	if out.HasLoss {
		t.Error("loss should not be attached without labels")
	}
}

func TestModelForwardWithoutHidden(t *testing.T) {
	m := New(Tiny())
	ids := tensor.FromInts([]int{1, 2, 3}, tensor.NewShape(1, 3))
	out := m.Forward(ids, onesMask(1, 3), false)
	if out.HiddenStates != nil {
		t.Error("hidden states should be nil when not requested")
	}
}

// Padded positions must not influence unpadded ones: a batch row padded
// to a longer length yields the same logits on its real prefix.
func TestPaddingIsolation(t *testing.T) {
	m := New(Tiny())
	ids3 := tensor.FromInts([]int{5, 6, 7}, tensor.NewShape(1, 3))
	out3 := m.Forward(ids3, onesMask(1, 3), false)

	ids5 := tensor.FromInts([]int{5, 6, 7, 0, 0}, tensor.NewShape(1, 5))
	mask5 := tensor.FromSlice([]float32{1, 1, 1, 0, 0}, tensor.NewShape(1, 5))
	out5 := m.Forward(ids5, mask5, false)

	vocab := m.Config().VocabSize
	a := out3.Logits.DataPtr()
	b := out5.Logits.DataPtr()
	for pos := 0; pos < 3; pos++ {
		for v := 0; v < vocab; v++ {
			got := b[pos*vocab+v]
			want := a[pos*vocab+v]
			if math.Abs(float64(got-want)) > 1e-4 {
				t.Fatalf("pos %d vocab %d: padded %f vs unpadded %f", pos, v, got, want)
			}
		}
	}
}

func TestModelBackwardProducesGrads(t *testing.T) {
	m := New(Tiny())
	ids := tensor.FromInts([]int{1, 2, 3, 4}, tensor.NewShape(1, 4))
	out := m.Forward(ids, onesMask(1, 4), false)
	m.Backward(tensor.Ones(out.Logits.Shape(), tensor.F32), nil)

	withGrad := 0
	for _, p := range m.Parameters() {
		if p.Grad != nil {
			withGrad++
		}
	}
	if withGrad == 0 {
		t.Fatal("no parameter received a gradient")
	}
}

// Injected hidden gradients must change the parameter gradients of the
// blocks below the injection point.
func TestBackwardHiddenGradInjection(t *testing.T) {
	m := New(Tiny())
	ids := tensor.FromInts([]int{1, 2, 3, 4}, tensor.NewShape(1, 4))

	run := func(inject bool) []float32 {
		m.ZeroGrad()
		out := m.Forward(ids, onesMask(1, 4), true)
		gradLogits := tensor.Zeros(out.Logits.Shape(), tensor.F32)
		var hiddenGrads []*tensor.Tensor
		if inject {
			hiddenGrads = make([]*tensor.Tensor, m.NumLayers()+1)
			hiddenGrads[1] = tensor.Ones(out.HiddenStates[1].Shape(), tensor.F32)
		}
		m.Backward(gradLogits, hiddenGrads)
		emb := m.Parameters()[0]
		if emb.Grad == nil {
			return make([]float32, 1)
		}
		return append([]float32(nil), emb.Grad...)
	}

	plain := run(false)
	injected := run(true)
	same := true
	for i := range plain {
		if i < len(injected) && plain[i] != injected[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("hidden grad injection had no effect on embedding grads")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(Tiny())
	if err := m.SavePretrained(dir); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPretrained(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Config() != m.Config() {
		t.Fatalf("config mismatch: %+v vs %+v", loaded.Config(), m.Config())
	}
	orig := m.Parameters()
	got := loaded.Parameters()
	if len(orig) != len(got) {
		t.Fatalf("parameter count %d vs %d", len(got), len(orig))
	}
	for i := range orig {
		if diff := cmp.Diff(orig[i].DataPtr(), got[i].DataPtr()); diff != "" {
			t.Fatalf("parameter %d mismatch:\n%s", i, diff)
		}
	}
}

// LoadWeights must keep the existing parameter tensors alive so optimizer
// state attached to them stays valid.
func TestLoadWeightsPreservesIdentity(t *testing.T) {
	dir := t.TempDir()
	src := New(Tiny())
	if err := src.SavePretrained(dir); err != nil {
		t.Fatal(err)
	}
	dst := New(Tiny())
	before := dst.Parameters()
	if err := dst.LoadWeights(dir); err != nil {
		t.Fatal(err)
	}
	after := dst.Parameters()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("parameter %d was replaced instead of updated in place", i)
		}
	}
	srcParams := src.Parameters()
	for i := range after {
		if diff := cmp.Diff(srcParams[i].DataPtr(), after[i].DataPtr()); diff != "" {
			t.Fatalf("parameter %d not loaded:\n%s", i, diff)
		}
	}
}

// A truncated weights file must fail without touching any parameter,
// valid prefix included.
func TestLoadWeightsTruncatedFileLeavesParamsIntact(t *testing.T) {
	dir := t.TempDir()
	src := New(Tiny())
	if err := src.SavePretrained(dir); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, WeightsFile)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()/2); err != nil {
		t.Fatal(err)
	}

	dst := New(Tiny())
	before := make([][]float32, 0, len(dst.Parameters()))
	for _, p := range dst.Parameters() {
		before = append(before, append([]float32(nil), p.DataPtr()...))
	}
	if err := dst.LoadWeights(dir); err == nil {
		t.Fatal("expected error from truncated weights file")
	}
	for i, p := range dst.Parameters() {
		if diff := cmp.Diff(before[i], p.DataPtr()); diff != "" {
			t.Fatalf("parameter %d modified by failed load:\n%s", i, diff)
		}
	}
}

func TestLoadWeightsRejectsMismatchedConfig(t *testing.T) {
	dir := t.TempDir()
	src := New(Tiny())
	if err := src.SavePretrained(dir); err != nil {
		t.Fatal(err)
	}
	other := Tiny()
	other.NLayers = 3
	dst := New(other)
	if err := dst.LoadWeights(dir); err == nil {
		t.Fatal("expected config mismatch error")
	}
}
