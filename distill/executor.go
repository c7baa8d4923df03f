// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"github.com/fumi-engineer/kdist/model"
	"github.com/fumi-engineer/kdist/tensor"
)

// Executor runs forward and backward passes with an optional
// reduced-precision mode. When FP16 is enabled, forward activations are
// rounded to bfloat16 resolution and the backward pass goes through the
// dynamic GradScaler: overflowing steps are skipped instead of poisoning
// the parameters.
type Executor struct {
	FP16   bool
	Scaler *GradScaler
}

// NewExecutor returns an executor; fp16 enables reduced precision with
// dynamic loss scaling.
func NewExecutor(fp16 bool) *Executor {
	return &Executor{FP16: fp16, Scaler: NewGradScaler()}
}

// ForwardPass runs one forward pass. Logits and hidden states are rounded
// to bfloat16 resolution in FP16 mode. When labels is non-nil the
// cross-entropy task loss is computed and attached to the outputs.
func (e *Executor) ForwardPass(m *model.Transformer, ids, mask, labels *tensor.Tensor, withHidden bool) *model.Outputs {
	out := m.Forward(ids, mask, withHidden)
	if e.FP16 {
		out.Logits.RoundBF16InPlace()
		for _, h := range out.HiddenStates {
			h.RoundBF16InPlace()
		}
	}
	if labels != nil {
		out.Loss = CrossEntropy(out.Logits, labels)
		out.HasLoss = true
	}
	return out
}

// ScaleSeeds multiplies loss-gradient seed tensors by the current loss
// scale. A no-op in full precision. Callers must scale every seed that
// will flow into the same backward pass, including seeds routed through
// projection adapters, so that UnscaleAndCheck divides uniformly.
func (e *Executor) ScaleSeeds(seeds ...*tensor.Tensor) {
	if e.FP16 {
		e.Scaler.ScaleSeeds(seeds...)
	}
}

// BackwardPassAndStep backpropagates the (already scaled) seeds through
// the model and applies one optimizer step. hiddenGrads may be nil when
// no intermediate supervision is active. In FP16 mode gradients are
// unscaled first and the step is skipped on overflow; returns whether the
// optimizer actually stepped.
func (e *Executor) BackwardPassAndStep(m *model.Transformer, gradLogits *tensor.Tensor, hiddenGrads []*tensor.Tensor, optim Optimizer) bool {
	m.Backward(gradLogits, hiddenGrads)
	if e.FP16 {
		overflow := e.Scaler.UnscaleAndCheck(optim.Params())
		if !overflow {
			optim.Step()
		}
		e.Scaler.Update()
		return !overflow
	}
	optim.Step()
	return true
}
