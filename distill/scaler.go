// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"bytes"

	"github.com/fumi-engineer/kdist/tensor"
)

// GradScaler implements dynamic loss scaling for reduced-precision
// training. Loss gradients are multiplied by the current scale before the
// backward pass; parameter gradients are divided back afterwards. If any
// unscaled gradient is non-finite the step is skipped and the scale backs
// off. After growthInterval consecutive good steps the scale doubles.
type GradScaler struct {
	scale          float32
	growthFactor   float32
	backoffFactor  float32
	growthInterval int
	goodSteps      int
	foundInf       bool
}

// NewGradScaler returns a scaler with the standard dynamic schedule:
// initial scale 65536, growth 2.0 every 2000 good steps, backoff 0.5.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          65536,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float32 { return s.scale }

// ScaleSeeds multiplies loss-gradient tensors by the current scale in place.
func (s *GradScaler) ScaleSeeds(seeds ...*tensor.Tensor) {
	for _, t := range seeds {
		if t != nil {
			t.ScaleInPlace(s.scale)
		}
	}
}

// UnscaleAndCheck divides the accumulated gradients of params by the
// current scale and reports whether any gradient element is NaN or Inf.
// The overflow verdict is remembered for the next Update.
func (s *GradScaler) UnscaleAndCheck(params []*tensor.Tensor) bool {
	inv := 1 / s.scale
	overflow := false
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for i, g := range p.Grad {
			u := g * inv
			p.Grad[i] = u
			if !tensor.IsFiniteF32(u) {
				overflow = true
			}
		}
	}
	s.foundInf = overflow
	return overflow
}

// Update adjusts the scale after a step: backoff on overflow, growth after
// growthInterval consecutive clean steps.
func (s *GradScaler) Update() {
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		s.foundInf = false
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}

// State serializes the scale and growth tracker.
func (s *GradScaler) State() []byte {
	var buf bytes.Buffer
	buf.WriteString("SCL1")
	writeI64(&buf, int64(s.goodSteps))
	writeVec(&buf, []float32{s.scale})
	return buf.Bytes()
}

// LoadState restores a State blob.
func (s *GradScaler) LoadState(data []byte) error {
	r := bytes.NewReader(data)
	if err := readMagic(r, "SCL1"); err != nil {
		return err
	}
	good, err := readI64(r)
	if err != nil {
		return err
	}
	v := make([]float32, 1)
	if err := readVec(r, v); err != nil {
		return err
	}
	s.goodSteps = int(good)
	s.scale = v[0]
	return nil
}
