// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fumi-engineer/kdist/tensor"
)

// ParamGroup holds a set of parameters updated with a shared learning rate.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float32
}

// Optimizer updates parameters from their accumulated gradients. Parameters
// added later (for example projection adapters) live in their own group.
type Optimizer interface {
	// AddGroup registers extra parameters as a new group.
	AddGroup(params []*tensor.Tensor, lr float32)
	// Params returns every managed parameter across all groups.
	Params() []*tensor.Tensor
	// Step applies one update. Parameters with a nil gradient are skipped.
	Step()
	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()
	// State serializes the optimizer's internal buffers and step counter.
	State() []byte
	// LoadState restores internal buffers from a State blob. The managed
	// parameter layout must match the one the blob was taken from.
	LoadState(data []byte) error
}

// New constructs the optimizer named by name. Unknown names are a hard
// configuration error so a typo cannot silently train with a default.
func New(name string, params []*tensor.Tensor, lr float32) (Optimizer, error) {
	switch name {
	case "adamw":
		return newAdam(params, lr, 0.01, true), nil
	case "adam":
		return newAdam(params, lr, 0, false), nil
	case "sgd":
		return newSGD(params, lr, 0.9), nil
	default:
		return nil, ConfigError(fmt.Sprintf("unsupported optimizer %q (supported: adamw, adam, sgd)", name))
	}
}

// adamOptimizer implements Adam and AdamW. AdamW applies weight decay
// decoupled from the adaptive update; plain Adam runs with decay disabled.
type adamOptimizer struct {
	groups  []ParamGroup
	moments [][]adamMoments
	step    int

	beta1, beta2, eps float32
	weightDecay       float32
	decoupled         bool
}

type adamMoments struct {
	m []float32
	v []float32
}

func newAdam(params []*tensor.Tensor, lr, weightDecay float32, decoupled bool) *adamOptimizer {
	o := &adamOptimizer{
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		decoupled:   decoupled,
	}
	o.AddGroup(params, lr)
	return o
}

func (o *adamOptimizer) AddGroup(params []*tensor.Tensor, lr float32) {
	o.groups = append(o.groups, ParamGroup{Params: params, LR: lr})
	mom := make([]adamMoments, len(params))
	for i, p := range params {
		n := len(p.DataPtr())
		mom[i] = adamMoments{m: make([]float32, n), v: make([]float32, n)}
	}
	o.moments = append(o.moments, mom)
}

func (o *adamOptimizer) Params() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range o.groups {
		out = append(out, g.Params...)
	}
	return out
}

func (o *adamOptimizer) Step() {
	o.step++
	bc1 := 1 - tensor.PowF32(o.beta1, float32(o.step))
	bc2 := 1 - tensor.PowF32(o.beta2, float32(o.step))
	for gi, g := range o.groups {
		for pi, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			mom := o.moments[gi][pi]
			data := p.DataPtr()
			for i, grad := range p.Grad {
				mom.m[i] = o.beta1*mom.m[i] + (1-o.beta1)*grad
				mom.v[i] = o.beta2*mom.v[i] + (1-o.beta2)*grad*grad
				mHat := mom.m[i] / bc1
				vHat := mom.v[i] / bc2
				data[i] -= g.LR * mHat / (tensor.SqrtF32(vHat) + o.eps)
				if o.decoupled && o.weightDecay > 0 {
					data[i] -= g.LR * o.weightDecay * data[i]
				}
			}
		}
	}
}

func (o *adamOptimizer) ZeroGrad() { zeroGrads(o.groups) }

func (o *adamOptimizer) State() []byte {
	var buf bytes.Buffer
	buf.WriteString("ADM1")
	writeI64(&buf, int64(o.step))
	writeI64(&buf, int64(len(o.groups)))
	for gi := range o.groups {
		writeI64(&buf, int64(len(o.moments[gi])))
		for _, mom := range o.moments[gi] {
			writeVec(&buf, mom.m)
			writeVec(&buf, mom.v)
		}
	}
	return buf.Bytes()
}

func (o *adamOptimizer) LoadState(data []byte) error {
	r := bytes.NewReader(data)
	if err := readMagic(r, "ADM1"); err != nil {
		return err
	}
	step, err := readI64(r)
	if err != nil {
		return err
	}
	nGroups, err := readI64(r)
	if err != nil {
		return err
	}
	if int(nGroups) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d groups, expected %d", nGroups, len(o.groups))
	}
	for gi := range o.groups {
		nParams, err := readI64(r)
		if err != nil {
			return err
		}
		if int(nParams) != len(o.moments[gi]) {
			return fmt.Errorf("optimizer state group %d has %d params, expected %d", gi, nParams, len(o.moments[gi]))
		}
		for pi := range o.moments[gi] {
			if err := readVec(r, o.moments[gi][pi].m); err != nil {
				return err
			}
			if err := readVec(r, o.moments[gi][pi].v); err != nil {
				return err
			}
		}
	}
	o.step = int(step)
	return nil
}

// sgdOptimizer implements SGD with classical momentum.
type sgdOptimizer struct {
	groups     []ParamGroup
	velocities [][][]float32
	momentum   float32
}

func newSGD(params []*tensor.Tensor, lr, momentum float32) *sgdOptimizer {
	o := &sgdOptimizer{momentum: momentum}
	o.AddGroup(params, lr)
	return o
}

func (o *sgdOptimizer) AddGroup(params []*tensor.Tensor, lr float32) {
	o.groups = append(o.groups, ParamGroup{Params: params, LR: lr})
	vel := make([][]float32, len(params))
	for i, p := range params {
		vel[i] = make([]float32, len(p.DataPtr()))
	}
	o.velocities = append(o.velocities, vel)
}

func (o *sgdOptimizer) Params() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range o.groups {
		out = append(out, g.Params...)
	}
	return out
}

func (o *sgdOptimizer) Step() {
	for gi, g := range o.groups {
		for pi, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			vel := o.velocities[gi][pi]
			data := p.DataPtr()
			for i, grad := range p.Grad {
				vel[i] = o.momentum*vel[i] + grad
				data[i] -= g.LR * vel[i]
			}
		}
	}
}

func (o *sgdOptimizer) ZeroGrad() { zeroGrads(o.groups) }

func (o *sgdOptimizer) State() []byte {
	var buf bytes.Buffer
	buf.WriteString("SGD1")
	writeI64(&buf, int64(len(o.groups)))
	for gi := range o.groups {
		writeI64(&buf, int64(len(o.velocities[gi])))
		for _, vel := range o.velocities[gi] {
			writeVec(&buf, vel)
		}
	}
	return buf.Bytes()
}

func (o *sgdOptimizer) LoadState(data []byte) error {
	r := bytes.NewReader(data)
	if err := readMagic(r, "SGD1"); err != nil {
		return err
	}
	nGroups, err := readI64(r)
	if err != nil {
		return err
	}
	if int(nGroups) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d groups, expected %d", nGroups, len(o.groups))
	}
	for gi := range o.groups {
		nParams, err := readI64(r)
		if err != nil {
			return err
		}
		if int(nParams) != len(o.velocities[gi]) {
			return fmt.Errorf("optimizer state group %d has %d params, expected %d", gi, nParams, len(o.velocities[gi]))
		}
		for pi := range o.velocities[gi] {
			if err := readVec(r, o.velocities[gi][pi]); err != nil {
				return err
			}
		}
	}
	return nil
}

func zeroGrads(groups []ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func writeI64(w io.Writer, v int64) { binary.Write(w, binary.LittleEndian, v) }

func readI64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeVec(w io.Writer, v []float32) {
	writeI64(w, int64(len(v)))
	binary.Write(w, binary.LittleEndian, v)
}

func readVec(r io.Reader, dst []float32) error {
	n, err := readI64(r)
	if err != nil {
		return err
	}
	if int(n) != len(dst) {
		return fmt.Errorf("state vector length %d != expected %d", n, len(dst))
	}
	return binary.Read(r, binary.LittleEndian, dst)
}

func readMagic(r io.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return err
	}
	if string(got) != want {
		return fmt.Errorf("bad state magic %q, want %q", got, want)
	}
	return nil
}
