// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"bytes"
	"fmt"

	"github.com/fumi-engineer/kdist/dataset"
	"github.com/fumi-engineer/kdist/model"
	"github.com/fumi-engineer/kdist/tensor"
)

// Distill trains a student against a frozen teacher. Each step combines
// three terms: the task cross-entropy, the masked KL divergence between
// teacher and student logits, and the masked MSE between teacher hidden
// states and the student's hidden states lifted through per-layer linear
// projection adapters. The adapters are trained jointly with the student
// in their own optimizer group; the teacher never accumulates gradients.
type Distill struct {
	teacher  *model.Transformer
	adapters []*model.Linear
	layerMap []int

	kdCoeff  float32
	ikdCoeff float32

	lastTask  float32
	lastKL    float32
	lastIKD   float32
	lastTotal float32
}

// NewDistill builds the strategy for a student with the given hidden width
// and layer count. The layer mapping is resolved here so an unsupported
// student depth fails at startup, before any data is touched.
func NewDistill(teacher *model.Transformer, studentHidden, studentLayers int, kdCoeff, ikdCoeff float32) (*Distill, error) {
	lm, err := LayerMap(studentLayers)
	if err != nil {
		return nil, err
	}
	if last := lm[len(lm)-1]; last >= teacher.NumLayers() {
		return nil, ConfigError(fmt.Sprintf("layer mapping needs teacher layer %d but teacher has %d layers", last, teacher.NumLayers()))
	}
	adapters := make([]*model.Linear, studentLayers)
	for i := range adapters {
		adapters[i] = model.NewLinear(studentHidden, teacher.HiddenDim(), true)
	}
	return &Distill{
		teacher:  teacher,
		adapters: adapters,
		layerMap: lm,
		kdCoeff:  kdCoeff,
		ikdCoeff: ikdCoeff,
	}, nil
}

// Losses returns the per-term values of the last training step:
// task cross-entropy, KL divergence, hidden MSE, and their weighted sum.
func (d *Distill) Losses() (task, kl, ikd, total float32) {
	return d.lastTask, d.lastKL, d.lastIKD, d.lastTotal
}

// Adapters exposes the projection adapters, one per student layer.
func (d *Distill) Adapters() []*model.Linear { return d.adapters }

func (d *Distill) adapterParams() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, a := range d.adapters {
		out = append(out, a.Parameters()...)
	}
	return out
}

// CreateOptim puts the student parameters in the first group and the
// adapters in a second group at the same learning rate.
func (d *Distill) CreateOptim(r *Runner) (Optimizer, error) {
	optim, err := New(r.cfg.Optim, r.model.Parameters(), r.cfg.LR)
	if err != nil {
		return nil, err
	}
	optim.AddGroup(d.adapterParams(), r.cfg.LR)
	return optim, nil
}

func (d *Distill) TrainForward(r *Runner, b dataset.Batch) (float32, error) {
	tOut := r.exec.ForwardPass(d.teacher, b.IDs, b.Mask, nil, true)
	sOut := r.exec.ForwardPass(r.model, b.IDs, b.Mask, b.Labels, true)

	// Lift every student layer output into the teacher's hidden width.
	proj := make([]*tensor.Tensor, len(d.adapters))
	for i, h := range sOut.HiddenStates[1:] {
		proj[i] = d.adapters[i].Forward(h)
	}
	lifted := append([]*tensor.Tensor{sOut.HiddenStates[0]}, proj...)

	kl := KLDiv(tOut.Logits, sOut.Logits, b.Mask)
	ikd, err := HiddenLoss(tOut.HiddenStates, lifted, b.Mask, false)
	if err != nil {
		return 0, err
	}
	d.lastTask = sOut.Loss
	d.lastKL = kl
	d.lastIKD = ikd
	d.lastTotal = sOut.Loss + d.kdCoeff*kl + d.ikdCoeff*ikd

	gradLogits := CrossEntropyGrad(sOut.Logits, b.Labels)
	gradLogits.AddInPlace(KLDivGrad(tOut.Logits, sOut.Logits, b.Mask, d.kdCoeff))

	tLayers := tOut.HiddenStates[1:]
	projGrads := make([]*tensor.Tensor, len(proj))
	for i := range proj {
		projGrads[i] = HiddenLossGrad(tLayers[d.layerMap[i]], proj[i], b.Mask, d.ikdCoeff)
	}

	seeds := append([]*tensor.Tensor{gradLogits}, projGrads...)
	r.exec.ScaleSeeds(seeds...)

	// Route each adapter's input gradient back into its block boundary.
	hiddenGrads := make([]*tensor.Tensor, r.model.NumLayers()+1)
	for i := range proj {
		hiddenGrads[i+1] = d.adapters[i].Backward(projGrads[i])
	}
	r.exec.BackwardPassAndStep(r.model, gradLogits, hiddenGrads, r.optim)
	r.optim.ZeroGrad()
	return sOut.Loss, nil
}

// SaveTrainState extends the base state with the adapter weights so a
// resumed run continues with the same projections.
func (d *Distill) SaveTrainState(r *Runner, path string) error {
	s := r.baseState()
	s.AdapterState = d.adapterState()
	return s.Save(path)
}

func (d *Distill) LoadTrainState(r *Runner, path string) error {
	s, err := LoadTrainStateFile(path)
	if err != nil {
		return err
	}
	if err := d.loadAdapterState(s.AdapterState); err != nil {
		return fmt.Errorf("%w: adapters: %v", ErrCorruptState, err)
	}
	return r.applyBaseState(s)
}

func (d *Distill) adapterState() []byte {
	var buf bytes.Buffer
	buf.WriteString("ADP1")
	writeI64(&buf, int64(len(d.adapters)))
	for _, a := range d.adapters {
		params := a.Parameters()
		writeI64(&buf, int64(len(params)))
		for _, p := range params {
			writeVec(&buf, p.DataPtr())
		}
	}
	return buf.Bytes()
}

func (d *Distill) loadAdapterState(data []byte) error {
	r := bytes.NewReader(data)
	if err := readMagic(r, "ADP1"); err != nil {
		return err
	}
	n, err := readI64(r)
	if err != nil {
		return err
	}
	if int(n) != len(d.adapters) {
		return fmt.Errorf("state has %d adapters, expected %d", n, len(d.adapters))
	}
	// Stage every vector first; the adapters are touched only once the
	// whole blob decodes, so a corrupt snapshot leaves them as they were.
	var staged [][]float32
	for _, a := range d.adapters {
		params := a.Parameters()
		np, err := readI64(r)
		if err != nil {
			return err
		}
		if int(np) != len(params) {
			return fmt.Errorf("adapter state has %d params, expected %d", np, len(params))
		}
		for _, p := range params {
			v := make([]float32, len(p.DataPtr()))
			if err := readVec(r, v); err != nil {
				return err
			}
			staged = append(staged, v)
		}
	}
	i := 0
	for _, a := range d.adapters {
		for _, p := range a.Parameters() {
			copy(p.DataPtr(), staged[i])
			i++
		}
	}
	return nil
}
