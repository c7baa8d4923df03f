// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"fmt"

	"github.com/fumi-engineer/kdist/tensor"
)

// IgnoreIndex marks label positions excluded from the cross-entropy loss
// and its gradient.
const IgnoreIndex = -100

// logSoftmaxVec overwrites xs with log-softmax, numerically stabilized via
// the max-shift log-sum-exp.
func logSoftmaxVec(xs []float32) {
	maxVal := xs[0]
	for _, v := range xs[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for _, v := range xs {
		sum += tensor.ExpF32(v - maxVal)
	}
	logSum := maxVal + tensor.LogF32(sum)
	for i := range xs {
		xs[i] -= logSum
	}
}

// CrossEntropy computes the mean token-level cross-entropy between logits
// [B, T, V] and integer labels [B, T]. Positions labeled IgnoreIndex are
// excluded from both the sum and the mean's denominator. Returns 0 when
// every position is ignored.
func CrossEntropy(logits, labels *tensor.Tensor) float32 {
	rows, vocab := flattenRows(logits)
	lab := labels.DataPtr()
	if len(lab) != rows {
		panic(fmt.Sprintf("labels length %d != logits rows %d", len(lab), rows))
	}
	data := logits.DataPtr()
	buf := make([]float32, vocab)
	var total float32
	count := 0
	for r := 0; r < rows; r++ {
		target := int(lab[r])
		if target == IgnoreIndex {
			continue
		}
		copy(buf, data[r*vocab:(r+1)*vocab])
		logSoftmaxVec(buf)
		total += -buf[target]
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float32(count)
}

// CrossEntropyGrad returns the gradient of CrossEntropy with respect to the
// logits: (softmax - onehot) / numCounted per row, zero on ignored rows.
func CrossEntropyGrad(logits, labels *tensor.Tensor) *tensor.Tensor {
	rows, vocab := flattenRows(logits)
	lab := labels.DataPtr()
	if len(lab) != rows {
		panic(fmt.Sprintf("labels length %d != logits rows %d", len(lab), rows))
	}
	data := logits.DataPtr()
	grad := tensor.Zeros(logits.Shape(), tensor.F32)
	gd := grad.DataPtr()
	count := 0
	for r := 0; r < rows; r++ {
		if int(lab[r]) != IgnoreIndex {
			count++
		}
	}
	if count == 0 {
		return grad
	}
	inv := 1 / float32(count)
	for r := 0; r < rows; r++ {
		target := int(lab[r])
		if target == IgnoreIndex {
			continue
		}
		row := gd[r*vocab : (r+1)*vocab]
		copy(row, data[r*vocab:(r+1)*vocab])
		tensor.SoftmaxVec(row)
		row[target] -= 1
		for i := range row {
			row[i] *= inv
		}
	}
	return grad
}

// KLDiv computes the masked KL divergence KL(teacher || student) between
// teacher logits p and student logits q, both [B, T, V], with a binary
// position mask [B, T]. Logits are multiplied by the mask before the
// log-softmax, the per-position divergences are averaged over all B*T
// positions, and the result is rescaled by the valid fraction so masked
// positions do not dilute the loss.
func KLDiv(p, q, mask *tensor.Tensor) float32 {
	rows, vocab := flattenRows(p)
	md := mask.DataPtr()
	if len(md) != rows {
		panic(fmt.Sprintf("mask length %d != logits rows %d", len(md), rows))
	}
	pd, qd := p.DataPtr(), q.DataPtr()
	if len(qd) != len(pd) {
		panic(fmt.Sprintf("student logits numel %d != teacher %d", len(qd), len(pd)))
	}
	lp := make([]float32, vocab)
	lq := make([]float32, vocab)
	var sum, maskSum float32
	for r := 0; r < rows; r++ {
		m := md[r]
		maskSum += m
		for i := 0; i < vocab; i++ {
			lp[i] = pd[r*vocab+i] * m
			lq[i] = qd[r*vocab+i] * m
		}
		logSoftmaxVec(lp)
		logSoftmaxVec(lq)
		for i := 0; i < vocab; i++ {
			sum += tensor.ExpF32(lp[i]) * (lp[i] - lq[i])
		}
	}
	n := float32(rows)
	scale := maskSum / n
	if scale == 0 {
		return 0
	}
	return sum / n / scale
}

// KLDivGrad returns coeff times the gradient of KLDiv with respect to the
// student logits q. The gradient of a position is mask * (softmax(masked q)
// - softmax(masked p)) divided by the mask sum; ignored positions get zero.
func KLDivGrad(p, q, mask *tensor.Tensor, coeff float32) *tensor.Tensor {
	rows, vocab := flattenRows(p)
	md := mask.DataPtr()
	pd, qd := p.DataPtr(), q.DataPtr()
	grad := tensor.Zeros(q.Shape(), tensor.F32)
	gd := grad.DataPtr()
	var maskSum float32
	for _, m := range md {
		maskSum += m
	}
	if maskSum == 0 {
		return grad
	}
	sp := make([]float32, vocab)
	inv := coeff / maskSum
	for r := 0; r < rows; r++ {
		m := md[r]
		if m == 0 {
			continue
		}
		row := gd[r*vocab : (r+1)*vocab]
		for i := 0; i < vocab; i++ {
			sp[i] = pd[r*vocab+i] * m
			row[i] = qd[r*vocab+i] * m
		}
		tensor.SoftmaxVec(sp)
		tensor.SoftmaxVec(row)
		for i := 0; i < vocab; i++ {
			row[i] = (row[i] - sp[i]) * m * inv
		}
	}
	return grad
}

// HiddenLoss computes the masked mean squared error between teacher and
// student hidden-state stacks. Both slices follow the model convention:
// index 0 holds the embedding output and index i holds the output of block
// i-1. Unless includeEmbed is set the embedding entries are skipped;
// student layer j is compared against the teacher layer chosen by
// LayerMap. The sum of masked squared differences is normalized by B*T*H
// where H is the teacher hidden width, independent of how many layer
// pairs contribute.
//
// Panics if a mapped pair's channel widths differ: that means the student's
// projection adapters were built against the wrong teacher geometry and no
// later step could succeed.
func HiddenLoss(teacherHidden, studentHidden []*tensor.Tensor, mask *tensor.Tensor, includeEmbed bool) (float32, error) {
	sLayers, tLayers := studentHidden, teacherHidden
	if !includeEmbed {
		sLayers, tLayers = studentHidden[1:], teacherHidden[1:]
	}
	idx, err := LayerMap(len(sLayers))
	if err != nil {
		return 0, err
	}
	md := mask.DataPtr()
	rows := len(md)
	hidden := tLayers[0].Shape().At(-1)
	norm := float32(rows * hidden)
	var total float32
	for j, ti := range idx {
		s, t := sLayers[j], tLayers[ti]
		if sw := s.Shape().At(-1); sw != hidden {
			panic(fmt.Sprintf("hidden width mismatch: student layer %d has %d channels, teacher has %d", j, sw, hidden))
		}
		sd, td := s.DataPtr(), t.DataPtr()
		for r := 0; r < rows; r++ {
			m := md[r]
			if m == 0 {
				continue
			}
			base := r * hidden
			for i := 0; i < hidden; i++ {
				d := td[base+i] - sd[base+i]
				total += d * d * m
			}
		}
	}
	return total / norm, nil
}

// HiddenLossGrad returns coeff times the gradient of one mapped pair's
// contribution to HiddenLoss with respect to the student hidden state:
// 2 * (s - t) * mask / (B*T*H).
func HiddenLossGrad(teacherLayer, studentLayer, mask *tensor.Tensor, coeff float32) *tensor.Tensor {
	md := mask.DataPtr()
	rows := len(md)
	hidden := teacherLayer.Shape().At(-1)
	sd, td := studentLayer.DataPtr(), teacherLayer.DataPtr()
	grad := tensor.Zeros(studentLayer.Shape(), tensor.F32)
	gd := grad.DataPtr()
	scale := 2 * coeff / float32(rows*hidden)
	for r := 0; r < rows; r++ {
		m := md[r]
		if m == 0 {
			continue
		}
		base := r * hidden
		for i := 0; i < hidden; i++ {
			gd[base+i] = (sd[base+i] - td[base+i]) * m * scale
		}
	}
	return grad
}

// flattenRows views a [..., V] tensor as rows x V.
func flattenRows(t *tensor.Tensor) (rows, vocab int) {
	_, leading, last := tensor.SplitLast(t.Shape().Dims())
	return leading, last
}
