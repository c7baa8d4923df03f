// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/kdist/tensor"
)

// Layer is the common interface for leaf layers with forward/backward
// passes and parameter access (for the optimizer).
type Layer interface {
	Forward(input *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}

// concatParams concatenates multiple parameter slices into one.
// Used by composite layers to aggregate their sub-layer parameters.
func concatParams(groups ...[]*tensor.Tensor) []*tensor.Tensor {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]*tensor.Tensor, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token ID -> dense vector.
//
//	output[b, s, :] = weight[token_ids[b, s], :]
//
// Weight shape: [vocab_size, embed_dim]. Position information is injected
// later by RoPE inside attention, so there is no position table.
type Embedding struct {
	weight    *tensor.Tensor
	vocabSize int
	embedDim  int
	lastInput []int // cached token IDs for backward pass
}

// NewEmbedding creates an embedding table with N(0, sqrt(2/d)) initialization.
func NewEmbedding(vocabSize, embedDim int) *Embedding {
	std := tensor.SqrtF32(2.0 / float32(embedDim))
	return &Embedding{
		weight:    tensor.RandnWithStd(tensor.NewShape(vocabSize, embedDim), tensor.F32, std),
		vocabSize: vocabSize,
		embedDim:  embedDim,
	}
}

// Forward looks up embeddings for each token ID in the input tensor.
// Input: [batch, seq_len] of float32-encoded token IDs.
// Output: [batch, seq_len, embed_dim].
func (e *Embedding) Forward(input *tensor.Tensor) *tensor.Tensor {
	dims := input.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]

	e.lastInput = make([]int, batch*seqLen)
	inputData := input.DataPtr()
	for i := range e.lastInput {
		e.lastInput[i] = int(inputData[i])
	}

	output := tensor.New(tensor.NewShape(batch, seqLen, e.embedDim), tensor.F32)
	out, w := output.DataPtr(), e.weight.DataPtr()
	for i, tid := range e.lastInput {
		if tid < 0 || tid >= e.vocabSize {
			panic("token ID out of range")
		}
		copy(out[i*e.embedDim:], w[tid*e.embedDim:(tid+1)*e.embedDim])
	}
	return output
}

// Backward accumulates weight gradients via scatter-add and returns zeros
// (no meaningful gradient w.r.t. discrete token IDs).
func (e *Embedding) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	gData := gradOutput.DataPtr()

	if e.weight.Grad == nil {
		e.weight.Grad = make([]float32, e.vocabSize*e.embedDim)
	}
	wGrad := e.weight.Grad
	for i, tid := range e.lastInput {
		gOff := i * e.embedDim
		wOff := tid * e.embedDim
		for d := 0; d < e.embedDim; d++ {
			wGrad[wOff+d] += gData[gOff+d]
		}
	}
	return tensor.Zeros(gradOutput.Shape(), tensor.F32)
}

// Parameters returns the embedding weight table.
func (e *Embedding) Parameters() []*tensor.Tensor { return []*tensor.Tensor{e.weight} }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight    *tensor.Tensor
	bias      *tensor.Tensor
	inFeat    int
	outFeat   int
	useBias   bool
	lastInput *tensor.Tensor // cached for backward pass
}

// NewLinear creates a linear layer with Kaiming initialization: N(0, sqrt(2/in)).
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	std := tensor.SqrtF32(2.0 / float32(inFeatures))
	l := &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), tensor.F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = tensor.Zeros(tensor.NewShape(outFeatures), tensor.F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	l.lastInput = input
	batchDims, batchSize, _ := tensor.SplitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(tensor.NewShape(batchSize, l.inFeat))
	output := tensor.MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output.Reshape(tensor.WithLastDim(batchDims, l.outFeat))
}

// SetLastInput overrides the cached forward input. Composite layers that
// route one input through several projections use this before Backward.
func (l *Linear) SetLastInput(input *tensor.Tensor) { l.lastInput = input }

// Backward computes dL/dx = dL/dy @ W (the input gradient) and accumulates
// weight and bias gradients: dW = gradOutput^T @ input, db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := tensor.SplitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(tensor.NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(tensor.NewShape(batchSize, l.inFeat))

	// dX = gradOutput @ W -> [batchSize, inFeat]
	gradInput := tensor.Matmul(flatGrad, l.weight)

	// dW = gradOutput^T @ input -> [outFeat, inFeat]
	dW := make([]float32, l.outFeat*l.inFeat)
	fgData := flatGrad.DataPtr()
	fiData := flatInput.DataPtr()
	if batchSize > 0 && l.outFeat > 0 && l.inFeat > 0 {
		tensor.Gemm(true, false,
			l.outFeat, l.inFeat, batchSize,
			1.0, fgData, l.outFeat,
			fiData, l.inFeat,
			0.0, dW, l.inFeat)
	}
	l.weight.AccumulateGrad(dW)

	// db = sum(gradOutput, axis=0) -> [outFeat]
	if l.useBias && l.bias != nil {
		db := make([]float32, l.outFeat)
		for i := 0; i < batchSize; i++ {
			row := fgData[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}

	return gradInput.Reshape(inputShape)
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.useBias {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Weight returns the weight tensor.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// ---------------------------------------------------------------------------
// RMSNorm
// ---------------------------------------------------------------------------

// RMSNorm implements Root Mean Square Layer Normalization.
//
//	RMSNorm(x) = x / sqrt(mean(x^2) + eps) * gamma
type RMSNorm struct {
	weight    *tensor.Tensor // gamma (learnable scale), shape [dim]
	eps       float32
	dim       int
	lastInput *tensor.Tensor
	lastRMS   []float32 // cached rms values per vector for backward
}

// NewRMSNorm creates an RMSNorm layer with gamma initialized to 1.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{
		weight:  tensor.Ones(tensor.NewShape(dim), tensor.F32),
		eps:     eps,
		dim:     dim,
		lastRMS: make([]float32, 0, 512),
	}
}

// Forward applies RMSNorm along the last dimension.
func (r *RMSNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	r.lastInput = input

	shape := input.Shape()
	numVectors := shape.Numel() / r.dim
	if cap(r.lastRMS) >= numVectors {
		r.lastRMS = r.lastRMS[:numVectors]
	} else {
		r.lastRMS = make([]float32, numVectors)
	}

	output := tensor.New(shape, tensor.F32)
	in, out, w := input.DataPtr(), output.DataPtr(), r.weight.DataPtr()
	for v := 0; v < numVectors; v++ {
		off := v * r.dim
		row := in[off : off+r.dim]

		sumSq := float32(0)
		for _, x := range row {
			sumSq += x * x
		}

		rms := tensor.SqrtF32(sumSq/float32(r.dim) + r.eps)
		r.lastRMS[v] = rms
		invRms := 1.0 / rms

		oRow := out[off : off+r.dim]
		for i := range oRow {
			oRow[i] = row[i] * invRms * w[i]
		}
	}
	return output
}

// Backward computes the input gradient for RMSNorm and accumulates the
// weight gradient.
//
//	d_gamma[i] = sum_v(gradOutput[v,i] * input[v,i] / rms[v])
//	d_input = gradOutput * gamma / rms - input * dot(gradOutput*gamma, input) / (dim * rms^3)
func (r *RMSNorm) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if r.lastInput == nil {
		panic("backward called before forward")
	}
	shape := gradOutput.Shape()
	numVectors := shape.Numel() / r.dim

	gradInput := tensor.New(shape, tensor.F32)
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	in, w := r.lastInput.DataPtr(), r.weight.DataPtr()

	dGamma := make([]float32, r.dim)

	for v := 0; v < numVectors; v++ {
		off := v * r.dim
		rms := r.lastRMS[v]
		rms3 := rms * rms * rms
		invRms := 1.0 / rms

		for i := 0; i < r.dim; i++ {
			dGamma[i] += gOut[off+i] * in[off+i] * invRms
		}

		dotSum := float32(0)
		for i := 0; i < r.dim; i++ {
			dotSum += gOut[off+i] * w[i] * in[off+i]
		}
		for i := 0; i < r.dim; i++ {
			gIn[off+i] = gOut[off+i]*w[i]/rms - in[off+i]*dotSum/(float32(r.dim)*rms3)
		}
	}

	r.weight.AccumulateGrad(dGamma)
	return gradInput
}

// Parameters returns the learnable gamma scale vector.
func (r *RMSNorm) Parameters() []*tensor.Tensor { return []*tensor.Tensor{r.weight} }

// ---------------------------------------------------------------------------
// SwiGLU
// ---------------------------------------------------------------------------

// SwiGLU implements the SwiGLU feed-forward network.
//
//	SwiGLU(x) = (SiLU(W_gate @ x) * (W_up @ x)) @ W_down
//
// Three linear projections: gate [hidden -> ffn], up [hidden -> ffn],
// down [ffn -> hidden]. No bias in any of them.
type SwiGLU struct {
	wGate, wUp, wDown *Linear
	hiddenDim, ffnDim int
	lastGate, lastUp  *tensor.Tensor // cached silu(gate) and up for backward
	lastGatePreSiLU   *tensor.Tensor // pre-SiLU gate output for the derivative
	lastInput         *tensor.Tensor
}

// NewSwiGLU creates a SwiGLU FFN block.
func NewSwiGLU(hiddenDim, ffnDim int) *SwiGLU {
	return &SwiGLU{
		wGate:     NewLinear(hiddenDim, ffnDim, false),
		wUp:       NewLinear(hiddenDim, ffnDim, false),
		wDown:     NewLinear(ffnDim, hiddenDim, false),
		hiddenDim: hiddenDim,
		ffnDim:    ffnDim,
	}
}

// Forward computes SwiGLU(x) = W_down @ (SiLU(W_gate @ x) * W_up @ x).
func (s *SwiGLU) Forward(input *tensor.Tensor) *tensor.Tensor {
	s.lastInput = input
	gate := s.wGate.Forward(input)
	s.lastGatePreSiLU = gate.Clone()
	gate.SiLUInPlace()
	s.lastGate = gate.Clone() // before MulInPlace mutates it
	up := s.wUp.Forward(input)
	s.lastUp = up
	gate.MulInPlace(up) // gate is now silu(gate) * up
	return s.wDown.Forward(gate)
}

// Backward propagates gradients through the SwiGLU block including the
// SiLU derivative: silu'(z) = sigmoid(z) * (1 + z * (1 - sigmoid(z))).
func (s *SwiGLU) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	gradHidden := s.wDown.Backward(gradOutput)

	gradUp := gradHidden.Mul(s.lastGate)
	gradSiluGate := gradHidden.Mul(s.lastUp)

	preSilu := s.lastGatePreSiLU.DataPtr()
	gSilu := gradSiluGate.DataPtr()
	for i := range gSilu {
		z := preSilu[i]
		sig := 1.0 / (1.0 + tensor.ExpF32(-z))
		gSilu[i] *= sig * (1.0 + z*(1.0-sig))
	}

	// Gate and up projections both consumed the block input.
	s.wGate.SetLastInput(s.lastInput)
	s.wUp.SetLastInput(s.lastInput)

	return s.wGate.Backward(gradSiluGate).Add(s.wUp.Backward(gradUp))
}

// Parameters returns all weights from gate, up, and down projections.
func (s *SwiGLU) Parameters() []*tensor.Tensor {
	return concatParams(
		s.wGate.Parameters(),
		s.wUp.Parameters(),
		s.wDown.Parameters(),
	)
}
