// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/kdist/tensor"
)

// Attention implements multi-head self-attention with Rotary Position
// Embeddings (RoPE) and a key-padding mask. The mask comes from the batch
// (1 = valid token, 0 = padding): every query may attend to every valid
// key, so the encoder is bidirectional rather than causal.
//
//	scores = (Q @ K^T) / sqrt(d_k)          with padding positions at -inf
//	weights = softmax(scores)
//	output = weights @ V
type Attention struct {
	wQ, wK, wV, wO  *Linear
	nHeads, headDim int
	hiddenDim       int
	scale           float32   // 1 / sqrt(head_dim)
	freqs           []float32 // precomputed RoPE frequency bands
	// Cached from forward pass for backward
	lastInput       *tensor.Tensor
	lastQ           *tensor.Tensor // Q after RoPE [batch, seq, nHeads, headDim]
	lastK           *tensor.Tensor // K after RoPE
	lastV           *tensor.Tensor
	lastAttnWeights []float32 // softmax weights [batch * nHeads * seq * seq]
	lastBatch       int
	lastSeqLen      int
}

// NewAttention creates a multi-head self-attention layer.
func NewAttention(hiddenDim, nHeads, headDim int, ropeBase float32) *Attention {
	freqs := make([]float32, headDim/2)
	for i := range freqs {
		freqs[i] = 1.0 / tensor.PowF32(ropeBase, float32(2*i)/float32(headDim))
	}
	return &Attention{
		wQ:        NewLinear(hiddenDim, nHeads*headDim, false),
		wK:        NewLinear(hiddenDim, nHeads*headDim, false),
		wV:        NewLinear(hiddenDim, nHeads*headDim, false),
		wO:        NewLinear(nHeads*headDim, hiddenDim, false),
		nHeads:    nHeads,
		headDim:   headDim,
		hiddenDim: hiddenDim,
		scale:     1.0 / tensor.SqrtF32(float32(headDim)),
		freqs:     freqs,
	}
}

// Forward computes padding-masked self-attention.
//
// Steps:
//  1. Project: Q = W_Q @ x, K = W_K @ x, V = W_V @ x
//  2. Reshape to [batch, seq, heads, head_dim] and apply RoPE to Q and K
//  3. scores = Q @ K^T / sqrt(d_k), padded key positions set to -inf
//  4. Softmax over keys, masked weights zeroed so backward BLAS sees 0
//  5. Weighted sum: output = weights @ V, then project through W_O
//
// mask is [batch, seq] with 1 at valid tokens and 0 at padding.
func (a *Attention) Forward(input, mask *tensor.Tensor) *tensor.Tensor {
	dims := input.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]
	a.lastInput = input
	a.lastBatch = batch
	a.lastSeqLen = seqLen

	hd := a.headDim
	q := a.wQ.Forward(input).Reshape(tensor.NewShape(batch, seqLen, a.nHeads, hd))
	k := a.wK.Forward(input).Reshape(tensor.NewShape(batch, seqLen, a.nHeads, hd))
	v := a.wV.Forward(input).Reshape(tensor.NewShape(batch, seqLen, a.nHeads, hd))

	a.applyRoPE(q.DataPtr(), batch, seqLen)
	a.applyRoPE(k.DataPtr(), batch, seqLen)

	a.lastQ = q
	a.lastK = k
	a.lastV = v

	output := tensor.New(tensor.NewShape(batch, seqLen, a.nHeads, hd), tensor.F32)
	outData, qData, kData, vData := output.DataPtr(), q.DataPtr(), k.DataPtr(), v.DataPtr()
	maskData := mask.DataPtr()

	attnWeightsLen := batch * a.nHeads * seqLen * seqLen
	if len(a.lastAttnWeights) < attnWeightsLen {
		a.lastAttnWeights = make([]float32, attnWeightsLen)
	} else {
		a.lastAttnWeights = a.lastAttnWeights[:attnWeightsLen]
	}

	stride := a.nHeads * hd
	scores := make([]float32, seqLen*seqLen)
	for b := 0; b < batch; b++ {
		mRow := maskData[b*seqLen : (b+1)*seqLen]
		for h := 0; h < a.nHeads; h++ {
			// scores = Q @ K^T / sqrt(d_k) with padded keys at -inf
			for qi := 0; qi < seqLen; qi++ {
				qOff := (b*seqLen+qi)*stride + h*hd
				qRow := qData[qOff : qOff+hd]
				sRow := scores[qi*seqLen : (qi+1)*seqLen]

				for ki := 0; ki < seqLen; ki++ {
					if mRow[ki] == 0 {
						sRow[ki] = tensor.NegInf
						continue
					}
					kOff := (b*seqLen+ki)*stride + h*hd
					kRow := kData[kOff : kOff+hd]
					dot := float32(0)
					for d := range qRow {
						dot += qRow[d] * kRow[d]
					}
					sRow[ki] = dot * a.scale
				}
			}

			// Softmax each row, then zero masked weights so the backward
			// BLAS multiplies see 0, not exp(-inf) residue.
			for qi := 0; qi < seqLen; qi++ {
				row := scores[qi*seqLen : (qi+1)*seqLen]
				tensor.SoftmaxVec(row)
				for ki := 0; ki < seqLen; ki++ {
					if mRow[ki] == 0 {
						row[ki] = 0
					}
				}
			}

			awOff := (b*a.nHeads + h) * seqLen * seqLen
			copy(a.lastAttnWeights[awOff:awOff+seqLen*seqLen], scores)

			// output = weights @ V
			for qi := 0; qi < seqLen; qi++ {
				outOff := (b*seqLen+qi)*stride + h*hd
				oRow := outData[outOff : outOff+hd]
				for d := range oRow {
					oRow[d] = 0
				}
				for ki := 0; ki < seqLen; ki++ {
					w := scores[qi*seqLen+ki]
					if w == 0 {
						continue
					}
					vOff := (b*seqLen+ki)*stride + h*hd
					vRow := vData[vOff : vOff+hd]
					for d := range oRow {
						oRow[d] += w * vRow[d]
					}
				}
			}
		}
	}

	// Concatenate heads: [batch, seq, nHeads, headDim] -> [batch, seq, nHeads*headDim]
	return a.wO.Forward(output.Reshape(tensor.NewShape(batch, seqLen, a.nHeads*hd)))
}

// Backward computes the full attention backward pass.
// Propagates gradients through: W_o -> attention (V, weights, softmax,
// scores) -> W_q, W_k, W_v. Uses per-head BLAS gemm calls with strided
// access into the [batch, seq, nHeads, headDim] tensors. Masked key
// positions carry zero attention weight, so the softmax backward formula
// w*(g - sum(g*w)) zeroes their gradients without an explicit mask.
func (a *Attention) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	batch, seqLen := a.lastBatch, a.lastSeqLen
	hd := a.headDim
	stride := a.nHeads * hd

	// 1. Backward through W_o: gradOInput shape [batch, seq, nHeads*headDim]
	gradOInput := a.wO.Backward(gradOutput)
	goData := gradOInput.DataPtr()

	qData := a.lastQ.DataPtr()
	kData := a.lastK.DataPtr()
	vData := a.lastV.DataPtr()

	gradQ := make([]float32, batch*seqLen*stride)
	gradK := make([]float32, batch*seqLen*stride)
	gradV := make([]float32, batch*seqLen*stride)

	gradScores := make([]float32, seqLen*seqLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			awOff := (b*a.nHeads + h) * seqLen * seqLen
			base := b*seqLen*stride + h*hd
			weights := a.lastAttnWeights[awOff:]

			// 2. grad_V = W^T @ dO
			tensor.Gemm(true, false,
				seqLen, hd, seqLen,
				1.0,
				weights, seqLen,
				goData[base:], stride,
				0.0,
				gradV[base:], stride)

			// 3. grad_W = dO @ V^T -> gradScores
			tensor.Gemm(false, true,
				seqLen, seqLen, hd,
				1.0,
				goData[base:], stride,
				vData[base:], stride,
				0.0,
				gradScores, seqLen)

			// 4. Softmax backward: gradScores = w * (gradScores - sum(gradScores * w))
			for qi := 0; qi < seqLen; qi++ {
				row := qi * seqLen
				sumTerm := float32(0)
				for ki := 0; ki < seqLen; ki++ {
					sumTerm += gradScores[row+ki] * weights[row+ki]
				}
				for ki := 0; ki < seqLen; ki++ {
					w := weights[row+ki]
					gradScores[row+ki] = w * (gradScores[row+ki] - sumTerm)
				}
			}

			// 5. grad_Q = scale * grad_scores @ K
			tensor.Gemm(false, false,
				seqLen, hd, seqLen,
				a.scale,
				gradScores, seqLen,
				kData[base:], stride,
				0.0,
				gradQ[base:], stride)

			// 6. grad_K = scale * grad_scores^T @ Q
			tensor.Gemm(true, false,
				seqLen, hd, seqLen,
				a.scale,
				gradScores, seqLen,
				qData[base:], stride,
				0.0,
				gradK[base:], stride)
		}
	}

	// RoPE is a fixed rotation; its adjoint is the inverse rotation.
	a.applyRoPEInverse(gradQ, batch, seqLen)
	a.applyRoPEInverse(gradK, batch, seqLen)

	gradQTensor := tensor.FromSliceNoCopy(gradQ, tensor.NewShape(batch, seqLen, stride))
	gradKTensor := tensor.FromSliceNoCopy(gradK, tensor.NewShape(batch, seqLen, stride))
	gradVTensor := tensor.FromSliceNoCopy(gradV, tensor.NewShape(batch, seqLen, stride))

	// Q/K/V projections all consumed the same input x.
	a.wQ.SetLastInput(a.lastInput)
	a.wK.SetLastInput(a.lastInput)
	a.wV.SetLastInput(a.lastInput)

	gradXQ := a.wQ.Backward(gradQTensor)
	gradXK := a.wK.Backward(gradKTensor)
	gradXV := a.wV.Backward(gradVTensor)

	return gradXQ.Add(gradXK).Add(gradXV)
}

// Parameters returns all projection weights: Q, K, V, and O.
func (a *Attention) Parameters() []*tensor.Tensor {
	return concatParams(
		a.wQ.Parameters(),
		a.wK.Parameters(),
		a.wV.Parameters(),
		a.wO.Parameters(),
	)
}

// applyRoPE applies Rotary Position Embeddings in-place.
//
// RoPE rotates consecutive pairs of dimensions by a position-dependent angle:
//
//	theta_i = position * freq_i
//	[x_{2i}, x_{2i+1}] -> [x_{2i}*cos - x_{2i+1}*sin, x_{2i}*sin + x_{2i+1}*cos]
//
// so that Q_i . K_j depends on (i - j), not absolute positions.
func (a *Attention) applyRoPE(data []float32, batch, seqLen int) {
	a.rotate(data, batch, seqLen, 1)
}

// applyRoPEInverse applies the inverse rotation (the adjoint of applyRoPE),
// used to carry gradients back through the RoPE transform.
func (a *Attention) applyRoPEInverse(data []float32, batch, seqLen int) {
	a.rotate(data, batch, seqLen, -1)
}

func (a *Attention) rotate(data []float32, batch, seqLen int, sign float32) {
	halfDim := a.headDim / 2
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			base := (b*seqLen + s) * a.nHeads * a.headDim
			pos := float32(s)
			for h := 0; h < a.nHeads; h++ {
				off := base + h*a.headDim
				row := data[off : off+a.headDim]
				for i := 0; i < halfDim; i++ {
					angle := pos * a.freqs[i]
					cos, sin := tensor.CosF32(angle), sign*tensor.SinF32(angle)
					x0, x1 := row[2*i], row[2*i+1]
					row[2*i] = x0*cos - x1*sin
					row[2*i+1] = x0*sin + x1*cos
				}
			}
		}
	}
}
