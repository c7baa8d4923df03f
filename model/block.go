// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/kdist/tensor"
)

// Block is a single pre-norm transformer block:
//
//	h = x + Attention(RMSNorm(x), mask)
//	y = h + SwiGLU(RMSNorm(h))
type Block struct {
	attnNorm  *RMSNorm
	attention *Attention
	ffnNorm   *RMSNorm
	ffn       *SwiGLU
}

// NewBlock creates a transformer block from the config.
func NewBlock(cfg Config) *Block {
	return &Block{
		attnNorm:  NewRMSNorm(cfg.HiddenDim, 1e-6),
		attention: NewAttention(cfg.HiddenDim, cfg.NHeads, cfg.HeadDim, cfg.RoPEBase),
		ffnNorm:   NewRMSNorm(cfg.HiddenDim, 1e-6),
		ffn:       NewSwiGLU(cfg.HiddenDim, cfg.FFNDim),
	}
}

// Forward runs the block. Input and output: [batch, seq_len, hidden_dim].
func (b *Block) Forward(input, mask *tensor.Tensor) *tensor.Tensor {
	h := input.Add(b.attention.Forward(b.attnNorm.Forward(input), mask))
	return h.Add(b.ffn.Forward(b.ffnNorm.Forward(h)))
}

// Backward propagates gradients through both residual branches:
// the incoming gradient flows unchanged along each skip connection and
// through the normed branch, and the two contributions are summed.
func (b *Block) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	gradH := gradOutput.Add(b.ffnNorm.Backward(b.ffn.Backward(gradOutput)))
	return gradH.Add(b.attnNorm.Backward(b.attention.Backward(gradH)))
}

// Parameters returns all block parameters.
func (b *Block) Parameters() []*tensor.Tensor {
	return concatParams(
		b.attnNorm.Parameters(),
		b.attention.Parameters(),
		b.ffnNorm.Parameters(),
		b.ffn.Parameters(),
	)
}
