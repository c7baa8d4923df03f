// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/kdist/tensor"
)

// Outputs carries the results of a forward pass.
type Outputs struct {
	// Logits is [batch, seq, vocab].
	Logits *tensor.Tensor
	// HiddenStates is nil unless hidden states were requested; otherwise it
	// has length NLayers+1 with index 0 holding the embedding output and
	// index i the output of block i (pre final norm).
	HiddenStates []*tensor.Tensor
	// Loss is the scalar task loss attached by the executor when labels
	// were supplied; HasLoss distinguishes "no labels" from a zero loss.
	Loss    float32
	HasLoss bool
}

// Transformer is the encoder used for both teacher and student:
//
//	embedding -> [Block x N_layers] -> RMSNorm -> Linear(head) -> logits
type Transformer struct {
	config    Config
	embedding *Embedding
	blocks    []*Block
	finalNorm *RMSNorm
	head      *Linear
}

// New constructs the full model from a Config.
func New(cfg Config) *Transformer {
	blocks := make([]*Block, cfg.NLayers)
	for i := range blocks {
		blocks[i] = NewBlock(cfg)
	}
	return &Transformer{
		config:    cfg,
		embedding: NewEmbedding(cfg.VocabSize, cfg.HiddenDim),
		blocks:    blocks,
		finalNorm: NewRMSNorm(cfg.HiddenDim, 1e-6),
		head:      NewLinear(cfg.HiddenDim, cfg.VocabSize, false),
	}
}

// Config returns the model's configuration.
func (m *Transformer) Config() Config { return m.config }

// NumLayers returns the number of transformer blocks.
func (m *Transformer) NumLayers() int { return m.config.NLayers }

// HiddenDim returns the residual width; adapters are sized against this.
func (m *Transformer) HiddenDim() int { return m.config.HiddenDim }

// Forward runs the model.
// ids and mask are [batch, seq] (token IDs float32-encoded, mask 1/0).
// When withHidden is true the per-layer hidden states are collected into
// Outputs.HiddenStates; otherwise only logits are produced.
func (m *Transformer) Forward(ids, mask *tensor.Tensor, withHidden bool) *Outputs {
	x := m.embedding.Forward(ids)

	var hidden []*tensor.Tensor
	if withHidden {
		hidden = make([]*tensor.Tensor, 0, len(m.blocks)+1)
		hidden = append(hidden, x)
	}
	for _, blk := range m.blocks {
		x = blk.Forward(x, mask)
		if withHidden {
			hidden = append(hidden, x)
		}
	}
	logits := m.head.Forward(m.finalNorm.Forward(x))
	return &Outputs{Logits: logits, HiddenStates: hidden}
}

// Backward propagates gradients through the model in reverse layer order.
// hiddenGrads may be nil; otherwise it is indexed like HiddenStates
// (hiddenGrads[i] is added where block i produced its output, index 0 at
// the embedding output) so that intermediate supervision reaches each block.
func (m *Transformer) Backward(gradLogits *tensor.Tensor, hiddenGrads []*tensor.Tensor) {
	grad := m.finalNorm.Backward(m.head.Backward(gradLogits))
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if hiddenGrads != nil && hiddenGrads[i+1] != nil {
			grad.AddInPlace(hiddenGrads[i+1])
		}
		grad = m.blocks[i].Backward(grad)
	}
	if hiddenGrads != nil && hiddenGrads[0] != nil {
		grad.AddInPlace(hiddenGrads[0])
	}
	m.embedding.Backward(grad)
}

// Parameters returns all trainable parameters in the model.
func (m *Transformer) Parameters() []*tensor.Tensor {
	p := append([]*tensor.Tensor(nil), m.embedding.Parameters()...)
	for _, blk := range m.blocks {
		p = append(p, blk.Parameters()...)
	}
	return concatParams(p, m.finalNorm.Parameters(), m.head.Parameters())
}

// ZeroGrad clears all parameter gradients.
func (m *Transformer) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}
