// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package model implements the transformer encoders used as distillation
// teacher and student: a pre-norm, bidirectional (padding-masked) stack with
// a token classification head, full forward and backward passes, and binary
// weight persistence.
package model

// Config holds the hyperparameters defining a transformer encoder.
type Config struct {
	VocabSize int
	HiddenDim int // embedding / residual width (hidden_d)
	FFNDim    int // feed-forward inner width (model_d)
	NLayers   int
	NHeads    int
	HeadDim   int
	MaxSeqLen int
	RoPEBase  float32
}

// Base12 returns the 12-layer teacher shape: 768 hidden, 3072 FFN, 12 heads.
func Base12(vocabSize int) Config {
	return Config{
		VocabSize: vocabSize,
		HiddenDim: 768,
		FFNDim:    3072,
		NLayers:   12,
		NHeads:    12,
		HeadDim:   64,
		MaxSeqLen: 512,
		RoPEBase:  10000,
	}
}

// Student returns a student config with the given depth and widths.
// Head count scales with the hidden dimension at 64 dims per head.
func Student(nLayers, hiddenDim, ffnDim, vocabSize int) Config {
	nHeads := hiddenDim / 64
	if nHeads < 1 {
		nHeads = 1
	}
	return Config{
		VocabSize: vocabSize,
		HiddenDim: hiddenDim,
		FFNDim:    ffnDim,
		NLayers:   nLayers,
		NHeads:    nHeads,
		HeadDim:   hiddenDim / nHeads,
		MaxSeqLen: 512,
		RoPEBase:  10000,
	}
}

// Tiny returns a minimal config for tests: 16 hidden, 2 layers, 2 heads.
func Tiny() Config {
	return Config{
		VocabSize: 100,
		HiddenDim: 16,
		FFNDim:    32,
		NLayers:   2,
		NHeads:    2,
		HeadDim:   8,
		MaxSeqLen: 32,
		RoPEBase:  10000,
	}
}

// TotalParams estimates the total parameter count.
//
//	total = embedding + N_layers * (attention + FFN + 2*norm) + head
func (c Config) TotalParams() int {
	emb := c.VocabSize * c.HiddenDim
	attn := c.HiddenDim*c.NHeads*c.HeadDim*3 + c.NHeads*c.HeadDim*c.HiddenDim
	ffn := c.HiddenDim * c.FFNDim * 3
	perLayer := attn + ffn + c.HiddenDim*2
	return emb + perLayer*c.NLayers + c.HiddenDim*c.VocabSize
}
