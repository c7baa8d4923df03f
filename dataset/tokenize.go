// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package dataset builds tokenized training and validation sets for the
// supported tasks, pads them into batches, and streams batches through a
// prefetching loader.
package dataset

import (
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/trainers"
)

// Special token IDs fixed by the trainer's special-token ordering.
const (
	PadToken = "<pad>"
	BosToken = "<bos>"
	EosToken = "<eos>"
	UnkToken = "<unk>"
)

// TextEncoder is what the dataset builders need from a tokenizer.
type TextEncoder interface {
	Encode(text string) ([]int, error)
	PadID() int
	BosID() int
	EosID() int
}

// Tokenizer wraps a byte-pair-encoding tokenizer trained on the task
// corpus.
type Tokenizer struct {
	inner *tk.Tokenizer
	vocab map[string]int
}

// LoadOrTrainTokenizer loads the tokenizer saved at tokPath, or trains a
// new BPE tokenizer on corpusPath and saves it there. The vocabulary is
// NFKC-normalized, lowercased, whitespace-split.
func LoadOrTrainTokenizer(corpusPath, tokPath string, vocabSize int) (*Tokenizer, error) {
	if _, err := os.Stat(tokPath); err == nil {
		inner, err := tk.FromFile(tokPath)
		if err != nil {
			return nil, err
		}
		return &Tokenizer{inner: inner, vocab: inner.GetVocab(true)}, nil
	}

	bpe := models.NewBPE()
	t := tk.NewTokenizer(bpe)
	t.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	t.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{PadToken, BosToken, EosToken, UnkToken}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(tokPath), 0o755); err != nil {
		return nil, err
	}
	if err := t.Save(tokPath); err != nil {
		return nil, err
	}
	return &Tokenizer{inner: t, vocab: t.GetVocab(true)}, nil
}

// Encode returns the token IDs for text without BOS/EOS framing.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.inner.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

// VocabSize returns the trained vocabulary size including special tokens.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// TokenID looks up a token's ID, falling back to the unknown token.
func (t *Tokenizer) TokenID(token string) int {
	if id, ok := t.vocab[token]; ok {
		return id
	}
	return t.vocab[UnkToken]
}

// PadID returns the padding token's ID.
func (t *Tokenizer) PadID() int { return t.TokenID(PadToken) }

// BosID returns the beginning-of-sequence token's ID.
func (t *Tokenizer) BosID() int { return t.TokenID(BosToken) }

// EosID returns the end-of-sequence token's ID.
func (t *Tokenizer) EosID() int { return t.TokenID(EosToken) }
