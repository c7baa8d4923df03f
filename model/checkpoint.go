// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fumi-engineer/kdist/tensor"
)

// WeightsFile is the model weight file written into an experiment directory.
const WeightsFile = "model.bin"

var Endian = binary.LittleEndian

// config32 is the fixed-size on-disk header. Binary readers need exact
// integer widths, so the flexible Config is narrowed to int32 fields.
type config32 struct {
	VocabSize int32
	HiddenDim int32
	FFNDim    int32
	NLayers   int32
	NHeads    int32
	HeadDim   int32
	MaxSeqLen int32
	RoPEBase  float32
}

func (c Config) header() config32 {
	return config32{
		VocabSize: int32(c.VocabSize),
		HiddenDim: int32(c.HiddenDim),
		FFNDim:    int32(c.FFNDim),
		NLayers:   int32(c.NLayers),
		NHeads:    int32(c.NHeads),
		HeadDim:   int32(c.HeadDim),
		MaxSeqLen: int32(c.MaxSeqLen),
		RoPEBase:  c.RoPEBase,
	}
}

func (h config32) config() Config {
	return Config{
		VocabSize: int(h.VocabSize),
		HiddenDim: int(h.HiddenDim),
		FFNDim:    int(h.FFNDim),
		NLayers:   int(h.NLayers),
		NHeads:    int(h.NHeads),
		HeadDim:   int(h.HeadDim),
		MaxSeqLen: int(h.MaxSeqLen),
		RoPEBase:  h.RoPEBase,
	}
}

// SavePretrained writes the model config and all weights to dir/model.bin.
// Layout: config header followed by each parameter tensor's raw float32
// data in Parameters() order, little-endian.
func (m *Transformer) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, Endian, m.config.header()); err != nil {
		return err
	}
	for _, p := range m.Parameters() {
		if err := binary.Write(w, Endian, p.DataPtr()); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadPretrained reads a model saved by SavePretrained, reconstructing the
// architecture from the stored config.
func LoadPretrained(dir string) (*Transformer, error) {
	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var h config32
	if err := binary.Read(r, Endian, &h); err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	m := New(h.config())
	if err := readParams(r, m.Parameters()); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadWeights reads weights from dir into the existing model. The stored
// config must match the model's config exactly: the optimizer holds
// references to the current parameter tensors, so weights are copied in
// place rather than swapping the model out.
func (m *Transformer) LoadWeights(dir string) error {
	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var h config32
	if err := binary.Read(r, Endian, &h); err != nil {
		return fmt.Errorf("reading model config: %w", err)
	}
	if h.config() != m.config {
		return fmt.Errorf("checkpoint config %+v does not match model config %+v", h.config(), m.config)
	}
	return readParams(r, m.Parameters())
}

// readParams stages every tensor and commits only once the whole stream
// decodes, so a truncated file cannot leave the model half loaded.
func readParams(r io.Reader, params []*tensor.Tensor) error {
	staged := make([][]float32, len(params))
	for i, p := range params {
		staged[i] = make([]float32, len(p.DataPtr()))
		if err := binary.Read(r, Endian, staged[i]); err != nil {
			return fmt.Errorf("reading parameter %d: %w", i, err)
		}
	}
	for i, p := range params {
		copy(p.DataPtr(), staged[i])
	}
	return nil
}
