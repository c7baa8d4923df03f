// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package config holds the run configuration assembled from command-line
// flags and validated before any training state is touched.
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"
)

// Task selects which dataset pipeline and objective the run uses.
type Task string

const (
	TaskWiki Task = "wiki"
	TaskMNLI Task = "mnli"
)

// Config is the full run configuration. Zero values are not valid; use
// Default and override from flags, then call Validate.
type Config struct {
	Task          Task
	DataDir       string // dataset root: raw text plus cached token shards
	PretrainedDir string // student weights to start from; empty with RandomInit
	TeacherDir    string // frozen teacher checkpoint; empty disables distillation

	Device     string
	UseFP16    bool
	RandomInit bool

	BatchSize int
	Epochs    int
	LR        float32
	Optim     string

	OutputDir string
	ExpName   string

	ValInterval    int
	RebuildDataset bool

	HiddenD   int
	ModelD    int
	NumLayers int
	SeqLen    int

	KDCoeff  float32
	IKDCoeff float32
}

// Default returns the configuration matching the standard run: a 12-layer
// 768-wide student trained with AdamW, validating every 500 steps. The
// experiment name defaults to a timestamp so repeated runs never collide.
func Default() *Config {
	return &Config{
		Task:        TaskWiki,
		Device:      "cpu",
		BatchSize:   8,
		Epochs:      1,
		LR:          1e-4,
		Optim:       "adamw",
		OutputDir:   "output",
		ExpName:     time.Now().Format("2006-01-02-15-04-05"),
		ValInterval: 500,
		HiddenD:     768,
		ModelD:      3072,
		NumLayers:   12,
		SeqLen:      128,
		KDCoeff:     1.0,
		IKDCoeff:    100.0,
	}
}

// Validate rejects configurations that cannot produce a meaningful run.
// Optimizer names are checked later, at optimizer construction, so the
// supported set lives in one place.
func (c *Config) Validate() error {
	switch c.Task {
	case TaskWiki, TaskMNLI:
	default:
		return fmt.Errorf("unknown task %q (supported: wiki, mnli)", c.Task)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.ValInterval <= 0 {
		return fmt.Errorf("val interval must be positive, got %d", c.ValInterval)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("sequence length must be positive, got %d", c.SeqLen)
	}
	if c.NumLayers <= 0 || c.HiddenD <= 0 || c.ModelD <= 0 {
		return fmt.Errorf("model dimensions must be positive")
	}
	return nil
}

// ExpDir returns the experiment directory for this run.
func (c *Config) ExpDir() string { return filepath.Join(c.OutputDir, c.ExpName) }

// Info logs the effective configuration at startup.
func (c *Config) Info(l *log.Logger) {
	l.Printf("task=%s data=%s exp=%s device=%s fp16=%v", c.Task, c.DataDir, c.ExpDir(), c.Device, c.UseFP16)
	l.Printf("model: layers=%d hidden=%d ffn=%d seq=%d random_init=%v", c.NumLayers, c.HiddenD, c.ModelD, c.SeqLen, c.RandomInit)
	l.Printf("optim: %s lr=%g batch=%d epochs=%d val_interval=%d", c.Optim, c.LR, c.BatchSize, c.Epochs, c.ValInterval)
	if c.TeacherDir != "" {
		l.Printf("distill: teacher=%s kd_coeff=%g ikd_coeff=%g", c.TeacherDir, c.KDCoeff, c.IKDCoeff)
	}
}
