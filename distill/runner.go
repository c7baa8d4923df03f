// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"github.com/fumi-engineer/kdist/config"
	"github.com/fumi-engineer/kdist/dataset"
	"github.com/fumi-engineer/kdist/model"
	"github.com/fumi-engineer/kdist/tensor"
)

// Strategy supplies the pieces of the training loop that differ between
// plain supervised training and distillation: optimizer construction, the
// per-batch forward/backward, and what goes into a checkpoint.
type Strategy interface {
	CreateOptim(r *Runner) (Optimizer, error)
	TrainForward(r *Runner, b dataset.Batch) (float32, error)
	SaveTrainState(r *Runner, path string) error
	LoadTrainState(r *Runner, path string) error
}

// Runner drives the epoch and step loop: batches in, strategy step,
// periodic validation and checkpointing, resume on construction.
type Runner struct {
	cfg      *config.Config
	log      *log.Logger
	model    *model.Transformer
	strategy Strategy
	exec     *Executor
	optim    Optimizer

	trainset *dataset.Dataset
	valset   *dataset.Dataset
	tloader  *dataset.Loader
	vloader  *dataset.Loader

	stepID     int
	epochID    int
	totalSteps int
	startEpoch int
	startStep  int

	expDir string
}

// NewRunner wires up a runner and resumes from the experiment directory
// if a usable checkpoint exists there. A missing checkpoint starts fresh;
// a corrupt one is logged and also starts fresh rather than aborting the
// run. On success the initial model weights and training state are
// snapshotted into the experiment directory.
func NewRunner(cfg *config.Config, logger *log.Logger, m *model.Transformer, strat Strategy, data *dataset.Dataset) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		log:      logger,
		model:    m,
		strategy: strat,
		exec:     NewExecutor(cfg.UseFP16),
		expDir:   cfg.ExpDir(),
	}

	r.valset = data.Clone().SetSplit("val").Commit()
	r.trainset = data.SetSplit("train").Commit()
	r.tloader = dataset.NewLoader(r.trainset, cfg.BatchSize, true, 4)
	if r.valset.HasVal() {
		r.vloader = dataset.NewLoader(r.valset, cfg.BatchSize, true, 4)
	}

	optim, err := strat.CreateOptim(r)
	if err != nil {
		return nil, err
	}
	r.optim = optim

	// Loading a checkpoint mutates the parameter tensors in place, so the
	// pre-resume values are snapshotted for the corrupt-checkpoint path.
	pristine := cloneParams(optim.Params())

	statePath := filepath.Join(r.expDir, TrainStateFile)
	switch err := r.resume(statePath); {
	case err == nil:
		r.log.Printf("resumed from %s: step_id=%d epoch_id=%d total_steps=%d", statePath, r.stepID, r.epochID, r.totalSteps)
	case errors.Is(err, ErrNoCheckpoint):
		r.log.Printf("Training start!")
	default:
		r.log.Printf("discarding unusable checkpoint (%v), starting fresh", err)
		if err := r.reset(pristine); err != nil {
			return nil, err
		}
		r.log.Printf("Training start!")
	}
	r.startEpoch = r.epochID
	r.startStep = r.stepID

	// Snapshot the starting point so a diverged run can be replayed.
	if err := m.SavePretrained(r.expDir); err != nil {
		return nil, err
	}
	if err := strat.SaveTrainState(r, filepath.Join(r.expDir, OptimSnapshotFile)); err != nil {
		return nil, err
	}
	return r, nil
}

// resume restores training state and then the model weights.
func (r *Runner) resume(statePath string) error {
	if err := r.strategy.LoadTrainState(r, statePath); err != nil {
		return err
	}
	if err := r.model.LoadWeights(r.expDir); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return nil
}

// reset discards any partially applied checkpoint state. Model and adapter
// parameters are restored from the pre-resume snapshot, and the optimizer is
// rebuilt because a failed LoadTrainState may have restored some groups.
func (r *Runner) reset(pristine [][]float32) error {
	for i, p := range r.optim.Params() {
		copy(p.DataPtr(), pristine[i])
	}
	optim, err := r.strategy.CreateOptim(r)
	if err != nil {
		return err
	}
	r.optim = optim
	r.exec.Scaler = NewGradScaler()
	r.stepID = 0
	r.epochID = 0
	r.totalSteps = 0
	return nil
}

func cloneParams(params []*tensor.Tensor) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = append([]float32(nil), p.DataPtr()...)
	}
	return out
}

// StepID returns the step index within the current epoch.
func (r *Runner) StepID() int { return r.stepID }

// EpochID returns the current epoch index.
func (r *Runner) EpochID() int { return r.epochID }

// TotalSteps returns the number of optimizer steps attempted across all
// epochs, including resumed ones.
func (r *Runner) TotalSteps() int { return r.totalSteps }

// Model returns the trained model.
func (r *Runner) Model() *model.Transformer { return r.model }

// Run executes cfg.Epochs epochs on top of whatever the resumed state
// already covers. A run resumed mid-epoch performs only the remaining
// steps of that epoch. Validation plus a checkpoint happen every
// ValInterval steps, including step 0 of every epoch; there is no extra
// save at the end of the run.
func (r *Runner) Run() error {
	steps := r.tloader.Steps()
	endEpoch := r.startEpoch + r.cfg.Epochs
	for epoch := r.startEpoch; epoch < endEpoch; epoch++ {
		r.epochID = epoch
		start := 0
		if epoch == r.startEpoch {
			start = r.startStep
		}
		it := r.tloader.Start()
		for step := start; step < steps; step++ {
			batch, ok := it.Next()
			if !ok {
				break
			}
			r.stepID = step
			loss, err := r.strategy.TrainForward(r, batch)
			if err != nil {
				it.Drain()
				return err
			}
			r.totalSteps++
			if step%r.cfg.ValInterval == 0 {
				r.log.Printf("epoch %d/%d step %d/%d loss %.4f", epoch+1, endEpoch, step, steps, loss)
				r.validate()
				if err := r.setCheckpoint(); err != nil {
					it.Drain()
					return err
				}
			}
		}
		it.Drain()
		r.log.Printf("epoch %d/%d done (total_steps=%d)", epoch+1, endEpoch, r.totalSteps)
	}
	return nil
}

// validate computes the mean task loss over the validation split. Skipped
// silently when the dataset has no validation data.
func (r *Runner) validate() {
	if r.vloader == nil {
		return
	}
	it := r.vloader.Start()
	var losses []float64
	for {
		batch, ok := it.Next()
		if !ok {
			break
		}
		out := r.exec.ForwardPass(r.model, batch.IDs, batch.Mask, batch.Labels, false)
		losses = append(losses, float64(out.Loss))
	}
	if len(losses) == 0 {
		return
	}
	r.log.Printf("val loss %.4f over %d batches", stat.Mean(losses, nil), len(losses))
}

// setCheckpoint persists the model weights and the training state.
func (r *Runner) setCheckpoint() error {
	if err := r.model.SavePretrained(r.expDir); err != nil {
		return err
	}
	if err := r.strategy.SaveTrainState(r, filepath.Join(r.expDir, TrainStateFile)); err != nil {
		return err
	}
	r.log.Printf("checkpoint set: step_id=%d epoch_id=%d total_steps=%d", r.stepID, r.epochID, r.totalSteps)
	return nil
}

// baseState captures the counters, optimizer and scaler; strategies add
// their own blobs on top.
func (r *Runner) baseState() *TrainState {
	return &TrainState{
		StepID:      r.stepID,
		EpochID:     r.epochID,
		TotalSteps:  r.totalSteps,
		OptimState:  r.optim.State(),
		ScalerState: r.exec.Scaler.State(),
	}
}

// applyBaseState restores everything baseState captured. Counters are set
// last so they only change after the blobs decode cleanly.
func (r *Runner) applyBaseState(s *TrainState) error {
	if err := r.optim.LoadState(s.OptimState); err != nil {
		return fmt.Errorf("%w: optimizer: %v", ErrCorruptState, err)
	}
	if err := r.exec.Scaler.LoadState(s.ScalerState); err != nil {
		return fmt.Errorf("%w: scaler: %v", ErrCorruptState, err)
	}
	r.stepID = s.StepID
	r.epochID = s.EpochID
	r.totalSteps = s.TotalSteps
	return nil
}

// Supervised is the plain task-loss strategy: cross-entropy on the
// labels, no teacher involved.
type Supervised struct{}

func (Supervised) CreateOptim(r *Runner) (Optimizer, error) {
	return New(r.cfg.Optim, r.model.Parameters(), r.cfg.LR)
}

func (Supervised) TrainForward(r *Runner, b dataset.Batch) (float32, error) {
	out := r.exec.ForwardPass(r.model, b.IDs, b.Mask, b.Labels, false)
	gradLogits := CrossEntropyGrad(out.Logits, b.Labels)
	r.exec.ScaleSeeds(gradLogits)
	r.exec.BackwardPassAndStep(r.model, gradLogits, nil, r.optim)
	r.optim.ZeroGrad()
	return out.Loss, nil
}

func (Supervised) SaveTrainState(r *Runner, path string) error {
	return r.baseState().Save(path)
}

func (Supervised) LoadTrainState(r *Runner, path string) error {
	s, err := LoadTrainStateFile(path)
	if err != nil {
		return err
	}
	return r.applyBaseState(s)
}
