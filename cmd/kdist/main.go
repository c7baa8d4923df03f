// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Command kdist trains a transformer student, optionally distilling it
// from a frozen pretrained teacher.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/fumi-engineer/kdist/config"
	"github.com/fumi-engineer/kdist/dataset"
	"github.com/fumi-engineer/kdist/distill"
	"github.com/fumi-engineer/kdist/model"
)

func main() {
	cfg := config.Default()
	var task string
	var lr float64
	var kdCoeff, ikdCoeff float64
	var vocabSize int

	flag.StringVar(&task, "task", string(cfg.Task), "training task: wiki or mnli")
	flag.StringVar(&cfg.DataDir, "data-config", "", "dataset directory with raw text and token caches")
	flag.StringVar(&cfg.PretrainedDir, "model-config", "", "directory with student weights to start from")
	flag.StringVar(&cfg.TeacherDir, "teacher", "", "directory with frozen teacher weights; enables distillation")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "compute device")
	flag.BoolVar(&cfg.UseFP16, "use-fp16", false, "reduced-precision training with dynamic loss scaling")
	flag.BoolVar(&cfg.RandomInit, "random-init", false, "ignore pretrained weights and start from random init")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "examples per step")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	flag.Float64Var(&lr, "lr", float64(cfg.LR), "learning rate")
	flag.StringVar(&cfg.Optim, "optim", cfg.Optim, "optimizer: adamw, adam or sgd")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "root directory for experiment outputs")
	flag.StringVar(&cfg.ExpName, "exp-name", cfg.ExpName, "experiment name; defaults to a timestamp")
	flag.IntVar(&cfg.ValInterval, "val-interval", cfg.ValInterval, "steps between validation passes")
	flag.BoolVar(&cfg.RebuildDataset, "rebuild-dataset", false, "retokenize instead of reusing cached shards")
	flag.IntVar(&cfg.HiddenD, "hidden-d", cfg.HiddenD, "student hidden width")
	flag.IntVar(&cfg.ModelD, "model-d", cfg.ModelD, "student feed-forward width")
	flag.IntVar(&cfg.NumLayers, "num-layers", cfg.NumLayers, "student layer count")
	flag.IntVar(&cfg.SeqLen, "seq-len", cfg.SeqLen, "maximum sequence length")
	flag.Float64Var(&kdCoeff, "kd-coeff", float64(cfg.KDCoeff), "weight of the logit KL term")
	flag.Float64Var(&ikdCoeff, "ikd-coeff", float64(cfg.IKDCoeff), "weight of the hidden-state MSE term")
	flag.IntVar(&vocabSize, "vocab-size", 8192, "tokenizer vocabulary size when training a new tokenizer")
	flag.Parse()

	cfg.Task = config.Task(task)
	cfg.LR = float32(lr)
	cfg.KDCoeff = float32(kdCoeff)
	cfg.IKDCoeff = float32(ikdCoeff)

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(cfg.ExpDir(), 0o755); err != nil {
		log.Fatal(err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.ExpDir(), "logfile.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()
	logger := log.New(io.MultiWriter(os.Stdout, logFile), "", log.LstdFlags)
	logger.Printf("args: %v", os.Args[1:])
	cfg.Info(logger)

	corpus := filepath.Join(cfg.DataDir, "train.txt")
	if cfg.Task == config.TaskMNLI {
		corpus = filepath.Join(cfg.DataDir, "train.tsv")
	}
	tok, err := dataset.LoadOrTrainTokenizer(corpus, filepath.Join(cfg.DataDir, "tokenizer.json"), vocabSize)
	if err != nil {
		logger.Fatalf("tokenizer: %v", err)
	}

	data, err := dataset.Build(string(cfg.Task), tok, cfg.DataDir, cfg.SeqLen, cfg.RebuildDataset)
	if err != nil {
		logger.Fatalf("dataset: %v", err)
	}
	logger.Printf("dataset ready: %d train examples, has_val=%v", data.SetSplit("train").Len(), data.HasVal())

	var student *model.Transformer
	if cfg.PretrainedDir != "" && !cfg.RandomInit {
		student, err = model.LoadPretrained(cfg.PretrainedDir)
		if err != nil {
			logger.Fatalf("pretrained student: %v", err)
		}
	} else {
		student = model.New(model.Student(cfg.NumLayers, cfg.HiddenD, cfg.ModelD, tok.VocabSize()))
	}
	logger.Printf("student: %d parameters", student.Config().TotalParams())

	var strat distill.Strategy = distill.Supervised{}
	if cfg.TeacherDir != "" {
		teacher, err := model.LoadPretrained(cfg.TeacherDir)
		if err != nil {
			logger.Fatalf("teacher: %v", err)
		}
		strat, err = distill.NewDistill(teacher, student.HiddenDim(), student.NumLayers(), cfg.KDCoeff, cfg.IKDCoeff)
		if err != nil {
			logger.Fatalf("distillation setup: %v", err)
		}
		logger.Printf("teacher: %d layers, %d hidden", teacher.NumLayers(), teacher.HiddenDim())
	}

	runner, err := distill.NewRunner(cfg, logger, student, strat, data)
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}
	if err := runner.Run(); err != nil {
		logger.Fatalf("training: %v", err)
	}
	logger.Printf("done: total_steps=%d", runner.TotalSteps())
}
