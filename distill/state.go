// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package distill

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Checkpoint file names inside an experiment directory.
const (
	TrainStateFile    = "trainstate.pt"
	OptimSnapshotFile = "optim.pkl"
)

// ErrNoCheckpoint reports that no training-state file exists. Callers
// distinguish it from a corrupt file: both start a fresh run, but the log
// message differs.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// ErrCorruptState wraps any decode failure of an existing training-state
// file.
var ErrCorruptState = errors.New("corrupt training state")

// TrainState is everything beyond the model weights needed to resume a
// run: the loop counters and the opaque per-component state blobs.
type TrainState struct {
	StepID     int
	EpochID    int
	TotalSteps int

	OptimState   []byte
	ScalerState  []byte
	AdapterState []byte
}

var trainStateMagic = []byte("KDTS")

// Save writes the state to path atomically via a temp file rename.
func (s *TrainState) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	w.Write(trainStateMagic)
	writeI64(w, 1) // version
	writeI64(w, int64(s.StepID))
	writeI64(w, int64(s.EpochID))
	writeI64(w, int64(s.TotalSteps))
	for _, blob := range [][]byte{s.OptimState, s.ScalerState, s.AdapterState} {
		writeI64(w, int64(len(blob)))
		w.Write(blob)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadTrainStateFile reads a TrainState from path. A missing file returns
// ErrNoCheckpoint; any decode failure returns ErrCorruptState.
func LoadTrainStateFile(path string) (*TrainState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	s, err := decodeTrainState(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return s, nil
}

func decodeTrainState(raw []byte) (*TrainState, error) {
	r := bytes.NewReader(raw)
	if err := readMagic(r, string(trainStateMagic)); err != nil {
		return nil, err
	}
	version, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported training state version %d", version)
	}
	s := &TrainState{}
	for _, dst := range []*int{&s.StepID, &s.EpochID, &s.TotalSteps} {
		v, err := readI64(r)
		if err != nil {
			return nil, err
		}
		*dst = int(v)
	}
	for _, dst := range []*[]byte{&s.OptimState, &s.ScalerState, &s.AdapterState} {
		n, err := readI64(r)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > int64(r.Len()) {
			return nil, fmt.Errorf("blob length %d exceeds remaining %d bytes", n, r.Len())
		}
		blob := make([]byte, n)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, err
		}
		*dst = blob
	}
	return s, nil
}
