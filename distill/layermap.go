// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package distill implements knowledge distillation training: the epoch and
// step loop, masked distillation losses, layer mapping for intermediate
// hidden-state supervision, optimizers with parameter groups, dynamic
// gradient scaling for mixed precision, and resumable training state.
package distill

import "fmt"

// ConfigError reports an unsupported configuration value. It is fatal:
// the run must not proceed with a silently substituted default.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

// layerMapping fixes, per supported student depth, which teacher layers
// supervise the student's hidden states. Indices are 0-based into a
// 12-layer teacher and spread supervision evenly across its depth.
var layerMapping = map[int][]int{
	2:  {5, 11},
	3:  {3, 7, 11},
	4:  {2, 5, 8, 11},
	6:  {1, 3, 5, 7, 9, 11},
	12: {0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
}

// LayerMap returns the ordered teacher layer indices to compare against for
// a student with the given number of supervised hidden layers. Supported
// student depths are exactly the keys {2, 3, 4, 6, 12}; any other depth is
// a hard configuration error, never interpolated.
func LayerMap(numStudentLayers int) ([]int, error) {
	m, ok := layerMapping[numStudentLayers]
	if !ok {
		return nil, ConfigError(fmt.Sprintf("no layer mapping for %d student layers (supported: 2, 3, 4, 6, 12)", numStudentLayers))
	}
	out := make([]int, len(m))
	copy(out, m)
	return out, nil
}
