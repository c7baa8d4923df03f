// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package dataset

import (
	"fmt"

	"github.com/fumi-engineer/kdist/tensor"
)

// LabelPad fills padded label positions; the loss excludes it.
const LabelPad = -100

// Example is one tokenized training item. Labels align one-to-one with
// IDs; positions that carry no target hold LabelPad.
type Example struct {
	IDs    []int
	Labels []int
}

// Batch is a padded collated batch ready for a forward pass. IDs and
// Labels are [B, T]; Mask is [B, T] with 1.0 on real tokens and 0.0 on
// padding.
type Batch struct {
	IDs    *tensor.Tensor
	Mask   *tensor.Tensor
	Labels *tensor.Tensor
}

// Dataset holds the tokenized splits of one task. A dataset starts with
// both splits populated; SetSplit followed by Commit narrows it to one
// split, so the training and validation sets can share a build and then
// diverge via Clone.
type Dataset struct {
	task   string
	padID  int
	splits map[string][]Example
	split  string
}

// NewDataset returns an empty dataset for the named task.
func NewDataset(task string, padID int) *Dataset {
	return &Dataset{
		task:   task,
		padID:  padID,
		splits: map[string][]Example{},
		split:  "train",
	}
}

// Add appends an example to the named split.
func (d *Dataset) Add(split string, ex Example) {
	d.splits[split] = append(d.splits[split], ex)
}

// SetSplit selects the active split. Returns d for chaining.
func (d *Dataset) SetSplit(name string) *Dataset {
	d.split = name
	return d
}

// Commit drops every split except the active one. Returns d for chaining.
func (d *Dataset) Commit() *Dataset {
	kept := d.splits[d.split]
	d.splits = map[string][]Example{d.split: kept}
	return d
}

// Clone deep-copies the dataset, including all remaining splits.
func (d *Dataset) Clone() *Dataset {
	c := NewDataset(d.task, d.padID)
	c.split = d.split
	for name, exs := range d.splits {
		cp := make([]Example, len(exs))
		for i, ex := range exs {
			cp[i] = Example{
				IDs:    append([]int(nil), ex.IDs...),
				Labels: append([]int(nil), ex.Labels...),
			}
		}
		c.splits[name] = cp
	}
	return c
}

// Task returns the task name the dataset was built for.
func (d *Dataset) Task() string { return d.task }

// HasVal reports whether the validation split holds any examples.
func (d *Dataset) HasVal() bool { return len(d.splits["val"]) > 0 }

// Len returns the number of examples in the active split.
func (d *Dataset) Len() int { return len(d.splits[d.split]) }

// At returns the i-th example of the active split.
func (d *Dataset) At(i int) Example { return d.splits[d.split][i] }

// PadCollate right-pads the items to the longest sequence in the batch
// and stacks them into tensors. Token padding uses the tokenizer's pad
// ID; label padding uses LabelPad so padded positions never contribute
// to the loss.
func (d *Dataset) PadCollate(items []Example) Batch {
	if len(items) == 0 {
		panic("cannot collate an empty batch")
	}
	maxLen := 0
	for _, ex := range items {
		if len(ex.IDs) != len(ex.Labels) {
			panic(fmt.Sprintf("example has %d ids but %d labels", len(ex.IDs), len(ex.Labels)))
		}
		if len(ex.IDs) > maxLen {
			maxLen = len(ex.IDs)
		}
	}
	b := len(items)
	ids := make([]int, b*maxLen)
	labels := make([]int, b*maxLen)
	mask := make([]float32, b*maxLen)
	for r, ex := range items {
		base := r * maxLen
		for c := 0; c < maxLen; c++ {
			if c < len(ex.IDs) {
				ids[base+c] = ex.IDs[c]
				labels[base+c] = ex.Labels[c]
				mask[base+c] = 1
			} else {
				ids[base+c] = d.padID
				labels[base+c] = LabelPad
			}
		}
	}
	shape := tensor.NewShape(b, maxLen)
	return Batch{
		IDs:    tensor.FromInts(ids, shape),
		Mask:   tensor.FromSliceNoCopy(mask, shape),
		Labels: tensor.FromInts(labels, shape),
	}
}
