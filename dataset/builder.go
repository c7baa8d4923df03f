// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Build tokenizes the task's raw files under dir into a two-split dataset,
// reusing the cached token shards unless rebuild is set. Expected inputs:
//
//	wiki: train.txt and optionally val.txt, one document per line
//	mnli: train.tsv and optionally val.tsv, premise<TAB>hypothesis<TAB>label
//
// A missing validation file leaves the val split empty; the runner then
// skips validation entirely.
func Build(task string, tok TextEncoder, dir string, seqLen int, rebuild bool) (*Dataset, error) {
	d := NewDataset(task, tok.PadID())
	for _, split := range []string{"train", "val"} {
		cache := filepath.Join(dir, fmt.Sprintf("%s_%s.json", task, split))
		if !rebuild {
			if ok, err := loadCache(d, split, cache); err != nil {
				return nil, err
			} else if ok {
				continue
			}
		}
		raw, built, err := buildSplit(task, tok, dir, split, seqLen)
		if err != nil {
			return nil, err
		}
		if !raw {
			if split == "train" {
				return nil, fmt.Errorf("no %s training data under %s", task, dir)
			}
			continue
		}
		for _, ex := range built {
			d.Add(split, ex)
		}
		if err := saveCache(built, cache); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func buildSplit(task string, tok TextEncoder, dir, split string, seqLen int) (bool, []Example, error) {
	switch task {
	case "wiki":
		path := filepath.Join(dir, split+".txt")
		if _, err := os.Stat(path); err != nil {
			return false, nil, nil
		}
		exs, err := buildWiki(tok, path, seqLen)
		return true, exs, err
	case "mnli":
		path := filepath.Join(dir, split+".tsv")
		if _, err := os.Stat(path); err != nil {
			return false, nil, nil
		}
		exs, err := buildMNLI(tok, path, seqLen)
		return true, exs, err
	default:
		return false, nil, fmt.Errorf("unknown task %q", task)
	}
}

// buildWiki windows each document into fixed-length next-token examples:
// labels are the input shifted left by one, with the final position
// untargeted.
func buildWiki(tok TextEncoder, path string, seqLen int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ids, err := tok.Encode(line)
		if err != nil {
			return nil, err
		}
		ids = append([]int{tok.BosID()}, append(ids, tok.EosID())...)
		for start := 0; start+1 < len(ids); start += seqLen {
			end := start + seqLen
			if end > len(ids) {
				end = len(ids)
			}
			window := ids[start:end]
			labels := make([]int, len(window))
			copy(labels, window[1:])
			labels[len(labels)-1] = LabelPad
			out = append(out, Example{IDs: append([]int(nil), window...), Labels: labels})
		}
	}
	return out, sc.Err()
}

// buildMNLI encodes each premise/hypothesis pair as
// <bos> premise <eos> hypothesis <eos>, truncated to seqLen. The class
// label (0 entailment, 1 neutral, 2 contradiction) sits at the first
// position; every other position is untargeted.
func buildMNLI(tok TextEncoder, path string, seqLen int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%s:%d: expected 3 tab-separated fields, got %d", path, lineNo, len(parts))
		}
		label, err := strconv.Atoi(parts[2])
		if err != nil || label < 0 || label > 2 {
			return nil, fmt.Errorf("%s:%d: bad label %q", path, lineNo, parts[2])
		}
		premise, err := tok.Encode(parts[0])
		if err != nil {
			return nil, err
		}
		hypothesis, err := tok.Encode(parts[1])
		if err != nil {
			return nil, err
		}
		ids := []int{tok.BosID()}
		ids = append(ids, premise...)
		ids = append(ids, tok.EosID())
		ids = append(ids, hypothesis...)
		ids = append(ids, tok.EosID())
		if len(ids) > seqLen {
			ids = ids[:seqLen]
		}
		labels := make([]int, len(ids))
		for i := range labels {
			labels[i] = LabelPad
		}
		labels[0] = label
		out = append(out, Example{IDs: ids, Labels: labels})
	}
	return out, sc.Err()
}

func loadCache(d *Dataset, split, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	var exs []Example
	if err := json.Unmarshal(raw, &exs); err != nil {
		return false, fmt.Errorf("corrupt dataset cache %s: %v (use --rebuild-dataset)", path, err)
	}
	for _, ex := range exs {
		d.Add(split, ex)
	}
	return true, nil
}

func saveCache(exs []Example, path string) error {
	raw, err := json.Marshal(exs)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
