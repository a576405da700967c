// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import "fmt"

// Samples is an immutable mapping between a dense local index
// [0, nSamples) and a stable global id-index used when merging sample
// sets produced by different windows.
type Samples struct {
	ids      []string
	idIndex  []int64
}

// NewSamples builds a Samples table. It returns an InvariantError if
// ids and idIndex differ in length or if any idIndex value repeats;
// the order of idIndex values is not checked.
func NewSamples(ids []string, idIndex []int64) (*Samples, error) {
	if len(ids) != len(idIndex) {
		return nil, newInvariantError(fmt.Sprintf("NewSamples: len(ids)=%d != len(idIndex)=%d", len(ids), len(idIndex)))
	}
	seen := make(map[int64]bool, len(idIndex))
	for i, id := range idIndex {
		if seen[id] {
			return nil, newInvariantError(fmt.Sprintf("NewSamples: idIndex[%d]=%d is not unique", i, id))
		}
		seen[id] = true
	}
	return &Samples{ids: append([]string(nil), ids...), idIndex: append([]int64(nil), idIndex...)}, nil
}

// Len returns the number of samples (diploid individuals).
func (s *Samples) Len() int { return len(s.ids) }

// ID returns the sample id string for local index i.
func (s *Samples) ID(i int) string { return s.ids[i] }

// IDIndex returns the stable global id-index for local index i.
func (s *Samples) IDIndex(i int) int64 { return s.idIndex[i] }

// NHaps returns 2*Len(), the number of reference haplotypes.
func (s *Samples) NHaps() int { return 2 * len(s.ids) }
