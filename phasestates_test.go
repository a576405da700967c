// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import "gopkg.in/check.v1"

type phaseStatesSuite struct{}

var _ = check.Suite(&phaseStatesSuite{})

// TestRootAlwaysMinimum checks invariant 4: after every update, the
// heap root holds the minimum lastStep among occupied slots.
func (s *phaseStatesSuite) TestRootAlwaysMinimum(c *check.C) {
	ps := NewPhaseStates(3)
	updates := [][]int{
		{1, 2, 3},
		{1, 4},
		{5},
		{2, 6},
	}
	for w, haps := range updates {
		ps.Update(w, haps)
		min := ps.h[0].lastStep
		for _, slot := range ps.h {
			if slot.hap == -1 {
				continue
			}
			c.Check(slot.lastStep >= min, check.Equals, true)
		}
		c.Check(ps.RootLastStep(), check.Equals, min)
	}
}

func (s *phaseStatesSuite) TestUpdateEvictsOldestOnCapacity(c *check.C) {
	ps := NewPhaseStates(2)
	ps.Update(0, []int{10})
	ps.Update(1, []int{20})
	// both slots full; hap 10 is the oldest and should be evicted
	// to make room for 30.
	ps.Update(2, []int{30})
	_, has10 := ps.hapToSlot[10]
	_, has20 := ps.hapToSlot[20]
	_, has30 := ps.hapToSlot[30]
	c.Check(has10, check.Equals, false)
	c.Check(has20, check.Equals, true)
	c.Check(has30, check.Equals, true)
}

func (s *phaseStatesSuite) TestRevisitingHapUpdatesLastStepWithoutEviction(c *check.C) {
	ps := NewPhaseStates(2)
	ps.Update(0, []int{10})
	ps.Update(1, []int{20})
	ps.Update(5, []int{10}) // hap 10 seen again, should not be evicted
	_, has10 := ps.hapToSlot[10]
	_, has20 := ps.hapToSlot[20]
	c.Check(has10, check.Equals, true)
	c.Check(has20, check.Equals, true)
	c.Check(ps.hapToSlot[10].lastStep, check.Equals, 5)
}

func (s *phaseStatesSuite) TestMaterializeFallsBackToNaiveWhenUnderpopulated(c *check.C) {
	ps := NewPhaseStates(3)
	ps.Update(0, []int{4}) // only one slot ever occupied
	nHaps := 8
	get := func(h, m int) int { return h % 2 }
	states, nUsed := ps.Materialize(5, nHaps, 0 /* sample */, get)
	c.Assert(nUsed, check.Equals, 3) // min(k, nHaps-2) = min(3,6) = 3
	c.Assert(states, check.HasLen, 5)
	for _, row := range states {
		c.Check(row, check.HasLen, 3)
	}
}

// TestMaterializeUsesCopyEndsBoundaries exercises boundary scenario S6:
// a populated PhaseStates whose Materialize output switches haplotype
// at each recorded copyEnds boundary.
func (s *phaseStatesSuite) TestMaterializeUsesCopyEndsBoundaries(c *check.C) {
	ps := NewPhaseStates(2)
	// slot 0 holds hap 1 for steps 0..2, then is evicted for hap 3 at step 4;
	// slot 1 holds hap 2 throughout.
	ps.Update(0, []int{1, 2})
	ps.Update(2, []int{1, 2})
	ps.Update(4, []int{3})

	get := func(h, m int) int { return h } // identity: allele == hap index
	states, nUsed := ps.Materialize(6, 10, 0, get)
	c.Assert(nUsed, check.Equals, 2)
	c.Assert(states, check.HasLen, 6)

	// one column is the slot that held hap 2 the entire time.
	col2 := -1
	for j := 0; j < len(states[0]); j++ {
		if states[0][j] == 2 {
			col2 = j
		}
	}
	c.Assert(col2 >= 0, check.Equals, true)
	for m := 0; m < 6; m++ {
		c.Check(states[m][col2], check.Equals, 2, check.Commentf("marker %d", m))
	}

	// the other column switches from hap 1 to hap 3 at the midpoint
	// between step 2 (lastStep before eviction) and step 4 (eviction step).
	other := 1 - col2
	mid := stepMidpoint(2, 4)
	for m := 0; m < mid; m++ {
		c.Check(states[m][other], check.Equals, 1, check.Commentf("marker %d before switch", m))
	}
	for m := mid; m < 6; m++ {
		c.Check(states[m][other], check.Equals, 3, check.Commentf("marker %d after switch", m))
	}
}

func (s *phaseStatesSuite) TestNaiveMaterializeSkipsOwnHaplotypes(c *check.C) {
	ps := NewPhaseStates(4)
	get := func(h, m int) int { return h }
	states, nUsed := ps.Materialize(1, 10, 2 /* sample */, get) // own haps 4,5
	c.Assert(nUsed, check.Equals, 4)
	for _, hap := range states[0] {
		c.Check(hap == 4 || hap == 5, check.Equals, false)
	}
}
