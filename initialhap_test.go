// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math/rand"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type initialHapSuite struct{}

var _ = check.Suite(&initialHapSuite{})

func (s *initialHapSuite) TestRejectsOutOfRangeFMin(c *check.C) {
	chroms := NewChromTable()
	mk := biallelicMarkers(chroms, 1)
	target := [][]TargetGenotype{{{Allele1: 0, Allele2: 1, Phased: true}}}
	_, err := SampleInitialHaplotypes(mk, target, nil, 0, 1)
	c.Assert(err, check.NotNil)
	_, err = SampleInitialHaplotypes(mk, target, nil, 0.5, 1)
	c.Assert(err, check.NotNil)
}

func (s *initialHapSuite) TestPhasedCalledGenotypePassesThrough(c *check.C) {
	chroms := NewChromTable()
	mk := biallelicMarkers(chroms, 3)
	target := [][]TargetGenotype{
		{
			{Allele1: 0, Allele2: 1, Phased: true},
			{Allele1: 1, Allele2: 0, Phased: true},
			{Allele1: 1, Allele2: 1, Phased: true},
		},
	}
	pairs, err := SampleInitialHaplotypes(mk, target, nil, 0.01, 7)
	c.Assert(err, check.IsNil)
	c.Assert(pairs, check.HasLen, 1)
	hp := pairs[0]
	c.Check(hp.Allele(0, 0), check.Equals, 0)
	c.Check(hp.Allele(0, 1), check.Equals, 1)
	c.Check(hp.Allele(1, 0), check.Equals, 1)
	c.Check(hp.Allele(1, 1), check.Equals, 0)
	c.Check(hp.Allele(2, 0), check.Equals, 1)
	c.Check(hp.Allele(2, 1), check.Equals, 1)
}

func (s *initialHapSuite) TestMissingGenotypeDrawsFromFrequency(c *check.C) {
	chroms := NewChromTable()
	mk := biallelicMarkers(chroms, 1)
	// 9 of 10 samples called homozygous allele 1; the 10th is fully missing.
	target := make([][]TargetGenotype, 10)
	for s := 0; s < 9; s++ {
		target[s] = []TargetGenotype{{Allele1: 1, Allele2: 1, Phased: true}}
	}
	target[9] = []TargetGenotype{{Allele1: -1, Allele2: -1}}

	// draw the missing sample many times with different seeds; with a
	// frequency heavily skewed toward allele 1 it should be drawn far
	// more often than allele 0.
	ones := 0
	trials := 200
	for seed := int64(0); seed < int64(trials); seed++ {
		pairs, err := SampleInitialHaplotypes(mk, target, nil, 0.01, seed*2+1000)
		c.Assert(err, check.IsNil)
		hp := pairs[9]
		if hp.Allele(0, 0) == 1 {
			ones++
		}
	}
	frac := float64(ones) / float64(trials)
	c.Check(frac > 0.7, check.Equals, true, check.Commentf("fraction=%v", frac))
}

// TestFrequencyFloorConvergence checks invariant 7: as more independent
// draws accumulate, the empirical allele-1 frequency among fully-missing
// samples converges toward the floor-adjusted input frequency, not away
// from it. Uses gonum/stat to compute the sample mean and standard
// deviation of the per-trial empirical frequency across batches.
func (s *initialHapSuite) TestFrequencyFloorConvergence(c *check.C) {
	chroms := NewChromTable()
	mk := biallelicMarkers(chroms, 1)
	nSamples := 50
	target := make([][]TargetGenotype, nSamples+1)
	// half called allele 0, half called allele 1: true frequency 0.5.
	for s := 0; s < nSamples; s++ {
		a := s % 2
		target[s] = []TargetGenotype{{Allele1: a, Allele2: a, Phased: true}}
	}
	// the last sample is fully missing, so both its alleles are drawn.
	target[nSamples] = []TargetGenotype{{Allele1: -1, Allele2: -1}}

	const nBatches = 30
	const drawsPerBatch = 40
	batchFreq := make([]float64, nBatches)
	for b := 0; b < nBatches; b++ {
		ones, total := 0, 0
		for d := 0; d < drawsPerBatch; d++ {
			seed := int64(b*drawsPerBatch+d) * 7919
			pairs, err := SampleInitialHaplotypes(mk, target, nil, 0.01, seed)
			c.Assert(err, check.IsNil)
			hp := pairs[nSamples]
			if hp.Allele(0, 0) == 1 {
				ones++
			}
			if hp.Allele(0, 1) == 1 {
				ones++
			}
			total += 2
		}
		batchFreq[b] = float64(ones) / float64(total)
	}
	mean := stat.Mean(batchFreq, nil)
	stdDev := stat.StdDev(batchFreq, nil)
	c.Check(mean > 0.35 && mean < 0.65, check.Equals, true, check.Commentf("mean=%v", mean))
	// batch means should cluster reasonably tightly around 0.5, not
	// swing wildly between 0 and 1.
	c.Check(stdDev < 0.25, check.Equals, true, check.Commentf("stddev=%v", stdDev))
}

func (s *initialHapSuite) TestRefFrequenciesInfluenceMissingDraws(c *check.C) {
	chroms := NewChromTable()
	mk := biallelicMarkers(chroms, 1)
	// no called genotypes at all: frequency estimate relies entirely
	// on the reference panel, which is 100% allele 1.
	target := [][]TargetGenotype{{{Allele1: -1, Allele2: -1}}}
	alleleOf := make([]int, 20)
	for i := range alleleOf {
		alleleOf[i] = 1
	}
	rec, err := NewAlleleCodedRec(mk.At(0), alleleOf)
	c.Assert(err, check.IsNil)
	refRecs := []RefGTRec{rec}

	ones := 0
	trials := 100
	for seed := int64(0); seed < int64(trials); seed++ {
		pairs, err := SampleInitialHaplotypes(mk, target, refRecs, 0.01, seed*3+1)
		c.Assert(err, check.IsNil)
		if pairs[0].Allele(0, 0) == 1 {
			ones++
		}
	}
	c.Check(float64(ones)/float64(trials) > 0.8, check.Equals, true)
}

func (s *initialHapSuite) TestSampleLikelihoodPairRejectsZeroLikelihood(c *check.C) {
	lik := [][]float64{
		{0, 1},
		{0, 0},
	}
	freq := []float64{0.5, 0.5}
	rng := rand.New(rand.NewSource(3))
	a, b, err := sampleLikelihoodPair(lik, freq, rng)
	c.Assert(err, check.IsNil)
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	c.Check(lik[lo][hi] != 0, check.Equals, true)
}

func (s *initialHapSuite) TestSampleLikelihoodPairExhaustsAttempts(c *check.C) {
	lik := [][]float64{
		{0, 0},
		{0, 0},
	}
	freq := []float64{0.5, 0.5}
	rng := rand.New(rand.NewSource(1))
	_, _, err := sampleLikelihoodPair(lik, freq, rng)
	c.Assert(err, check.NotNil)
	_, ok := err.(*ResourceError)
	c.Check(ok, check.Equals, true)
}
