// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math/rand"
)

// TargetGenotype is one target sample's observed data at one marker:
// either a called genotype (possibly with missing/unphased alleles,
// using -1 for missing) or, on the likelihood path, a per-allele-pair
// likelihood vector.
type TargetGenotype struct {
	// Allele1, Allele2: -1 means missing. Phased indicates the two
	// alleles are in haplotype order (Allele1 on hap 0); if false
	// and both are known, orientation is randomized.
	Allele1, Allele2 int
	Phased           bool
	// Likelihoods, if non-nil, gives P(observed data | genotype ==
	// (a,b)) for every unordered allele pair, indexed as
	// Likelihoods[a][b] with a<=b. When set, it takes precedence
	// over Allele1/Allele2 for frequency estimation and sampling,
	// except that a phased genotype with both alleles known is
	// copied as is.
	Likelihoods [][]float64
}

// SampleInitialHaplotypes builds one HapPair per target sample (spec
// §4.D). target[s][m] is sample s's observed data at marker m;
// refRecs[m] (optional, may be nil) is the reference panel's
// RefGTRec at marker m, used to seed allele frequencies. fMin is the
// minimum allele frequency floor, fMin ∈ (0, 0.5). seed is the base
// RNG seed; each sample's draws use seed+sampleIndex, independent of
// every other sample's draws (spec precedent: the teacher's TileFasta
// random start-point selection in tilelib.go uses a per-call
// math/rand source rather than a shared global one).
func SampleInitialHaplotypes(mk *Markers, target [][]TargetGenotype, refRecs []RefGTRec, fMin float64, seed int64) ([]*HapPair, error) {
	if fMin <= 0 || fMin >= 0.5 {
		return nil, newParameterError("f_min must be in (0, 0.5)")
	}
	nSamples := len(target)
	nMarkers := mk.Len()
	freqs := make([][]float64, nMarkers)
	likelihoodPath := make([]bool, nMarkers)
	for m := 0; m < nMarkers; m++ {
		nAlleles := mk.At(m).NAlleles()
		freq := make([]float64, nAlleles)
		useLikelihood := false
		for s := 0; s < nSamples; s++ {
			if target[s][m].Likelihoods != nil {
				useLikelihood = true
				break
			}
		}
		likelihoodPath[m] = useLikelihood
		if useLikelihood {
			accumulateLikelihoodFrequencies(freq, target, m)
		} else {
			accumulateCalledFrequencies(freq, target, m)
		}
		if refRecs != nil && refRecs[m] != nil {
			hasTargetData := false
			for s := 0; s < nSamples; s++ {
				g := target[s][m]
				if g.Allele1 >= 0 || g.Allele2 >= 0 || g.Likelihoods != nil {
					hasTargetData = true
					break
				}
			}
			if !hasTargetData {
				// no target observation: the reference alone
				// sets the frequency.
				for i := range freq {
					freq[i] = 0
				}
			}
			accumulateRefFrequencies(freq, refRecs[m])
		}
		applyFrequencyFloor(freq, fMin)
		freqs[m] = freq
	}

	pairs := make([]*HapPair, nSamples)
	for s := 0; s < nSamples; s++ {
		rng := rand.New(rand.NewSource(seed + int64(s)))
		hp := NewHapPair(mk)
		for m := 0; m < nMarkers; m++ {
			a1, a2, err := resolveSampleAlleles(target[s][m], freqs[m], likelihoodPath[m], rng)
			if err != nil {
				return nil, err
			}
			hp.SetAllele(m, 0, a1)
			hp.SetAllele(m, 1, a2)
		}
		pairs[s] = hp
	}
	return pairs, nil
}

func accumulateCalledFrequencies(freq []float64, target [][]TargetGenotype, m int) {
	total := 0.0
	for s := range target {
		g := target[s][m]
		if g.Allele1 >= 0 {
			freq[g.Allele1]++
			total++
		}
		if g.Allele2 >= 0 {
			freq[g.Allele2]++
			total++
		}
	}
	if total > 0 {
		for i := range freq {
			freq[i] /= total
		}
	} else {
		uniform(freq)
	}
}

func accumulateLikelihoodFrequencies(freq []float64, target [][]TargetGenotype, m int) {
	nAlleles := len(freq)
	total := 0.0
	for s := range target {
		g := target[s][m]
		if g.Likelihoods == nil {
			continue
		}
		sum := 0.0
		for a := 0; a < nAlleles; a++ {
			for b := a; b < nAlleles; b++ {
				sum += g.Likelihoods[a][b]
			}
		}
		if sum <= 0 {
			continue
		}
		for a := 0; a < nAlleles; a++ {
			for b := a; b < nAlleles; b++ {
				w := g.Likelihoods[a][b] / sum
				freq[a] += w
				freq[b] += w
				total += 2 * w
			}
		}
	}
	if total > 0 {
		for i := range freq {
			freq[i] /= total
		}
	} else {
		uniform(freq)
	}
}

func accumulateRefFrequencies(freq []float64, rec RefGTRec) {
	nHaps := rec.NHaps()
	if nHaps == 0 {
		return
	}
	counts := make([]float64, len(freq))
	for a := range counts {
		counts[a] = float64(rec.AlleleCount(a))
	}
	refTotal := float64(nHaps)
	// Blend: treat the existing (target-derived) frequency vector
	// and the reference counts as two independent samples, summed
	// before renormalizing, so neither source dominates when one
	// has far more observations than the other.
	for a := range freq {
		freq[a] = freq[a] + counts[a]/refTotal
	}
	sum := 0.0
	for _, f := range freq {
		sum += f
	}
	if sum > 0 {
		for a := range freq {
			freq[a] /= sum
		}
	}
}

func applyFrequencyFloor(freq []float64, fMin float64) {
	for i := range freq {
		if freq[i] < fMin {
			freq[i] = fMin
		}
	}
	sum := 0.0
	for _, f := range freq {
		sum += f
	}
	if sum > 0 {
		for i := range freq {
			freq[i] /= sum
		}
	}
}

func uniform(freq []float64) {
	n := len(freq)
	for i := range freq {
		freq[i] = 1.0 / float64(n)
	}
}

// resolveSampleAlleles applies spec §4.D step 3 for one sample/marker.
func resolveSampleAlleles(g TargetGenotype, freq []float64, likelihoodPath bool, rng *rand.Rand) (a1, a2 int, err error) {
	if g.Likelihoods != nil {
		if g.Allele1 >= 0 && g.Allele2 >= 0 && g.Phased {
			return g.Allele1, g.Allele2, nil
		}
		return sampleLikelihoodPair(g.Likelihoods, freq, rng)
	}
	switch {
	case g.Allele1 >= 0 && g.Allele2 >= 0:
		if g.Phased {
			return g.Allele1, g.Allele2, nil
		}
		if rng.Intn(2) == 0 {
			return g.Allele1, g.Allele2, nil
		}
		return g.Allele2, g.Allele1, nil
	case g.Allele1 >= 0:
		return g.Allele1, drawAllele(freq, rng), nil
	case g.Allele2 >= 0:
		return drawAllele(freq, rng), g.Allele2, nil
	default:
		return drawAllele(freq, rng), drawAllele(freq, rng), nil
	}
}

func drawAllele(freq []float64, rng *rand.Rand) int {
	x := rng.Float64()
	cum := 0.0
	for a, f := range freq {
		cum += f
		if x < cum {
			return a
		}
	}
	return len(freq) - 1
}

// sampleLikelihoodPair draws a genotype for a sample whose data is a
// likelihood vector, rejecting draws with exactly zero likelihood
// (spec §4.D step 3).
func sampleLikelihoodPair(lik [][]float64, freq []float64, rng *rand.Rand) (int, int, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		a := drawAllele(freq, rng)
		b := drawAllele(freq, rng)
		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo >= len(lik) || hi >= len(lik[lo]) {
			continue
		}
		if lik[lo][hi] != 0 {
			return a, b, nil
		}
	}
	return 0, 0, newResourceError("sampleLikelihoodPair: no allele pair with nonzero likelihood found in 1000 draws")
}
