// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// HMMConfig holds the Li-Stephens tunable rates (spec §4.G): Rho is
// the scaled recombination rate per cM, Mu is the per-marker allele
// mismatch (error) probability.
type HMMConfig struct {
	Rho float64
	Mu  float64
}

// DefaultHMMConfig returns the spec's stated defaults (rho=0.04 per
// cM, mu=1e-4).
func DefaultHMMConfig() HMMConfig {
	return HMMConfig{Rho: 0.04, Mu: 1e-4}
}

// HaplotypeHMM runs one forward-backward pass of the Li-Stephens
// model for a single haplotype against a selected set of reference
// copying states (spec §4.G). states[m] holds, for each of the
// nStates used copying states, the allele that state carries at
// marker m (constant width across all markers, as produced by
// PhaseStates.Materialize). observed[m] is the haplotype's own
// allele at marker m, or -1 if there is no observation to condition
// on at that marker.
//
// The spec text distinguishes "missing allele at a genotyped marker"
// (uniform emission) from "marker present only in the reference"
// (contributes no forward emission, only backward accumulation). Both
// reduce to the same thing numerically: a uniform emission is a
// constant multiplicative factor across every state, so it cancels
// out of both the per-column normalization and the posterior ratio in
// exactly the same way an absent emission would. This implementation
// therefore treats both cases identically via observed[m] == -1,
// which simplifies the recursion without changing any posterior.
//
// Returns, per marker, the posterior probability of each allele of
// that marker, plus the model's total log likelihood (the sum of the
// per-column log normalizers, spec §4.G "numerical underflow").
func HaplotypeHMM(mk *Markers, chrom int, gm *GeneticMap, cfg HMMConfig, states [][]int, observed []int) (posterior [][]float64, logLikelihood float64, err error) {
	nMarkers := mk.Len()
	if nMarkers == 0 {
		return nil, 0, nil
	}
	if len(states) != nMarkers || len(observed) != nMarkers {
		return nil, 0, newInvariantError("HaplotypeHMM: states/observed length mismatch with markers")
	}
	nStates := len(states[0])
	if nStates == 0 {
		return nil, 0, newInvariantError("HaplotypeHMM: zero reference states")
	}
	for m := range states {
		if len(states[m]) != nStates {
			return nil, 0, newInvariantError("HaplotypeHMM: state matrix width varies across markers")
		}
	}

	pSwitch := make([]float64, nMarkers-1)
	for m := 0; m < nMarkers-1; m++ {
		d := mk.CMDistance(gm, chrom, m)
		if d < 0 {
			d = 0
		}
		pSwitch[m] = 1 - math.Exp(-cfg.Rho*d/float64(nStates))
	}

	// alpha/beta are stored one gonum/mat.VecDense column per marker
	// (spec §4.G's "per-marker α/β columns"); raw gives direct access
	// to the backing slice for the scalar recursion below, which
	// reads just as plainly as a [][]float64 would while keeping the
	// columns themselves addressable as dense vectors for callers
	// that want them (e.g. diagnostics, tests).
	alpha := make([]*mat.VecDense, nMarkers)
	logNorm := make([]float64, nMarkers)

	alpha[0] = newVec(nStates)
	a0 := raw(alpha[0])
	nAlleles0 := mk.At(0).NAlleles()
	for j := 0; j < nStates; j++ {
		a0[j] = (1.0 / float64(nStates)) * emission(cfg.Mu, nAlleles0, states[0][j], observed[0])
	}
	logNorm[0] = normalizeInPlace(a0)

	for m := 1; m < nMarkers; m++ {
		prev := raw(alpha[m-1]) // already normalized, sums to 1
		row := newVec(nStates)
		r := raw(row)
		nAlleles := mk.At(m).NAlleles()
		uniformJump := pSwitch[m-1] / float64(nStates)
		for j := 0; j < nStates; j++ {
			stay := (1 - pSwitch[m-1]) * prev[j]
			r[j] = (stay + uniformJump) * emission(cfg.Mu, nAlleles, states[m][j], observed[m])
		}
		logNorm[m] = normalizeInPlace(r)
		alpha[m] = row
	}

	beta := make([]*mat.VecDense, nMarkers)
	beta[nMarkers-1] = newVec(nStates)
	last := raw(beta[nMarkers-1])
	for j := range last {
		last[j] = 1
	}
	for m := nMarkers - 2; m >= 0; m-- {
		next := raw(beta[m+1])
		nAllelesNext := mk.At(m + 1).NAlleles()
		e := make([]float64, nStates)
		sumE := 0.0
		for j := 0; j < nStates; j++ {
			e[j] = emission(cfg.Mu, nAllelesNext, states[m+1][j], observed[m+1]) * next[j]
			sumE += e[j]
		}
		row := newVec(nStates)
		r := raw(row)
		uniformJump := pSwitch[m] / float64(nStates) * sumE
		for j := 0; j < nStates; j++ {
			r[j] = (1-pSwitch[m])*e[j] + uniformJump
		}
		normalizeInPlace(r)
		beta[m] = row
	}

	posterior = make([][]float64, nMarkers)
	ll := 0.0
	weights := make([]float64, nStates)
	for m := 0; m < nMarkers; m++ {
		ll += logNorm[m]
		nAlleles := mk.At(m).NAlleles()
		post := make([]float64, nAlleles)
		total := 0.0
		for j := 0; j < nStates; j++ {
			w := alpha[m].AtVec(j) * beta[m].AtVec(j)
			weights[j] = w
			total += w
		}
		if total <= 0 {
			uniform(post)
		} else {
			for j := 0; j < nStates; j++ {
				post[states[m][j]] += weights[j] / total
			}
		}
		posterior[m] = post
	}
	return posterior, ll, nil
}

// emission implements spec §4.G's e(m,j|a): (1-mu) if the state's
// allele matches the observation, mu/(nAlleles-1) spread over every
// mismatching allele otherwise. observed < 0 means there is nothing
// to condition on, so every state is equally likely (see the doc
// comment on HaplotypeHMM for why this is numerically exact, not an
// approximation).
func emission(mu float64, nAlleles int, stateAllele int, observed int) float64 {
	if observed < 0 {
		return 1
	}
	if stateAllele == observed {
		return 1 - mu
	}
	if nAlleles <= 1 {
		return mu
	}
	return mu / float64(nAlleles-1)
}

// newVec allocates a zeroed gonum/mat dense vector of length n.
func newVec(n int) *mat.VecDense {
	return mat.NewVecDense(n, make([]float64, n))
}

// raw returns v's backing slice for direct scalar read/write.
func raw(v *mat.VecDense) []float64 {
	return v.RawVector().Data
}

// normalizeInPlace rescales v to sum to 1 and returns log(sum), the
// per-column normalizer whose running sum is the model's log
// likelihood (spec §4.G). A column that underflows to all-zero (only
// possible with a pathological mu of exactly 0 and no matching state)
// falls back to uniform rather than dividing by zero.
func normalizeInPlace(v []float64) float64 {
	sum := floats.Sum(v)
	if sum <= 0 {
		uniform(v)
		return math.Inf(-1)
	}
	floats.Scale(1/sum, v)
	return math.Log(sum)
}
