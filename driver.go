// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"context"
	"math/rand"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// WindowConfig carries the per-window run parameters listed in spec
// §6 ("Configuration (from the orchestrator)"). The orchestrator
// (cluster scheduling, window slicing) owns everything outside this
// struct; the driver only ever sees one window at a time.
type WindowConfig struct {
	NStates int     // K, default 1600
	NIter   int     // default 4
	Err     float64 // mu, default 1e-4
	Rho     float64 // default 0.04
	FMin    float64 // default 1e-4
	Seed    int64
	// NThreads bounds per-sample goroutine fan-out; <=0 means
	// runtime.GOMAXPROCS(0).
	NThreads int
	// StepMarkers is the width, in markers, of the trailing window
	// used to decide IBS at a given step when feeding PhaseStates
	// (spec §4.F / glossary "Step"). The driver uses one step per
	// marker (see computeIBSMatches), so this only controls how many
	// trailing markers must agree for a haplotype to count as IBS at
	// that marker, not the granularity PhaseStates itself tracks.
	StepMarkers int
}

// DefaultWindowConfig returns spec.md §6's stated defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		NStates:     1600,
		NIter:       4,
		Err:         1e-4,
		Rho:         0.04,
		FMin:        1e-4,
		StepMarkers: 16,
	}
}

// Validate rejects parameter errors at the driver entry (spec §7
// "Parameter error"), before any window work begins.
func (c WindowConfig) Validate() error {
	if c.FMin <= 0 || c.FMin >= 0.5 {
		return newParameterError("f_min must be in (0, 0.5)")
	}
	if c.NStates < 1 {
		return newParameterError("nStates must be >= 1")
	}
	if c.NIter < 1 {
		return newParameterError("nIter must be >= 1")
	}
	if c.StepMarkers < 1 {
		return newParameterError("stepMarkers must be >= 1")
	}
	return nil
}

// WindowResult is the driver's per-window output (spec §4.H step 4):
// for every target sample and marker, the posterior allele
// probabilities (combined across both haplotypes of the pair) and a
// best-guess dosage (expected non-reference allele count).
type WindowResult struct {
	// Posterior[s][m][a] is the mean, over sample s's two
	// haplotypes, of the per-haplotype HMM posterior probability of
	// allele a at marker m.
	Posterior [][][]float64
	// Dosage[s][m] is the expected count (0..2 for a biallelic
	// marker) of non-reference allele copies.
	Dosage [][]float64
}

// ImputeWindow runs the full per-window pipeline (spec §4.H): seed
// initial haplotypes (E), then iterate IBS selection (F) and the HMM
// (G) nIter times, resampling a new haplotype pair from the posterior
// after every iteration but the last, which instead becomes the
// window's output.
//
// refRecs[m] is the reference panel's record at marker m (all
// markers in mk); target[s][m] is sample s's observed data at marker
// m, including markers where the sample was never genotyped (encoded
// as a fully-missing TargetGenotype, spec §4.D).
//
// Parallelism is at sample granularity (spec §5): each sample owns
// its own PhaseStates, HMM scratch, and RNG, run through a throttle
// sized to cfg.NThreads, mirroring the teacher's own fan-out idiom in
// throttle.go's call sites. ctx is checked at each sample boundary;
// a cancelled context aborts the window cooperatively rather than
// leaving some samples half-updated for the next iteration.
func ImputeWindow(ctx context.Context, mk *Markers, chrom int, gm *GeneticMap, refRecs []RefGTRec, target [][]TargetGenotype, cfg WindowConfig) (*WindowResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nSamples := len(target)
	nMarkers := mk.Len()
	if nMarkers == 0 || nSamples == 0 {
		return &WindowResult{}, nil
	}
	nHaps := refRecs[0].NHaps()

	observedMask := make([][]bool, nSamples)
	for s := range observedMask {
		observedMask[s] = make([]bool, nMarkers)
		for m := 0; m < nMarkers; m++ {
			g := target[s][m]
			observedMask[s][m] = g.Allele1 >= 0 || g.Allele2 >= 0 || g.Likelihoods != nil
		}
	}

	pairs, err := SampleInitialHaplotypes(mk, target, refRecs, cfg.FMin, cfg.Seed)
	if err != nil {
		err = wrapf(err, "ImputeWindow: initial haplotype sampling")
		log.Errorf("%s", err)
		return nil, err
	}

	nThreads := cfg.NThreads
	if nThreads <= 0 {
		nThreads = runtime.GOMAXPROCS(0)
	}

	result := &WindowResult{
		Posterior: make([][][]float64, nSamples),
		Dosage:    make([][]float64, nSamples),
	}

	for iter := 0; iter < cfg.NIter; iter++ {
		final := iter == cfg.NIter-1
		th := &throttle{Max: nThreads}
		for s := 0; s < nSamples; s++ {
			s := s
			th.Acquire()
			go func() {
				defer th.Release()
				select {
				case <-ctx.Done():
					th.Report(ctx.Err())
					return
				default:
				}
				post0, post1, err := runSampleIteration(mk, chrom, gm, nHaps, refRecs, pairs[s], s, observedMask[s], cfg)
				if err != nil {
					th.Report(wrapf(err, "ImputeWindow: sample %d", s))
					return
				}
				if final {
					combined, dosage := combinePosteriors(mk, post0, post1)
					result.Posterior[s] = combined
					result.Dosage[s] = dosage
				} else {
					rng := rand.New(rand.NewSource(cfg.Seed + int64(s) + int64(iter+1)*1_000_003))
					resamplePair(mk, pairs[s], post0, post1, rng)
				}
			}()
		}
		if err := th.Wait(); err != nil {
			log.Errorf("ImputeWindow: %s", err)
			return nil, err
		}
		log.Debugf("ImputeWindow: iteration %d/%d complete (%d samples)", iter+1, cfg.NIter, nSamples)
	}
	return result, nil
}

// runSampleIteration performs one refinement iteration's F+G work for
// a single sample: build the IBS state selector, materialize the
// state matrix against each of the sample's two working haplotypes,
// and run the HMM independently per haplotype (spec §4.G "Run the HMM
// independently per haplotype of the pair").
func runSampleIteration(mk *Markers, chrom int, gm *GeneticMap, nHaps int, refRecs []RefGTRec, hp *HapPair, sample int, observed []bool, cfg WindowConfig) (post0, post1 [][]float64, err error) {
	matches := computeIBSMatches(refRecs, hp, cfg.StepMarkers)
	ps := NewPhaseStates(cfg.NStates)
	for _, im := range matches {
		ps.Update(im.Step, im.Haps)
	}
	get := func(h, m int) int { return refRecs[m].Allele(h) }
	states, nUsed := ps.Materialize(mk.Len(), nHaps, sample, get)
	if nUsed == 0 {
		return nil, nil, newInvariantError("runSampleIteration: no reference states selected")
	}

	hmmCfg := HMMConfig{Rho: cfg.Rho, Mu: cfg.Err}
	obs0 := make([]int, mk.Len())
	obs1 := make([]int, mk.Len())
	for m := 0; m < mk.Len(); m++ {
		if observed[m] {
			obs0[m] = hp.Allele(m, 0)
			obs1[m] = hp.Allele(m, 1)
		} else {
			obs0[m] = -1
			obs1[m] = -1
		}
	}
	post0, _, err = HaplotypeHMM(mk, chrom, gm, hmmCfg, states, obs0)
	if err != nil {
		return nil, nil, err
	}
	post1, _, err = HaplotypeHMM(mk, chrom, gm, hmmCfg, states, obs1)
	if err != nil {
		return nil, nil, err
	}
	return post0, post1, nil
}

// computeIBSMatches builds, for every marker m, the set of reference
// haplotypes that are identical-by-state to either of hp's two
// haplotypes over the trailing window [m-stepMarkers+1, m] (spec §4.F
// Update rule, glossary "Step"/"IBS"). One step is emitted per marker
// so that PhaseStates.Update's step index and Materialize's marker
// index stay in the same unit (PhaseStates' copyEnds values are
// compared directly against marker indices during materialization).
func computeIBSMatches(refRecs []RefGTRec, hp *HapPair, stepMarkers int) []IBSMatch {
	nMarkers := len(refRecs)
	if nMarkers == 0 {
		return nil
	}
	nHaps := refRecs[0].NHaps()
	matches := make([]IBSMatch, nMarkers)
	for m := 0; m < nMarkers; m++ {
		lo := m - stepMarkers + 1
		if lo < 0 {
			lo = 0
		}
		var haps []int
		for h := 0; h < nHaps; h++ {
			ibs0, ibs1 := true, true
			for mm := lo; mm <= m; mm++ {
				a := refRecs[mm].Allele(h)
				if ibs0 && a != hp.Allele(mm, 0) {
					ibs0 = false
				}
				if ibs1 && a != hp.Allele(mm, 1) {
					ibs1 = false
				}
				if !ibs0 && !ibs1 {
					break
				}
			}
			if ibs0 || ibs1 {
				haps = append(haps, h)
			}
		}
		matches[m] = IBSMatch{Step: m, Haps: haps}
	}
	return matches
}

// combinePosteriors averages the two per-haplotype posterior vectors
// into one per-sample posterior, and derives an expected non-reference
// allele count (dosage) by summing each haplotype's own expectation.
func combinePosteriors(mk *Markers, post0, post1 [][]float64) (combined [][]float64, dosage []float64) {
	nMarkers := mk.Len()
	combined = make([][]float64, nMarkers)
	dosage = make([]float64, nMarkers)
	for m := 0; m < nMarkers; m++ {
		nAlleles := mk.At(m).NAlleles()
		row := make([]float64, nAlleles)
		d := 0.0
		for a := 0; a < nAlleles; a++ {
			row[a] = 0.5 * (post0[m][a] + post1[m][a])
			if a > 0 {
				d += post0[m][a] + post1[m][a]
			}
		}
		combined[m] = row
		dosage[m] = d
	}
	return combined, dosage
}

// resamplePair draws a fresh haplotype pair from the per-haplotype
// posteriors, mutating hp in place for the next refinement iteration
// (spec §4.G "Iterative refinement (Gibbs-style)").
func resamplePair(mk *Markers, hp *HapPair, post0, post1 [][]float64, rng *rand.Rand) {
	for m := 0; m < mk.Len(); m++ {
		hp.SetAllele(m, 0, drawAllele(post0[m], rng))
		hp.SetAllele(m, 1, drawAllele(post1[m], rng))
	}
}
