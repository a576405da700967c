// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

// brefOutRec is one record queued for the bref3 output stream: either
// a sequence-coded record belonging to the current block, or a
// verbatim allele-coded "sparse marker" passthrough.
type brefOutRec struct {
	seqCoded  *SeqCodedRec
	alleleCoded *AlleleCodedRec
}

// Bref3BlockBuilder decides, per marker, whether to fold a record into the
// running SeqCoder or emit it verbatim, and flushes the coder's
// buffered block whenever TryAdd fails or the caller asks for a final
// flush (spec §4.B, "Writer wrapper").
type Bref3BlockBuilder struct {
	coder  *SeqCoder
	nHaps  int
	maxSeq int
	out    []brefOutRec
}

// NewBref3BlockBuilder creates a writer for nHaps reference haplotypes.
func NewBref3BlockBuilder(nHaps int, cfg SeqCoderConfig) *Bref3BlockBuilder {
	return &Bref3BlockBuilder{
		coder:  NewSeqCoder(nHaps, cfg),
		nHaps:  nHaps,
		maxSeq: cfg.MaxNSeq,
	}
}

// sparseThreshold is floor(maxNSeq/4)+1: a marker with fewer
// non-major carriers than this is written verbatim rather than
// folded into sequence coding, since splitting the block's sequence
// map for so few haplotypes isn't worth the bookkeeping.
func (w *Bref3BlockBuilder) sparseThreshold() int {
	return w.maxSeq/4 + 1
}

// Add queues rec for output, choosing sequence coding or a verbatim
// allele-coded passthrough per spec §4.B's marker-eligibility rule.
func (w *Bref3BlockBuilder) Add(rec *AlleleCodedRec) error {
	if rec.NAlleles() > 255 {
		w.out = append(w.out, brefOutRec{alleleCoded: rec})
		return nil
	}
	nonMajor := 0
	for a := 0; a < rec.NAlleles(); a++ {
		if a == rec.MajorAllele() {
			continue
		}
		nonMajor += rec.AlleleCount(a)
	}
	if nonMajor < w.sparseThreshold() {
		w.out = append(w.out, brefOutRec{alleleCoded: rec})
		return nil
	}

	ok, err := w.coder.TryAdd(rec)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.flushCoder(); err != nil {
			return err
		}
		ok, err = w.coder.TryAdd(rec)
		if err != nil {
			return err
		}
		if !ok {
			return newInvariantError("Bref3BlockBuilder.Add: TryAdd failed immediately after flush")
		}
	}
	return nil
}

func (w *Bref3BlockBuilder) flushCoder() error {
	recs, err := w.coder.Flush()
	if err != nil {
		return err
	}
	for _, r := range recs {
		w.out = append(w.out, brefOutRec{seqCoded: r})
	}
	return nil
}

// Close flushes any buffered sequence-coded block and returns the
// full ordered list of queued output records.
func (w *Bref3BlockBuilder) Close() ([]brefOutRec, error) {
	if err := w.flushCoder(); err != nil {
		return nil, err
	}
	return w.out, nil
}
