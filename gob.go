// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// TargetFixture is the gob-encoded debug/fixture format for a
// window's target genotype input (spec §6.4): VCF text parsing stays
// an external collaborator's job, but the core still needs *some*
// serializable, VCF-independent input so it can be driven end-to-end
// from the CLI without a Spark cluster. Grounded on the teacher's own
// gob-fixture idiom (gob.go's LibraryEntry / dumpgob.go).
type TargetFixture struct {
	SampleIDs []string
	Markers   []FixtureMarker
	// Genotypes[s][m] is sample s's observed data at marker m.
	Genotypes [][]TargetGenotype
}

// FixtureMarker is the gob wire shape of a Marker: chromosome name
// rather than an interned index, since a fixture travels independent
// of any particular run's ChromTable.
type FixtureMarker struct {
	Chrom   string
	Pos     int
	Alleles []string
}

// WindowOutput is the gob-encoded per-window imputation result
// written by the CLI, the output-side counterpart of TargetFixture.
type WindowOutput struct {
	SampleIDs []string
	Markers   []FixtureMarker
	Posterior [][][]float64
	Dosage    [][]float64
}

// ToMarkers resolves f's chromosome names through chroms and returns
// an immutable Markers table plus the Samples table built from its
// sample ids (dense local index, id-index == local index since a
// fixture carries no external global id space).
func (f *TargetFixture) ToMarkers(chroms *ChromTable) (*Markers, *Samples, error) {
	ms := make([]Marker, len(f.Markers))
	for i, fm := range f.Markers {
		ms[i] = Marker{Chrom: chroms.Intern(fm.Chrom), Pos: fm.Pos, Alleles: fm.Alleles}
	}
	idIndex := make([]int64, len(f.SampleIDs))
	for i := range idIndex {
		idIndex[i] = int64(i)
	}
	samples, err := NewSamples(f.SampleIDs, idIndex)
	if err != nil {
		return nil, nil, err
	}
	return NewMarkers(ms), samples, nil
}

func gobWriteCompressed(w io.Writer, gz bool, v interface{}) error {
	var zw io.Writer = w
	var closer io.Closer
	if gz {
		pw := pgzip.NewWriter(w)
		zw, closer = pw, pw
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(v); err != nil {
		return err
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

func gobReadCompressed(r io.Reader, gz bool, v interface{}) error {
	zr := ioutil.NopCloser(r)
	var err error
	if gz {
		zr, err = pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
		if err != nil {
			return err
		}
	}
	dec := gob.NewDecoder(zr)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return zr.Close()
}

// WriteTargetFixture gob-encodes f to w, optionally pgzip-compressed
// (matching gob.go's LibraryEntry stream wrapping convention).
func WriteTargetFixture(w io.Writer, gz bool, f *TargetFixture) error {
	return gobWriteCompressed(w, gz, f)
}

// ReadTargetFixture decodes a TargetFixture previously written by
// WriteTargetFixture.
func ReadTargetFixture(r io.Reader, gz bool) (*TargetFixture, error) {
	var f TargetFixture
	if err := gobReadCompressed(r, gz, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// WriteWindowOutput gob-encodes a WindowOutput to w.
func WriteWindowOutput(w io.Writer, gz bool, out *WindowOutput) error {
	return gobWriteCompressed(w, gz, out)
}

// ReadWindowOutput decodes a WindowOutput previously written by
// WriteWindowOutput.
func ReadWindowOutput(r io.Reader, gz bool) (*WindowOutput, error) {
	var out WindowOutput
	if err := gobReadCompressed(r, gz, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockDigest computes a blake2b-256 content hash over a decoded
// bref3 block's records, hap by hap. It is used as a cheap self-check
// that decoding the same bytes twice yields byte-identical records
// (spec §8's bref3 round-trip property) and as a reference-haplotype
// deduplication diagnostic, grounded on the teacher's getRef
// blake2b.Sum256 usage in tilelib.go.
func BlockDigest(chroms *ChromTable, recs []RefGTRec) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	for _, r := range recs {
		m := r.Marker()
		fmt.Fprintf(h, "%s\t%d\t%d\n", chroms.Name(m.Chrom), m.Pos, len(m.Alleles))
		for hap := 0; hap < r.NHaps(); hap++ {
			fmt.Fprintf(h, "%d", r.Allele(hap))
		}
		fmt.Fprint(h, "\n")
	}
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out
}
