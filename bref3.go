// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import (
	"bufio"
	"encoding/binary"
	"io"
)

// bref3Magic is the 5-byte file signature: 'b','r','e','f','3'.
var bref3Magic = [5]byte{'b', 'r', 'e', 'f', '3'}

const bref3Terminator = 0xFFFF

// BrefHeader is the fixed preamble of a bref3 file.
type BrefHeader struct {
	ProgramID string
	SampleIDs []string
}

// BrefBlockIndex locates one block within a bref3 file for seekable
// access, mirroring the accompanying index described in spec §6.
type BrefBlockIndex struct {
	Chrom  int
	Pos    int
	Offset int64
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 {
		return "", newFormatError("negative string length in bref3 stream")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteBrefHeader writes the bref3 magic and header.
func WriteBrefHeader(w io.Writer, h *BrefHeader) error {
	if _, err := w.Write(bref3Magic[:]); err != nil {
		return err
	}
	if err := writeString(w, h.ProgramID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(h.SampleIDs))); err != nil {
		return err
	}
	for _, id := range h.SampleIDs {
		if err := writeString(w, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadBrefHeader reads and validates the bref3 magic and header.
func ReadBrefHeader(r io.Reader) (*BrefHeader, error) {
	var magic [5]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != bref3Magic {
		return nil, newFormatError("bad bref3 magic")
	}
	programID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, newFormatError("negative sample count in bref3 header")
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i], err = readString(r)
		if err != nil {
			return nil, err
		}
	}
	return &BrefHeader{ProgramID: programID, SampleIDs: ids}, nil
}

func writeMarker(w io.Writer, m *Marker, chroms *ChromTable) error {
	if err := writeString(w, chroms.Name(m.Chrom)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(m.Pos)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(m.Alleles))); err != nil {
		return err
	}
	for _, a := range m.Alleles {
		if err := writeString(w, a); err != nil {
			return err
		}
	}
	return nil
}

func readMarker(r io.Reader, chroms *ChromTable) (*Marker, error) {
	chromName, err := readString(r)
	if err != nil {
		return nil, err
	}
	var pos, nAlleles int32
	if err := binary.Read(r, binary.BigEndian, &pos); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &nAlleles); err != nil {
		return nil, err
	}
	if nAlleles < 1 {
		return nil, newFormatError("marker with fewer than 1 allele")
	}
	alleles := make([]string, nAlleles)
	for i := range alleles {
		alleles[i], err = readString(r)
		if err != nil {
			return nil, err
		}
	}
	return &Marker{Chrom: chroms.Intern(chromName), Pos: int(pos), Alleles: alleles}, nil
}

// WriteBrefBlocks writes recs (in order) as a sequence of bref3
// blocks: sequence-coded records sharing a hap2seq are grouped into
// one block each; allele-coded records are each their own
// nSeq==0 passthrough block. Blocks of consecutive SeqCodedRec values
// that share the identical hap2seq slice (by reference, as produced
// by one Bref3BlockBuilder flush) are coalesced into a single block.
func WriteBrefBlocks(w io.Writer, chroms *ChromTable, recs []brefOutRec) error {
	bw := bufio.NewWriter(w)
	i := 0
	for i < len(recs) {
		if recs[i].alleleCoded != nil {
			if err := writeAlleleCodedBlock(bw, chroms, recs[i].alleleCoded); err != nil {
				return err
			}
			i++
			continue
		}
		// Group consecutive seq-coded records sharing hap2seq.
		j := i + 1
		h2s := recs[i].seqCoded.hap2seq
		for j < len(recs) && recs[j].seqCoded != nil && sameSlice(recs[j].seqCoded.hap2seq, h2s) {
			j++
		}
		group := make([]*SeqCodedRec, 0, j-i)
		for k := i; k < j; k++ {
			group = append(group, recs[k].seqCoded)
		}
		if err := writeSeqCodedBlock(bw, chroms, group); err != nil {
			return err
		}
		i = j
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(bref3Terminator)); err != nil {
		return err
	}
	return bw.Flush()
}

func sameSlice(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

// writeAlleleCodedBlock writes an nSeq==0 passthrough block. The wire
// layout writes the major allele index explicitly (as an int32,
// immediately after the marker) so the decoder knows which allele's
// carrier list is omitted before reading any of the (nAlleles-1)
// non-major lists — spec.md §6 is silent on this exact detail, so it
// is resolved here and recorded in DESIGN.md.
func writeAlleleCodedBlock(w io.Writer, chroms *ChromTable, rec *AlleleCodedRec) error {
	if err := binary.Write(w, binary.BigEndian, uint16(0)); err != nil {
		return err
	}
	if err := writeMarker(w, rec.Marker(), chroms); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(rec.MajorAllele())); err != nil {
		return err
	}
	nSamples := rec.NHaps() / 2
	hapWidth := bitsForUint(2 * nSamples)
	for a := 0; a < rec.NAlleles(); a++ {
		if a == rec.MajorAllele() {
			continue
		}
		cnt := rec.AlleleCount(a)
		if err := binary.Write(w, binary.BigEndian, int32(cnt)); err != nil {
			return err
		}
		bitw := newBitWriter(w)
		for c := 0; c < cnt; c++ {
			if err := bitw.writeBits(uint64(rec.HapIndex(a, c)), hapWidth); err != nil {
				return err
			}
		}
		if err := bitw.flush(); err != nil {
			return err
		}
	}
	return nil
}

func writeSeqCodedBlock(w io.Writer, chroms *ChromTable, group []*SeqCodedRec) error {
	nSeq := len(group[0].seq2allele)
	if err := binary.Write(w, binary.BigEndian, uint16(nSeq)); err != nil {
		return err
	}
	hap2seq := group[0].hap2seq
	seqWidth := bitsForUint(nSeq)
	bitw := newBitWriter(w)
	for _, s := range hap2seq {
		if err := bitw.writeBits(uint64(s), seqWidth); err != nil {
			return err
		}
	}
	if err := bitw.flush(); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(group))); err != nil {
		return err
	}
	for _, rec := range group {
		if err := writeMarker(w, rec.marker, chroms); err != nil {
			return err
		}
		alleleWidth := bitsForCardinality(rec.marker.NAlleles())
		bw2 := newBitWriter(w)
		for _, a := range rec.seq2allele {
			if err := bw2.writeBits(uint64(a), alleleWidth); err != nil {
				return err
			}
		}
		if err := bw2.flush(); err != nil {
			return err
		}
	}
	return nil
}

// ReadBrefBlocks decodes a full bref3 body (everything after the
// header) into RefGTRec values, in marker order, calling onBlock once
// per decoded block boundary with the block's byte offset (for
// building a BrefBlockIndex) if onBlock is non-nil.
func ReadBrefBlocks(r io.Reader, chroms *ChromTable, nSamples int, onBlock func(recs []RefGTRec, offset int64)) ([]RefGTRec, error) {
	cr := &countingReader{r: bufio.NewReader(r)}
	var all []RefGTRec
	for {
		blockOffset := cr.n
		var nSeq uint16
		if err := binary.Read(cr, binary.BigEndian, &nSeq); err != nil {
			if err == io.EOF {
				return nil, newFormatError("bref3 stream ended without terminator block")
			}
			return nil, err
		}
		if nSeq == bref3Terminator {
			return all, nil
		}
		if nSeq == 0 {
			rec, err := readAlleleCodedBlock(cr, chroms, nSamples)
			if err != nil {
				return nil, err
			}
			all = append(all, rec)
			if onBlock != nil {
				onBlock([]RefGTRec{rec}, blockOffset)
			}
			continue
		}
		recs, err := readSeqCodedBlock(cr, chroms, nSamples, int(nSeq))
		if err != nil {
			return nil, err
		}
		ifaceRecs := make([]RefGTRec, len(recs))
		for i, rec := range recs {
			all = append(all, rec)
			ifaceRecs[i] = rec
		}
		if onBlock != nil {
			onBlock(ifaceRecs, blockOffset)
		}
	}
}

// countingReader tracks the number of bytes consumed, for building a
// BrefBlockIndex while streaming through a single buffered reader —
// the data is read from the underlying stream exactly once; nothing
// is buffered into an intermediate byte array and re-read (spec §9
// flags the teacher's InputIt double-read bug; this is the opposite
// of that pattern).
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// readAlleleCodedBlock decodes an nSeq==0 passthrough block. The
// major allele is read explicitly (see writeAlleleCodedBlock) so the
// non-major carrier lists can be read in a single pass without
// needing to infer which allele was omitted.
func readAlleleCodedBlock(r io.Reader, chroms *ChromTable, nSamples int) (*AlleleCodedRec, error) {
	m, err := readMarker(r, chroms)
	if err != nil {
		return nil, err
	}
	var major int32
	if err := binary.Read(r, binary.BigEndian, &major); err != nil {
		return nil, err
	}
	nAlleles := m.NAlleles()
	if int(major) < 0 || int(major) >= nAlleles {
		return nil, newFormatError("allele-coded block: major allele out of range")
	}
	hapWidth := bitsForUint(2 * nSamples)
	alleleOf := make([]int, 2*nSamples)
	for h := range alleleOf {
		alleleOf[h] = int(major)
	}
	for a := 0; a < nAlleles; a++ {
		if a == int(major) {
			continue
		}
		var cnt int32
		if err := binary.Read(r, binary.BigEndian, &cnt); err != nil {
			return nil, err
		}
		if cnt < 0 {
			return nil, newFormatError("allele-coded block: negative carrier count")
		}
		bitr := newBitReader(r)
		for c := int32(0); c < cnt; c++ {
			v, err := bitr.readBits(hapWidth)
			if err != nil {
				return nil, err
			}
			if int(v) < 0 || int(v) >= len(alleleOf) {
				return nil, newInvariantError("allele-coded block: haplotype index out of range")
			}
			alleleOf[v] = a
		}
	}
	return NewAlleleCodedRec(m, alleleOf)
}

// readSeqCodedBlock decodes a block of nSeq>0 sequence-coded markers
// sharing one hap2seq map.
func readSeqCodedBlock(r io.Reader, chroms *ChromTable, nSamples int, nSeq int) ([]*SeqCodedRec, error) {
	seqWidth := bitsForUint(nSeq)
	hap2seq := make([]int, 2*nSamples)
	bitr := newBitReader(r)
	for h := range hap2seq {
		v, err := bitr.readBits(seqWidth)
		if err != nil {
			return nil, err
		}
		if int(v) >= nSeq {
			return nil, newInvariantError("sequence-coded block: hap2seq value out of range")
		}
		hap2seq[h] = int(v)
	}
	var nMarkers int32
	if err := binary.Read(r, binary.BigEndian, &nMarkers); err != nil {
		return nil, err
	}
	if nMarkers < 0 {
		return nil, newFormatError("sequence-coded block: negative marker count")
	}
	recs := make([]*SeqCodedRec, nMarkers)
	for i := range recs {
		m, err := readMarker(r, chroms)
		if err != nil {
			return nil, err
		}
		alleleWidth := bitsForCardinality(m.NAlleles())
		seq2allele := make([]int, nSeq)
		bitr2 := newBitReader(r)
		for s := range seq2allele {
			v, err := bitr2.readBits(alleleWidth)
			if err != nil {
				return nil, err
			}
			seq2allele[s] = int(v)
		}
		rec, err := NewSeqCodedRec(m, hap2seq, seq2allele)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return recs, nil
}
