// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package impute

import "gopkg.in/check.v1"

type seqCoderSuite struct{}

var _ = check.Suite(&seqCoderSuite{})

func (s *seqCoderSuite) TestDefaultMaxNSeq(c *check.C) {
	c.Check(DefaultMaxNSeq(0), check.Equals, 3)
	c.Check(DefaultMaxNSeq(1), check.Equals, 3)
	c.Check(DefaultMaxNSeq(-5), check.Equals, 3)
	c.Check(DefaultMaxNSeq(10000) <= 65534, check.Equals, true)
	c.Check(DefaultMaxNSeq(10000) > DefaultMaxNSeq(10), check.Equals, true)
}

func (s *seqCoderSuite) TestTryAddAndFlushAgreesWithAlleleCoded(c *check.C) {
	m1 := &Marker{Alleles: []string{"A", "C"}}
	m2 := &Marker{Alleles: []string{"A", "C", "G"}}
	alleleOf1 := []int{0, 0, 1, 1, 0, 0}
	alleleOf2 := []int{0, 1, 2, 0, 1, 0}
	rec1, err := NewAlleleCodedRec(m1, alleleOf1)
	c.Assert(err, check.IsNil)
	rec2, err := NewAlleleCodedRec(m2, alleleOf2)
	c.Assert(err, check.IsNil)

	sc := NewSeqCoder(6, SeqCoderConfig{MaxNSeq: 100, MaxBlockMarkers: 4096})
	ok, err := sc.TryAdd(rec1)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)
	ok, err = sc.TryAdd(rec2)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)

	out, err := sc.Flush()
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 2)

	for h := 0; h < 6; h++ {
		c.Check(out[0].Allele(h), check.Equals, alleleOf1[h], check.Commentf("marker1 hap %d", h))
		c.Check(out[1].Allele(h), check.Equals, alleleOf2[h], check.Commentf("marker2 hap %d", h))
	}
}

func (s *seqCoderSuite) TestTryAddRollsBackAtCapacity(c *check.C) {
	m := &Marker{Alleles: []string{"A", "C"}}
	// every haplotype carries a distinct allele assignment pattern
	// that forces the sequence count up quickly.
	alleleOf := []int{0, 1, 0, 1}
	rec, err := NewAlleleCodedRec(m, alleleOf)
	c.Assert(err, check.IsNil)

	// MaxNSeq=1 means even the very first split must be rejected.
	sc := NewSeqCoder(4, SeqCoderConfig{MaxNSeq: 1, MaxBlockMarkers: 4096})
	before := append([]int(nil), sc.hap2seq...)
	ok, err := sc.TryAdd(rec)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	c.Check(sc.hap2seq, check.DeepEquals, before)
	c.Check(sc.pending, check.HasLen, 0)
}

func (s *seqCoderSuite) TestTryAddRejectsBlockMarkerCap(c *check.C) {
	m := &Marker{Alleles: []string{"A", "C"}}
	rec, err := NewAlleleCodedRec(m, []int{0, 0, 1, 1})
	c.Assert(err, check.IsNil)

	sc := NewSeqCoder(4, SeqCoderConfig{MaxNSeq: 100, MaxBlockMarkers: 1})
	ok, err := sc.TryAdd(rec)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	ok, err = sc.TryAdd(rec)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *seqCoderSuite) TestFlushOnEmptyIsNoop(c *check.C) {
	sc := NewSeqCoder(4, DefaultSeqCoderConfig(2))
	out, err := sc.Flush()
	c.Assert(err, check.IsNil)
	c.Check(out, check.IsNil)
}

func (s *seqCoderSuite) TestTryAddRejectsHapCountMismatch(c *check.C) {
	m := &Marker{Alleles: []string{"A", "C"}}
	rec, err := NewAlleleCodedRec(m, []int{0, 1})
	c.Assert(err, check.IsNil)
	sc := NewSeqCoder(4, DefaultSeqCoderConfig(2))
	_, err = sc.TryAdd(rec)
	c.Assert(err, check.NotNil)
}
