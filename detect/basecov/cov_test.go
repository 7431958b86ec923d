// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package basecov

import (
	"context"
	"strings"
	"testing"

	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFasta(t *testing.T, seq string) fasta.Fasta {
	t.Helper()
	fa, err := fasta.New(strings.NewReader(">chr1\n" + seq + "\n"))
	require.NoError(t, err)
	return fa
}

func newTestRecord(t *testing.T, pos int, cigar []sam.CigarOp, seq, md string) *sam.Record {
	t.Helper()
	rec := &sam.Record{
		Name:  "read1",
		Ref:   testSAMRef(t, 2000),
		Pos:   pos - 1,
		MapQ:  60,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  make([]byte, len(seq)),
	}
	if md != "" {
		aux, err := sam.NewAux(sam.NewTag("MD"), md)
		require.NoError(t, err)
		rec.AuxFields = sam.AuxFields{aux}
	}
	return rec
}

func testSAMRef(t *testing.T, length int) *sam.Reference {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", length, nil, nil)
	require.NoError(t, err)
	return ref
}

func cigarOps(ops ...sam.CigarOp) []sam.CigarOp { return ops }

func TestInitBaseArray(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, "ACGTNRAAT")
	loader := NewLoader("chr1", 2, 8, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)
	require.Len(t, arr.Bases, 7)

	wantIdx := []uint8{BaseC, BaseG, BaseT, BaseN, BaseIUPAC, BaseA, BaseA}
	for i, want := range wantIdx {
		assert.Equal(t, want, arr.Bases[i].RefBaseIdx, "pos %d", i+2)
	}
	// Flanks: position 2 ('C') has left flank 'A', no polymer; position 8
	// ('A') has neighbour 'A' at 7 and right flank 'T'.
	assert.False(t, arr.Bases[0].PolymerFlag)
	assert.True(t, arr.Bases[5].PolymerFlag)
	assert.True(t, arr.Bases[6].PolymerFlag)
}

func TestInitBaseArrayInvalidReference(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, "ACGT*ACGT")
	loader := NewLoader("chr1", 1, 9, 2, 2)
	_, err := loader.InitBaseArray(ctx, fa)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reference")
}

func TestGenerateBaseCoverageInsertion(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 1200))
	loader := NewLoader("chr1", 1001, 1200, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)

	var recs []*sam.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, newTestRecord(t, 1001,
			cigarOps(
				sam.NewCigarOp(sam.CigarMatch, 50),
				sam.NewCigarOp(sam.CigarInsertion, 20),
				sam.NewCigarOp(sam.CigarMatch, 50),
			),
			strings.Repeat("A", 50)+strings.Repeat("C", 20)+strings.Repeat("A", 50),
			"100"))
	}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))

	anchor := arr.At(1050)
	require.NotNil(t, anchor)
	assert.Len(t, anchor.InsEvents, 10)
	assert.Equal(t, ConIns, anchor.MaxConType)
	assert.Equal(t, uint32(10), anchor.MaxConIndelNum)
	assert.Equal(t, 1.0, anchor.MaxConIndelRatio)
	assert.Equal(t, 20, anchor.MaxConInsLen())

	// Coverage conservation: every matched position counts each covering
	// read exactly once.
	for pos := int64(1001); pos <= 1100; pos++ {
		assert.Equal(t, uint32(10), arr.At(pos).TotalCov(), "pos %d", pos)
	}
	for pos := int64(1101); pos <= 1200; pos++ {
		assert.Equal(t, uint32(0), arr.At(pos).TotalCov(), "pos %d", pos)
	}
}

func TestGenerateBaseCoverageDeletion(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 1300))
	loader := NewLoader("chr1", 1001, 1300, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)

	var recs []*sam.Record
	for i := 0; i < 12; i++ {
		recs = append(recs, newTestRecord(t, 1001,
			cigarOps(
				sam.NewCigarOp(sam.CigarMatch, 50),
				sam.NewCigarOp(sam.CigarDeletion, 30),
				sam.NewCigarOp(sam.CigarMatch, 50),
			),
			strings.Repeat("A", 100),
			"50^"+strings.Repeat("A", 30)+"50"))
	}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))

	anchor := arr.At(1050)
	require.NotNil(t, anchor)
	assert.Len(t, anchor.DelEvents, 12)
	// The span counter covers the anchor and every deleted base.
	for pos := int64(1050); pos <= 1080; pos++ {
		b := arr.At(pos)
		assert.Equal(t, uint32(12), b.DelSpanNum, "pos %d", pos)
		assert.Equal(t, ConDel, b.MaxConType, "pos %d", pos)
		assert.Equal(t, uint32(12), b.MaxConIndelNum, "pos %d", pos)
	}
	// Deleted positions have no direct coverage; the ratio is driven by the
	// shadow coverage.
	assert.Equal(t, uint32(0), arr.At(1060).TotalCov())
	assert.Equal(t, 1.0, arr.At(1060).MaxConIndelRatio)
	assert.Equal(t, 0.5, arr.At(1050).MaxConIndelRatio)
}

func TestGenerateBaseCoverageMismatchAndShortIndel(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 1200))
	loader := NewLoader("chr1", 1001, 1200, 5, 5)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)

	recs := []*sam.Record{
		newTestRecord(t, 1001,
			cigarOps(sam.NewCigarOp(sam.CigarMatch, 100)),
			strings.Repeat("A", 30)+"T"+strings.Repeat("A", 69),
			"30A69"),
		newTestRecord(t, 1001,
			cigarOps(
				sam.NewCigarOp(sam.CigarMatch, 50),
				sam.NewCigarOp(sam.CigarInsertion, 2),
				sam.NewCigarOp(sam.CigarMatch, 50),
			),
			strings.Repeat("A", 102),
			"100"),
	}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))

	b := arr.At(1031)
	assert.Equal(t, uint32(1), b.NumBases[BaseT])
	assert.Equal(t, uint32(1), b.NumBases[BaseA])
	assert.Equal(t, uint32(2), b.TotalCov())

	// The 2-base insertion is below the size filter.
	anchor := arr.At(1050)
	assert.Empty(t, anchor.InsEvents)
	assert.Equal(t, uint32(1), anchor.NumShortIns)
}

func TestConsensusPolymerBucketing(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 1200))
	loader := NewLoader("chr1", 1001, 1200, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)

	// Three polymer insertions of varying length starting with 'C' bucket
	// together; the lone "GT" insertion stands alone.
	insRead := func(insSeq string) *sam.Record {
		return newTestRecord(t, 1001,
			cigarOps(
				sam.NewCigarOp(sam.CigarMatch, 50),
				sam.NewCigarOp(sam.CigarInsertion, len(insSeq)),
				sam.NewCigarOp(sam.CigarMatch, 50),
			),
			strings.Repeat("A", 50)+insSeq+strings.Repeat("A", 50),
			"100")
	}
	recs := []*sam.Record{insRead("CCC"), insRead("CCCC"), insRead("CC"), insRead("GT")}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))

	anchor := arr.At(1050)
	assert.Equal(t, ConIns, anchor.MaxConType)
	assert.Equal(t, uint32(3), anchor.MaxConIndelNum)
}

func TestClipEvents(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 2200))
	loader := NewLoader("chr1", 1001, 2200, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)

	recs := []*sam.Record{
		newTestRecord(t, 2001,
			cigarOps(sam.NewCigarOp(sam.CigarSoftClipped, 60), sam.NewCigarOp(sam.CigarMatch, 60)),
			strings.Repeat("A", 120),
			"60"),
		newTestRecord(t, 2041,
			cigarOps(sam.NewCigarOp(sam.CigarMatch, 60), sam.NewCigarOp(sam.CigarHardClipped, 60)),
			strings.Repeat("A", 60),
			"60"),
	}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))

	left := arr.At(2001)
	require.Len(t, left.ClipEvents, 1)
	assert.False(t, left.ClipEvents[0].Hard)
	assert.False(t, left.ClipEvents[0].RightEnd)
	assert.Equal(t, "60", left.ClipEvents[0].Len)

	right := arr.At(2101)
	require.Len(t, right.ClipEvents, 1)
	assert.True(t, right.ClipEvents[0].Hard)
	assert.True(t, right.ClipEvents[0].RightEnd)
}

func TestMeanCov(t *testing.T) {
	ctx := context.Background()
	fa := newTestFasta(t, strings.Repeat("A", 200))
	loader := NewLoader("chr1", 1, 200, 2, 2)
	arr, err := loader.InitBaseArray(ctx, fa)
	require.NoError(t, err)
	recs := []*sam.Record{
		newTestRecord(t, 1, cigarOps(sam.NewCigarOp(sam.CigarMatch, 100)), strings.Repeat("A", 100), "100"),
	}
	require.NoError(t, loader.GenerateBaseCoverage(arr, recs))
	assert.Equal(t, 0.5, arr.MeanCov())
}
