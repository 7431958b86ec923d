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

package alnseg

import (
	"errors"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRef, _ = sam.NewReference("chr1", "", "", 248956422, nil, nil)

func newRecord(t *testing.T, pos int, cigar string, seq string, md string) *sam.Record {
	t.Helper()
	var ops []sam.CigarOp
	n := 0
	for i := 0; i < len(cigar); i++ {
		c := cigar[i]
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
			continue
		}
		var typ sam.CigarOpType
		switch c {
		case 'M':
			typ = sam.CigarMatch
		case 'I':
			typ = sam.CigarInsertion
		case 'D':
			typ = sam.CigarDeletion
		case 'S':
			typ = sam.CigarSoftClipped
		case 'H':
			typ = sam.CigarHardClipped
		case 'N':
			typ = sam.CigarSkipped
		case '=':
			typ = sam.CigarEqual
		case 'X':
			typ = sam.CigarMismatch
		default:
			t.Fatalf("bad cigar op %q", c)
		}
		ops = append(ops, sam.NewCigarOp(typ, n))
		n = 0
	}
	rec := &sam.Record{
		Name:  "read1",
		Ref:   testRef,
		Pos:   pos - 1, // 0-based in the record
		MapQ:  60,
		Cigar: ops,
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

// constRef reports the same base at every position.
type constRef byte

func (r constRef) BaseAt(pos int64) (byte, bool) { return byte(r), true }

func TestClassify(t *testing.T) {
	tests := []struct {
		cigar string
		md    string
		want  Dialect
	}{
		{"100M", "100", DialectCigarMD},
		{"100M", "", DialectCigarNoMD},
		{"40=1X59=", "", DialectEqX},
		{"40=1X59=", "100", DialectEqX},
	}
	for _, test := range tests {
		rec := newRecord(t, 1001, test.cigar, strings.Repeat("A", 100), test.md)
		got, err := Classify(rec)
		require.NoError(t, err, "cigar=%s", test.cigar)
		assert.Equal(t, test.want, got, "cigar=%s", test.cigar)
	}

	rec := newRecord(t, 1001, "100I", strings.Repeat("A", 100), "")
	_, err := Classify(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedCigar))
}

func TestDecodeWithMD(t *testing.T) {
	tests := []struct {
		name  string
		cigar string
		seq   string
		md    string
		want  []Seg
	}{
		{
			name:  "insertion",
			cigar: "50M20I50M",
			seq:   strings.Repeat("A", 50) + strings.Repeat("C", 20) + strings.Repeat("A", 50),
			md:    "100",
			want: []Seg{
				{1001, 1, 50, OpMatch, ""},
				{1050, 51, 20, OpIns, strings.Repeat("C", 20)},
				{1051, 71, 50, OpMatch, ""},
			},
		},
		{
			name:  "mismatch",
			cigar: "100M",
			seq:   strings.Repeat("A", 30) + "T" + strings.Repeat("A", 69),
			md:    "30C69",
			want: []Seg{
				{1001, 1, 30, OpMatch, ""},
				{1031, 31, 1, OpMismatch, "T"},
				{1032, 32, 69, OpMatch, ""},
			},
		},
		{
			name:  "deletion",
			cigar: "50M30D50M",
			seq:   strings.Repeat("A", 100),
			md:    "50^" + strings.Repeat("G", 30) + "50",
			want: []Seg{
				{1001, 1, 50, OpMatch, ""},
				{1050, 51, 30, OpDel, strings.Repeat("G", 30)},
				{1081, 51, 50, OpMatch, ""},
			},
		},
		{
			name:  "clips",
			cigar: "10S80M10H",
			seq:   strings.Repeat("A", 90),
			md:    "80",
			want: []Seg{
				{1001, 1, 10, OpSoftClip, "10"},
				{1001, 11, 80, OpMatch, ""},
				{1081, 91, 10, OpHardClip, "10"},
			},
		},
	}
	for _, test := range tests {
		rec := newRecord(t, 1001, test.cigar, test.seq, test.md)
		got, err := Decode(rec, DialectCigarMD, nil)
		require.NoError(t, err, test.name)
		assert.Equal(t, test.want, got, test.name)
		checkSegSoundness(t, test.name, got, rec)
	}
}

func TestDecodeMDMismatchedLengths(t *testing.T) {
	for _, md := range []string{"49", "51"} {
		rec := newRecord(t, 1001, "50M", strings.Repeat("A", 50), md)
		_, err := Decode(rec, DialectCigarMD, nil)
		require.Error(t, err, "md=%s", md)
		assert.True(t, errors.Is(err, ErrAlignmentCorrupt), "md=%s", md)
	}
}

func TestDecodeNoMD(t *testing.T) {
	rec := newRecord(t, 1001, "20M", strings.Repeat("A", 10)+"G"+strings.Repeat("A", 9), "")
	got, err := Decode(rec, DialectCigarNoMD, constRef('A'))
	require.NoError(t, err)
	want := []Seg{
		{1001, 1, 10, OpMatch, ""},
		{1011, 11, 1, OpMismatch, "G"},
		{1012, 12, 9, OpMatch, ""},
	}
	assert.Equal(t, want, got)
	checkSegSoundness(t, "noMD", got, rec)
}

func TestDecodeEqX(t *testing.T) {
	rec := newRecord(t, 1001, "40=1X59=", strings.Repeat("A", 40)+"T"+strings.Repeat("A", 59), "")
	got, err := Decode(rec, DialectEqX, nil)
	require.NoError(t, err)
	want := []Seg{
		{1001, 1, 40, OpEqual, ""},
		{1041, 41, 1, OpMismatch, "T"},
		{1042, 42, 59, OpEqual, ""},
	}
	assert.Equal(t, want, got)
	checkSegSoundness(t, "eqx", got, rec)
}

func TestDecodeSkippedOpFatal(t *testing.T) {
	rec := newRecord(t, 1001, "50M100N50M", strings.Repeat("A", 100), "")
	_, err := Decode(rec, DialectCigarNoMD, constRef('A'))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlignmentCorrupt))
}

// checkSegSoundness asserts the two conservation laws: reference-consuming
// segment lengths sum to the record's reference span, and query-consuming
// segment lengths sum to the query length.
func checkSegSoundness(t *testing.T, name string, segs []Seg, rec *sam.Record) {
	t.Helper()
	var refSum, querySum int32
	for _, seg := range segs {
		switch seg.Op {
		case OpMatch, OpEqual, OpMismatch:
			refSum += seg.Len
			querySum += seg.Len
		case OpDel:
			refSum += seg.Len
		case OpIns, OpSoftClip:
			querySum += seg.Len
		}
	}
	refSpan, _ := rec.Cigar.Lengths()
	assert.Equal(t, int32(refSpan), refSum, "%s: ref span", name)
	assert.Equal(t, int32(rec.Seq.Length), querySum, "%s: query length", name)
}
