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

// Package alnseg decodes one aligned BAM record into a flat stream of typed
// alignment segments (match, mismatch, insertion, deletion, clip).  The
// decoder supports three CIGAR dialects: M runs paired against the MD aux
// tag, M runs compared base-by-base against the reference, and explicit =/X
// CIGARs.  The dialect is chosen once per record; each dialect has its own
// decode loop.
package alnseg

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/grailbio/hts/sam"
)

var (
	// ErrUnsupportedCigar is returned for records whose CIGAR contains none
	// of M/=/X, so no dialect applies.
	ErrUnsupportedCigar = errors.New("unsupported CIGAR")
	// ErrAlignmentCorrupt is returned for ops the decoder refuses (N, P, B),
	// for a CIGAR whose reference span disagrees with the MD string, and for
	// malformed MD tags.
	ErrAlignmentCorrupt = errors.New("alignment corrupt")
)

// Op identifies the type of one alignment segment.
type Op uint8

const (
	// OpMatch is an M run (reference-consuming, query-consuming).
	OpMatch Op = iota
	// OpMismatch is a single substituted base; Seq holds the query base.
	OpMismatch
	// OpIns is an insertion; Seq holds the inserted query subsequence.
	OpIns
	// OpDel is a deletion; Seq holds the deleted reference subsequence when
	// known (MD dialect), or the query-free span rendered from the reference
	// otherwise.
	OpDel
	// OpSoftClip is a soft clip; Seq holds the clip length as text.
	OpSoftClip
	// OpHardClip is a hard clip; Seq holds the clip length as text.
	OpHardClip
	// OpEqual is an = run.
	OpEqual
)

// Seg is one decoded alignment segment.  StartRPos and StartQPos are
// 1-based.  Insertions and deletions are anchored at the reference base
// immediately left of the event; clips anchor at the first aligned base
// (left end) or one past the last aligned base (right end).
type Seg struct {
	StartRPos int64
	StartQPos int64
	Len       int32
	Op        Op
	Seq       string
}

// Dialect describes how a record encodes per-base differences.
type Dialect uint8

const (
	// DialectCigarMD: M ops with an MD aux tag.
	DialectCigarMD Dialect = iota
	// DialectCigarNoMD: M ops and no MD tag; mismatches must be recovered by
	// comparing the query against the reference.
	DialectCigarNoMD
	// DialectEqX: explicit =/X ops; MD, if present, is ignored.
	DialectEqX
)

// RefBases supplies reference bases for the no-MD dialect.  BaseAt returns
// the uppercase reference base at the 1-based position, and false when the
// position is outside the caller's loaded range.
type RefBases interface {
	BaseAt(pos int64) (byte, bool)
}

// Classify inspects the record's CIGAR and aux tags and picks the decode
// dialect.  Records with neither M nor =/X ops cannot be classified.
func Classify(rec *sam.Record) (Dialect, error) {
	hasM, hasEqX := false, false
	for _, co := range rec.Cigar {
		switch co.Type() {
		case sam.CigarMatch:
			hasM = true
		case sam.CigarEqual, sam.CigarMismatch:
			hasEqX = true
		}
	}
	if hasEqX {
		return DialectEqX, nil
	}
	if !hasM {
		return 0, fmt.Errorf("alnseg.Classify: read %s has neither M nor =/X ops: %w", rec.Name, ErrUnsupportedCigar)
	}
	if _, ok := rec.Tag([]byte("MD")); ok {
		return DialectCigarMD, nil
	}
	return DialectCigarNoMD, nil
}

// Decode converts the record into alignment segments using the given
// dialect.  ref is consulted only for DialectCigarNoMD and may be nil
// otherwise.
func Decode(rec *sam.Record, dialect Dialect, ref RefBases) ([]Seg, error) {
	switch dialect {
	case DialectCigarMD:
		return decodeWithMD(rec)
	case DialectCigarNoMD, DialectEqX:
		return decodeNoMD(rec, dialect, ref)
	}
	return nil, fmt.Errorf("alnseg.Decode: unknown dialect %d: %w", dialect, ErrUnsupportedCigar)
}

// decodeWithMD walks the CIGAR and the MD segment list in lockstep.  Each MD
// mismatch becomes a 1-base OpMismatch carrying the observed query base;
// each MD deletion supplies the deleted reference sequence for the OpDel
// segment.
func decodeWithMD(rec *sam.Record) ([]Seg, error) {
	aux, ok := rec.Tag([]byte("MD"))
	if !ok {
		return nil, fmt.Errorf("alnseg.decodeWithMD: read %s has no MD tag: %w", rec.Name, ErrAlignmentCorrupt)
	}
	mdStr, ok := aux.Value().(string)
	if !ok {
		return nil, fmt.Errorf("alnseg.decodeWithMD: read %s has a non-string MD tag: %w", rec.Name, ErrAlignmentCorrupt)
	}
	mds, err := parseMD(mdStr)
	if err != nil {
		return nil, fmt.Errorf("alnseg.decodeWithMD: read %s: %w", rec.Name, err)
	}
	seq := rec.Seq.Expand()

	var segs []Seg
	rpos := int64(rec.Pos) + 1 // 1-based
	qpos := int64(1)
	ci, mi := 0, 0
	var cigarLeft, mdLeft int32
	if len(rec.Cigar) > 0 {
		cigarLeft = int32(rec.Cigar[ci].Len())
	}
	if len(mds) > 0 {
		mdLeft = mds[mi].len
	}
	for ci < len(rec.Cigar) {
		op := rec.Cigar[ci].Type()
		switch op {
		case sam.CigarMatch:
			if mi >= len(mds) {
				return nil, fmt.Errorf("alnseg.decodeWithMD: read %s: MD exhausted inside an M run: %w", rec.Name, ErrAlignmentCorrupt)
			}
			if mds[mi].op == OpDel {
				return nil, fmt.Errorf("alnseg.decodeWithMD: read %s: MD deletion inside an M run: %w", rec.Name, ErrAlignmentCorrupt)
			}
			common := cigarLeft
			if mdLeft < common {
				common = mdLeft
			}
			if common == 1 && mds[mi].op == OpMismatch {
				segs = append(segs, Seg{rpos, qpos, 1, OpMismatch, string(seq[qpos-1])})
			} else {
				segs = append(segs, Seg{rpos, qpos, common, OpMatch, ""})
			}
			rpos += int64(common)
			qpos += int64(common)
			cigarLeft -= common
			mdLeft -= common
			if cigarLeft == 0 {
				if ci++; ci < len(rec.Cigar) {
					cigarLeft = int32(rec.Cigar[ci].Len())
				}
			}
			if mdLeft == 0 {
				if mi++; mi < len(mds) {
					mdLeft = mds[mi].len
				}
			}
		case sam.CigarInsertion:
			segs = append(segs, Seg{rpos - 1, qpos, cigarLeft, OpIns, string(seq[qpos-1 : qpos-1+int64(cigarLeft)])})
			qpos += int64(cigarLeft)
			if ci++; ci < len(rec.Cigar) {
				cigarLeft = int32(rec.Cigar[ci].Len())
			}
		case sam.CigarDeletion:
			if mi >= len(mds) || mds[mi].op != OpDel || mdLeft != cigarLeft {
				return nil, fmt.Errorf("alnseg.decodeWithMD: read %s: CIGAR %dD does not line up with MD: %w", rec.Name, cigarLeft, ErrAlignmentCorrupt)
			}
			segs = append(segs, Seg{rpos - 1, qpos, cigarLeft, OpDel, mds[mi].seq})
			rpos += int64(cigarLeft)
			if ci++; ci < len(rec.Cigar) {
				cigarLeft = int32(rec.Cigar[ci].Len())
			}
			if mi++; mi < len(mds) {
				mdLeft = mds[mi].len
			}
		case sam.CigarSoftClipped, sam.CigarHardClipped:
			segOp := OpSoftClip
			if op == sam.CigarHardClipped {
				segOp = OpHardClip
			}
			segs = append(segs, Seg{rpos, qpos, cigarLeft, segOp, strconv.Itoa(int(cigarLeft))})
			if op == sam.CigarSoftClipped {
				qpos += int64(cigarLeft)
			}
			if ci++; ci < len(rec.Cigar) {
				cigarLeft = int32(rec.Cigar[ci].Len())
			}
		default:
			return nil, fmt.Errorf("alnseg.decodeWithMD: read %s has op %v: %w", rec.Name, op, ErrAlignmentCorrupt)
		}
	}
	if mi < len(mds) {
		return nil, fmt.Errorf("alnseg.decodeWithMD: read %s: MD consumes %d extra reference bases: %w", rec.Name, remainingMD(mds[mi:], mdLeft), ErrAlignmentCorrupt)
	}
	return segs, nil
}

func remainingMD(mds []mdSeg, firstLeft int32) int32 {
	n := firstLeft
	for _, m := range mds[1:] {
		n += m.len
	}
	return n
}

// decodeNoMD handles the no-MD and =/X dialects.  For M runs it compares the
// query against the loaded reference, emitting match spans and 1-base
// mismatches inline; positions outside the loaded range decode as matches.
func decodeNoMD(rec *sam.Record, dialect Dialect, ref RefBases) ([]Seg, error) {
	seq := rec.Seq.Expand()
	var segs []Seg
	rpos := int64(rec.Pos) + 1
	qpos := int64(1)
	for _, co := range rec.Cigar {
		n := int32(co.Len())
		switch co.Type() {
		case sam.CigarMatch:
			matchStart := int64(0)
			for k := int64(0); k < int64(n); k++ {
				refBase, inRange := byte(0), false
				if ref != nil {
					refBase, inRange = ref.BaseAt(rpos + k)
				}
				if inRange && !baseMatch(seq[qpos-1+k], refBase) {
					if k > matchStart {
						segs = append(segs, Seg{rpos + matchStart, qpos + matchStart, int32(k - matchStart), OpMatch, ""})
					}
					segs = append(segs, Seg{rpos + k, qpos + k, 1, OpMismatch, string(seq[qpos-1+k])})
					matchStart = k + 1
				}
			}
			if int64(n) > matchStart {
				segs = append(segs, Seg{rpos + matchStart, qpos + matchStart, int32(int64(n) - matchStart), OpMatch, ""})
			}
			rpos += int64(n)
			qpos += int64(n)
		case sam.CigarEqual:
			segs = append(segs, Seg{rpos, qpos, n, OpEqual, ""})
			rpos += int64(n)
			qpos += int64(n)
		case sam.CigarMismatch:
			for k := int64(0); k < int64(n); k++ {
				segs = append(segs, Seg{rpos + k, qpos + k, 1, OpMismatch, string(seq[qpos-1+k])})
			}
			rpos += int64(n)
			qpos += int64(n)
		case sam.CigarInsertion:
			segs = append(segs, Seg{rpos - 1, qpos, n, OpIns, string(seq[qpos-1 : qpos-1+int64(n)])})
			qpos += int64(n)
		case sam.CigarDeletion:
			segs = append(segs, Seg{rpos - 1, qpos, n, OpDel, refSpan(ref, rpos, int64(n))})
			rpos += int64(n)
		case sam.CigarSoftClipped:
			segs = append(segs, Seg{rpos, qpos, n, OpSoftClip, strconv.Itoa(int(n))})
			qpos += int64(n)
		case sam.CigarHardClipped:
			segs = append(segs, Seg{rpos, qpos, n, OpHardClip, strconv.Itoa(int(n))})
		default:
			return nil, fmt.Errorf("alnseg.decodeNoMD: read %s has op %v: %w", rec.Name, co.Type(), ErrAlignmentCorrupt)
		}
	}
	return segs, nil
}

// refSpan renders the deleted reference subsequence for the no-MD dialects.
// Out-of-range positions render as 'N'; downstream only needs the length and
// the polymer structure of in-range spans.
func refSpan(ref RefBases, start, n int64) string {
	buf := make([]byte, n)
	for k := int64(0); k < n; k++ {
		b, ok := byte('N'), false
		if ref != nil {
			b, ok = ref.BaseAt(start + k)
		}
		if !ok {
			b = 'N'
		}
		buf[k] = b
	}
	return string(buf)
}

func baseMatch(queryBase, refBase byte) bool {
	return toUpper(queryBase) == toUpper(refBase)
}

func toUpper(b byte) byte {
	if 'a' <= b && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
