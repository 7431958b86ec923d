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
	"errors"
	"fmt"

	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/sv/detect/alnseg"
)

var (
	// ErrInvalidReference is returned for reference characters outside the
	// IUPAC alphabet, or for decoded segments that hit a base whose stored
	// reference index is out of range.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrAlignmentCorrupt is returned for a mismatch segment whose query
	// base is not A/C/G/T/N or equals the reference, and for an unknown
	// segment op.  Segment positions outside the block are skipped.
	ErrAlignmentCorrupt = errors.New("alignment corrupt")
)

// Loader populates the base array for one block, [StartPos, EndPos]
// inclusive, 1-based.
type Loader struct {
	Chrname        string
	StartPos       int64
	EndPos         int64
	MinInsSizeFilt int
	MinDelSizeFilt int

	leftRefBase  byte
	rightRefBase byte
}

// NewLoader returns a Loader for the given block range.  Indel events
// shorter than the size filters are folded into the short-indel counters
// instead of the event lists.
func NewLoader(chrname string, startPos, endPos int64, minInsSizeFilt, minDelSizeFilt int) *Loader {
	return &Loader{
		Chrname:        chrname,
		StartPos:       startPos,
		EndPos:         endPos,
		MinInsSizeFilt: minInsSizeFilt,
		MinDelSizeFilt: minDelSizeFilt,
		leftRefBase:    '-',
		rightRefBase:   '-',
	}
}

// Array is a loaded base array together with its block origin; it adapts the
// array to the alnseg.RefBases lookup the no-MD decoder needs.
type Array struct {
	Bases    []Base
	StartPos int64
}

// BaseAt implements alnseg.RefBases.
func (a *Array) BaseAt(pos int64) (byte, bool) {
	idx := pos - a.StartPos
	if idx < 0 || idx >= int64(len(a.Bases)) {
		return 0, false
	}
	return a.Bases[idx].RefBase, true
}

// At returns the Base at the 1-based reference position, or nil when the
// position is outside the block.
func (a *Array) At(pos int64) *Base {
	idx := pos - a.StartPos
	if idx < 0 || idx >= int64(len(a.Bases)) {
		return nil
	}
	return &a.Bases[idx]
}

// InitBaseArray fetches the block's reference window with one-base flanks,
// classifies each base, and assigns polymer flags.
func (l *Loader) InitBaseArray(ctx context.Context, fa fasta.Fasta) (*Array, error) {
	chrlen, err := fa.Len(l.Chrname)
	if err != nil {
		return nil, fmt.Errorf("basecov.InitBaseArray: %s: %w", l.Chrname, err)
	}
	start, end := l.StartPos, l.EndPos
	leftExt, rightExt := int64(0), int64(0)
	if start > 1 {
		start--
		leftExt = 1
	}
	if end < int64(chrlen) {
		end++
		rightExt = 1
	}
	if end > int64(chrlen) || start < 1 {
		return nil, fmt.Errorf("basecov.InitBaseArray: %s:%d-%d outside [1,%d]: %w",
			l.Chrname, l.StartPos, l.EndPos, chrlen, ErrInvalidReference)
	}
	seq, err := fa.Get(l.Chrname, uint64(start-1), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("basecov.InitBaseArray: %s:%d-%d: %w", l.Chrname, start, end, err)
	}
	if leftExt == 1 {
		l.leftRefBase = toUpper(seq[0])
	}
	if rightExt == 1 {
		l.rightRefBase = toUpper(seq[len(seq)-1])
	}

	arr := &Array{
		Bases:    make([]Base, l.EndPos-l.StartPos+1),
		StartPos: l.StartPos,
	}
	for i := range arr.Bases {
		c := toUpper(seq[int64(i)+leftExt])
		idx, ok := refBaseIdx(c)
		if !ok {
			return nil, fmt.Errorf("basecov.InitBaseArray: unknown base %q at %s:%d: %w",
				c, l.Chrname, l.StartPos+int64(i), ErrInvalidReference)
		}
		arr.Bases[i].RefBase = c
		arr.Bases[i].RefBaseIdx = idx
	}
	l.assignPolymerFlags(arr)
	return arr, nil
}

// assignPolymerFlags marks bases equal to either immediate neighbour; the
// one-base flanks stand in for the neighbours of the first and last
// positions.
func (l *Loader) assignPolymerFlags(arr *Array) {
	n := len(arr.Bases)
	for i := 0; i < n; i++ {
		b := &arr.Bases[i]
		left, right := l.leftRefBase, l.rightRefBase
		if i > 0 {
			left = arr.Bases[i-1].RefBase
		}
		if i < n-1 {
			right = arr.Bases[i+1].RefBase
		}
		if b.RefBase == left || b.RefBase == right {
			b.PolymerFlag = true
		}
	}
}

// GenerateBaseCoverage decodes every aligned record and absorbs its segments
// into the base array, then finalizes coverage totals, deletion-span
// counters, and the consensus indel metrics.  Unmapped records are skipped;
// zero-coverage blocks are tolerated.
func (l *Loader) GenerateBaseCoverage(arr *Array, recs []*sam.Record) error {
	for _, rec := range recs {
		if rec.Flags&sam.Unmapped != 0 {
			continue
		}
		dialect, err := alnseg.Classify(rec)
		if err != nil {
			return err
		}
		segs, err := alnseg.Decode(rec, dialect, arr)
		if err != nil {
			return err
		}
		if err := l.ingest(arr, rec, segs); err != nil {
			return err
		}
	}
	l.finalize(arr)
	return nil
}

func (l *Loader) ingest(arr *Array, rec *sam.Record, segs []alnseg.Seg) error {
	for _, seg := range segs {
		switch seg.Op {
		case alnseg.OpMatch, alnseg.OpEqual:
			segEnd := seg.StartRPos + int64(seg.Len) - 1
			for pos := seg.StartRPos; pos <= segEnd; pos++ {
				b := arr.At(pos)
				if b == nil {
					continue
				}
				if b.RefBaseIdx > BaseN {
					return fmt.Errorf("basecov.ingest: read %s matches ambiguous reference index %d at %s:%d: %w",
						rec.Name, b.RefBaseIdx, l.Chrname, pos, ErrInvalidReference)
				}
				b.NumBases[b.RefBaseIdx]++
			}
		case alnseg.OpMismatch:
			b := arr.At(seg.StartRPos)
			if b == nil {
				continue
			}
			idx, ok := obsBaseIdx(seg.Seq[0])
			if !ok {
				return fmt.Errorf("basecov.ingest: read %s has query base %q at %s:%d: %w",
					rec.Name, seg.Seq[0], l.Chrname, seg.StartRPos, ErrAlignmentCorrupt)
			}
			// A mismatched 'N' still counts in the N slot even when the
			// reference is itself N.
			if idx != b.RefBaseIdx || idx == BaseN {
				b.NumBases[idx]++
			} else {
				return fmt.Errorf("basecov.ingest: read %s claims a mismatch equal to the reference at %s:%d: %w",
					rec.Name, l.Chrname, seg.StartRPos, ErrAlignmentCorrupt)
			}
		case alnseg.OpIns:
			b := arr.At(seg.StartRPos)
			if b == nil {
				continue
			}
			if int(seg.Len) >= l.MinInsSizeFilt {
				b.InsEvents = append(b.InsEvents, InsEvent{Pos: seg.StartRPos, Seq: seg.Seq})
			} else {
				b.NumShortIns++
			}
		case alnseg.OpDel:
			// The event anchors at the first in-range base; the payload is
			// clipped to the block.
			delStart := seg.StartRPos + 1
			delEnd := seg.StartRPos + int64(seg.Len)
			anchor := seg.StartRPos
			if anchor < l.StartPos {
				anchor = l.StartPos
			}
			if anchor > l.EndPos || delEnd < l.StartPos {
				continue
			}
			if int(seg.Len) >= l.MinDelSizeFilt {
				seq := seg.Seq
				if delStart < l.StartPos {
					seq = seq[l.StartPos-delStart:]
				}
				if delEnd > l.EndPos {
					seq = seq[:len(seq)-int(delEnd-l.EndPos)]
				}
				b := arr.At(anchor)
				b.DelEvents = append(b.DelEvents, DelEvent{Pos: anchor, Seq: seq})
			} else {
				arr.At(anchor).NumShortDel++
			}
			// The span counter covers the anchor base as well, so the
			// consensus window reaches one base left of the deleted run.
			for pos := seg.StartRPos; pos <= delEnd; pos++ {
				if b := arr.At(pos); b != nil {
					b.DelSpanNum++
				}
			}
		case alnseg.OpSoftClip, alnseg.OpHardClip:
			b := arr.At(seg.StartRPos)
			if b == nil {
				continue
			}
			b.ClipEvents = append(b.ClipEvents, ClipEvent{
				Pos:      seg.StartRPos,
				Hard:     seg.Op == alnseg.OpHardClip,
				RightEnd: seg.StartQPos != 1,
				Len:      seg.Seq,
			})
		default:
			return fmt.Errorf("basecov.ingest: read %s produced segment op %d: %w",
				rec.Name, seg.Op, ErrAlignmentCorrupt)
		}
	}
	return nil
}

// finalize computes coverage totals and the per-position consensus indel
// class, count, and ratio.  Insertion events bucket together when their
// payloads are identical or are both polymer runs starting with the same
// character; the deletion side is the deletion-span count plus short
// deletions.
func (l *Loader) finalize(arr *Array) {
	type insBucket struct {
		seq   string
		count uint32
	}
	var buckets []insBucket
	for i := range arr.Bases {
		b := &arr.Bases[i]
		var total uint32
		for j := 0; j < 5; j++ {
			total += b.NumBases[j]
		}
		b.NumBases[5] = total

		buckets = buckets[:0]
		for _, ev := range b.InsEvents {
			found := false
			for k := range buckets {
				if ev.Seq == buckets[k].seq ||
					(IsPolymerSeq(ev.Seq) && IsPolymerSeq(buckets[k].seq) && ev.Seq[0] == buckets[k].seq[0]) {
					buckets[k].count++
					found = true
					break
				}
			}
			if !found {
				buckets = append(buckets, insBucket{seq: ev.Seq, count: 1})
			}
		}
		var maxIns uint32
		for k := range buckets {
			if buckets[k].count > maxIns {
				maxIns = buckets[k].count
			}
		}
		numDel := b.DelSpanNum + b.NumShortDel

		switch {
		case maxIns == 0 && numDel == 0:
			b.MaxConType = ConNone
			b.MaxConIndelNum = 0
		case maxIns > numDel:
			b.MaxConType = ConIns
			b.MaxConIndelNum = maxIns
		default:
			b.MaxConType = ConDel
			b.MaxConIndelNum = numDel
		}
		totalCov := total + numDel
		if totalCov > 0 {
			b.MaxConIndelRatio = float64(b.MaxConIndelNum) / float64(totalCov)
		}
	}
}

// MeanCov returns the mean coverage over the array, excluding N reference
// positions.
func (a *Array) MeanCov() float64 {
	var readBases, refBases int64
	for i := range a.Bases {
		if a.Bases[i].RefBaseIdx != BaseN {
			readBases += int64(a.Bases[i].NumBases[5])
			refBases++
		}
	}
	if refBases == 0 {
		return 0
	}
	return float64(readBases) / float64(refBases)
}

func refBaseIdx(c byte) (uint8, bool) {
	switch c {
	case 'A':
		return BaseA, true
	case 'C':
		return BaseC, true
	case 'G':
		return BaseG, true
	case 'T':
		return BaseT, true
	case 'N':
		return BaseN, true
	case 'M', 'R', 'S', 'V', 'W', 'Y', 'H', 'K', 'D', 'B':
		return BaseIUPAC, true
	}
	return 0, false
}

func obsBaseIdx(c byte) (uint8, bool) {
	switch toUpper(c) {
	case 'A':
		return BaseA, true
	case 'C':
		return BaseC, true
	case 'G':
		return BaseG, true
	case 'T':
		return BaseT, true
	case 'N':
		return BaseN, true
	}
	return 0, false
}

func toUpper(b byte) byte {
	if 'a' <= b && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
