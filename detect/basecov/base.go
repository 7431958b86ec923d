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

// Package basecov builds the dense per-position evidence array for one
// reference block: observed-base counters, insertion/deletion/clip event
// lists, and the derived consensus-indel metrics the window classifier
// consumes.
package basecov

// Reference base indices.  Index 5 of NumBases holds total coverage rather
// than a base count; the IUPAC ambiguity index is only ever used as a
// reference classification.
const (
	BaseA = iota
	BaseC
	BaseG
	BaseT
	BaseN
	BaseIUPAC
)

// ConType is the winning consensus indel class at a position.
type ConType uint8

const (
	// ConNone means no indel events are anchored at the position.
	ConNone ConType = iota
	// ConIns means insertion events dominate.
	ConIns
	// ConDel means deletion evidence (event spans plus short deletions)
	// dominates.
	ConDel
)

// InsEvent records one insertion anchored at Pos.
type InsEvent struct {
	Pos int64
	Seq string
}

// DelEvent records one deletion anchored at Pos; Seq is the deleted
// reference sequence clipped to the block range.
type DelEvent struct {
	Pos int64
	Seq string
}

// ClipEvent records one soft or hard clip anchored at Pos.  Len is the clip
// length rendered as text, as it appears in the decoded segment.
type ClipEvent struct {
	Pos      int64
	Hard     bool
	RightEnd bool
	Len      string
}

// Base is the evidence bundle for one reference position.
type Base struct {
	RefBase    byte
	RefBaseIdx uint8
	// NumBases[0..4] count observed A/C/G/T/N; NumBases[5] is total coverage,
	// filled in by Loader finalization.
	NumBases    [6]uint32
	InsEvents   []InsEvent
	DelEvents   []DelEvent
	ClipEvents  []ClipEvent
	NumShortIns uint32
	NumShortDel uint32
	// DelSpanNum counts deletions (of any anchor) whose deleted range, or
	// the anchor base immediately left of it, covers this position.
	DelSpanNum  uint32
	PolymerFlag bool

	MaxConType       ConType
	MaxConIndelNum   uint32
	MaxConIndelRatio float64
}

// TotalCov returns the total observed-base coverage at the position.
func (b *Base) TotalCov() uint32 { return b.NumBases[5] }

// NonRefNum returns the number of observed bases that differ from the
// reference base.  Positions with an ambiguous reference always report zero.
func (b *Base) NonRefNum() uint32 {
	if b.RefBaseIdx > BaseN {
		return 0
	}
	return b.NumBases[5] - b.NumBases[b.RefBaseIdx]
}

// MaxConInsLen returns the length of the longest insertion payload anchored
// at the position, or zero.
func (b *Base) MaxConInsLen() int {
	maxLen := 0
	for i := range b.InsEvents {
		if n := len(b.InsEvents[i].Seq); n > maxLen {
			maxLen = n
		}
	}
	return maxLen
}

// IsPolymerSeq reports whether seq is a run of one repeated character.
func IsPolymerSeq(seq string) bool {
	if len(seq) == 0 {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] != seq[0] {
			return false
		}
	}
	return true
}
