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

package detect

import "github.com/grailbio/sv/detect/basecov"

// regionKind positions a window inside its block.  Head and tail windows
// collapse the three-part structure so the mid part is the whole window.
type regionKind uint8

const (
	headRegion regionKind = iota
	innerRegion
	tailRegion
)

// region is one sliding window over a block's base array.  The middle third
// [startMid, endMid] is the zone that contributes candidates; the flanks
// only supply context.
type region struct {
	chrname   string
	startRPos int64
	endRPos   int64
	startMid  int64
	endMid    int64
	kind      regionKind
	bases     *basecov.Array
	opts      *Opts
	meanCov   float64

	wholeRefGap bool

	disagreeNum     int
	highClipBaseNum int

	indels   []Reg
	snvs     []int64
	clipRegs []Reg
}

func newRegion(chrname string, startRPos, endRPos int64, kind regionKind, bases *basecov.Array, opts *Opts, meanCov float64) *region {
	r := &region{
		chrname:   chrname,
		startRPos: startRPos,
		endRPos:   endRPos,
		kind:      kind,
		bases:     bases,
		opts:      opts,
		meanCov:   meanCov,
	}
	if kind == innerRegion {
		r.startMid = startRPos + int64(opts.SlideSize)
		r.endMid = r.startMid + int64(opts.SlideSize) - 1
		if r.endMid > endRPos {
			r.endMid = endRPos
		}
	} else {
		r.startMid = startRPos
		r.endMid = endRPos
	}
	r.wholeRefGap = true
	for pos := startRPos; pos <= endRPos; pos++ {
		if b := bases.At(pos); b != nil && b.RefBaseIdx != basecov.BaseN {
			r.wholeRefGap = false
			break
		}
	}
	return r
}

// isDisagreePos reports whether the position argues against the reference:
// either several reads substitute it, or the consensus indel evidence rises
// above the noise floor.
func isDisagreePos(b *basecov.Base) bool {
	if b.NonRefNum() >= minDisagreeNumThres {
		return true
	}
	return b.MaxConType != basecov.ConNone &&
		b.MaxConIndelNum >= minDisagreeNumThres &&
		b.MaxConIndelRatio >= conIndelNoiseRatio
}

// computeAbSigs gathers the window's abnormal signatures over the mid part.
func (r *region) computeAbSigs() {
	for pos := r.startMid; pos <= r.endMid; pos++ {
		b := r.bases.At(pos)
		if b == nil {
			continue
		}
		if isDisagreePos(b) {
			r.disagreeNum++
		}
		if len(b.ClipEvents) >= r.opts.MinClipNumFilt {
			r.highClipBaseNum++
		}
	}
}

// disagrRegRatio is the disagreement density over the mid part.
func (r *region) disagrRegRatio() float64 {
	n := r.endMid - r.startMid + 1
	if n <= 0 {
		return 0
	}
	return float64(r.disagreeNum) / float64(n)
}

// detectHighClipReg merges mid-part positions whose clip-event count reaches
// the per-base clip filter into clip candidate regions, bridging gaps up to
// clipRegMergeDist.
func (r *region) detectHighClipReg() {
	var curStart, curEnd int64 = -1, -1
	flush := func() {
		if curStart != -1 {
			r.clipRegs = append(r.clipRegs, newReg(r.chrname, curStart, curEnd))
		}
	}
	for pos := r.startMid; pos <= r.endMid; pos++ {
		b := r.bases.At(pos)
		if b == nil || len(b.ClipEvents) < r.opts.MinClipNumFilt {
			continue
		}
		if curStart == -1 {
			curStart, curEnd = pos, pos
		} else if pos-curEnd <= clipRegMergeDist {
			curEnd = pos
		} else {
			flush()
			curStart, curEnd = pos, pos
		}
	}
	flush()
}

// indelSignalPos reports whether consensus indel evidence at the position is
// strong enough to seed a candidate region.
func (r *region) indelSignalPos(b *basecov.Base) bool {
	switch b.MaxConType {
	case basecov.ConIns:
		if b.MaxConIndelNum < uint32(r.opts.MinInsNumFilt) {
			return false
		}
	case basecov.ConDel:
		if b.MaxConIndelNum < uint32(r.opts.MinDelNumFilt) {
			return false
		}
	default:
		return false
	}
	return b.MaxConIndelRatio >= conIndelNoiseRatio || b.NonRefNum() >= minDisagreeNumThres
}

// detectIndelReg merges runs of indel-evidence positions (bridging gaps up
// to indelGapMergeDist) into candidate regions.  A region is emitted when
// its reference span plus its dominant insertion length clears MinSVSize,
// and it does not overlap a clip region already found in this window.
func (r *region) detectIndelReg() {
	var curStart, curEnd int64 = -1, -1
	maxInsLen := 0
	flush := func() {
		if curStart == -1 {
			return
		}
		if int(curEnd-curStart+1)+maxInsLen >= r.opts.MinSVSize &&
			findRegExtSize(curStart, curEnd, r.clipRegs, 0, 0) < 0 {
			r.indels = append(r.indels, newReg(r.chrname, curStart, curEnd))
		}
	}
	for pos := r.startMid; pos <= r.endMid; pos++ {
		b := r.bases.At(pos)
		if b == nil || !r.indelSignalPos(b) {
			continue
		}
		if curStart == -1 {
			curStart, curEnd = pos, pos
			maxInsLen = b.MaxConInsLen()
		} else if pos-curEnd <= indelGapMergeDist {
			curEnd = pos
			if n := b.MaxConInsLen(); n > maxInsLen {
				maxInsLen = n
			}
		} else {
			flush()
			curStart, curEnd = pos, pos
			maxInsLen = b.MaxConInsLen()
		}
	}
	flush()
}

// detectSNV emits single positions with a dominant substituted base and no
// indel evidence of any kind.
func (r *region) detectSNV() {
	for pos := r.startMid; pos <= r.endMid; pos++ {
		b := r.bases.At(pos)
		if b == nil || b.TotalCov() == 0 || b.RefBaseIdx > basecov.BaseT {
			continue
		}
		if len(b.InsEvents) != 0 || len(b.DelEvents) != 0 || b.DelSpanNum != 0 ||
			b.NumShortIns != 0 || b.NumShortDel != 0 {
			continue
		}
		var maxAlt uint32
		for j := uint8(0); j <= basecov.BaseT; j++ {
			if j != b.RefBaseIdx && b.NumBases[j] > maxAlt {
				maxAlt = b.NumBases[j]
			}
		}
		if maxAlt >= minSNVAltNum && float64(maxAlt)/float64(b.TotalCov()) >= snvRatioThres {
			r.snvs = append(r.snvs, pos)
		}
	}
}
