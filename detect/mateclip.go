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

import (
	"context"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sv/detect/clipreg"
)

// MateClipReg pairs left and right clip clusters into one split-read SV
// candidate.  Regions are arena indices into the owning chromosome's
// RegArena; the secondary slots are only filled when genome reconciliation
// merges two TRA records.
type MateClipReg struct {
	LeftClipReg   RegID
	LeftClipReg2  RegID
	RightClipReg  RegID
	RightClipReg2 RegID

	LeftClipRegNum  int32
	RightClipRegNum int32

	LeftClipPosNum   int32
	LeftClipPosNum2  int32
	RightClipPosNum  int32
	RightClipPosNum2 int32

	LeftMeanClipPos   int64
	LeftMeanClipPos2  int64
	RightMeanClipPos  int64
	RightMeanClipPos2 int64

	RegMated bool
	Valid    bool
	SVType   VarType
	DupNum   int32

	// TRA anchor positions, -1 until the call phase fills them; genome
	// reconciliation merges records whose anchors coincide.
	ChrnameLeftTra1  string
	ChrnameRightTra1 string
	ChrnameLeftTra2  string
	ChrnameRightTra2 string
	LeftClipPosTra1  int64
	RightClipPosTra1 int64
	LeftClipPosTra2  int64
	RightClipPosTra2 int64
}

func (m *MateClipReg) totalClipPosNum() int32 {
	return m.LeftClipPosNum + m.LeftClipPosNum2 + m.RightClipPosNum + m.RightClipPosNum2
}

// regInterval adapts an arena region to the biogo interval tree.
type regInterval struct {
	id    RegID
	start int64
	end   int64
}

func (iv regInterval) Overlap(b interval.IntRange) bool {
	return iv.start <= int64(b.End) && int64(b.Start) <= iv.end
}
func (iv regInterval) Range() interval.IntRange {
	return interval.IntRange{Start: int(iv.start), End: int(iv.end)}
}
func (iv regInterval) ID() uintptr { return uintptr(iv.id) }

// computeMateClipReg drives the clip-region analyzer over the chromosome's
// clip-region pool.  Every clip region overlapping a side of a returned
// mate record is marked processed so it is not analyzed again.
func (c *chrome) computeMateClipReg(ctx context.Context, analyzer clipreg.Analyzer) error {
	// Union the per-block clip regions into the chromosome arena.
	for _, b := range c.blocks {
		for i := range b.clipRegs {
			c.clipRegIDs = append(c.clipRegIDs, c.arena.Add(b.clipRegs[i]))
		}
		b.clipRegs = nil
	}

	tree := &interval.IntTree{}
	for _, id := range c.clipRegIDs {
		reg := c.arena.Get(id)
		if err := tree.Insert(regInterval{id: id, start: reg.StartRefPos, end: reg.EndRefPos}, true); err != nil {
			return err
		}
	}
	tree.AdjustRanges()

	processed := make(map[RegID]bool, len(c.clipRegIDs))
	markOverlaps := func(side *clipreg.Region) {
		if side == nil || side.Chrname != c.chrname {
			return
		}
		hits := tree.Get(regInterval{start: side.StartRefPos, end: side.EndRefPos})
		for _, hit := range hits {
			processed[hit.(regInterval).id] = true
		}
	}

	for _, id := range c.clipRegIDs {
		if processed[id] {
			continue
		}
		reg := c.arena.Get(id)
		log.Printf("clip region %s:%d-%d", reg.Chrname, reg.StartRefPos, reg.EndRefPos)
		result, err := analyzer.Analyze(ctx, reg.Chrname, reg.StartRefPos, reg.EndRefPos, c.chrlen)
		if err != nil {
			return err
		}
		processed[id] = true
		if result.LeftRegion == nil && result.RightRegion == nil {
			continue
		}
		mate := &MateClipReg{
			LeftClipReg:      c.addSideReg(result.LeftRegion),
			LeftClipReg2:     NoReg,
			RightClipReg:     c.addSideReg(result.RightRegion),
			RightClipReg2:    NoReg,
			LeftClipPosNum:   int32(result.LeftClipPosNum),
			RightClipPosNum:  int32(result.RightClipPosNum),
			LeftMeanClipPos:  result.LeftMeanClipPos,
			RightMeanClipPos: result.RightMeanClipPos,
			RegMated:         result.Mated,
			Valid:            result.Valid,
			SVType:           svTypeFromClipReg(result.SVType),
			DupNum:           int32(result.DupNum),
			LeftClipPosTra1:  -1,
			RightClipPosTra1: -1,
			LeftClipPosTra2:  -1,
			RightClipPosTra2: -1,
		}
		if mate.LeftClipReg != NoReg {
			mate.LeftClipRegNum = 1
		}
		if mate.RightClipReg != NoReg {
			mate.RightClipRegNum = 1
		}
		c.mateClipRegs = append(c.mateClipRegs, mate)
		markOverlaps(result.LeftRegion)
		markOverlaps(result.RightRegion)
	}
	return nil
}

func (c *chrome) addSideReg(side *clipreg.Region) RegID {
	if side == nil {
		return NoReg
	}
	return c.arena.Add(newReg(side.Chrname, side.StartRefPos, side.EndRefPos))
}

func svTypeFromClipReg(t clipreg.SVType) VarType {
	switch t {
	case clipreg.Dup:
		return VarDup
	case clipreg.Inv:
		return VarInv
	case clipreg.Tra:
		return VarTra
	case clipreg.Mix:
		return VarMix
	}
	return VarUncertain
}

// removeFPClipRegs rejects overlong or inverted same-chromosome mates, then
// resolves overlapping mated records by keeping the one with more clip
// support.  Invalidated records are destroyed at the end of the pass.
func (c *chrome) removeFPClipRegs() {
	for _, mate := range c.mateClipRegs {
		if !mate.RegMated {
			mate.Valid = false
			continue
		}
		left := c.arena.Get(mate.LeftClipReg)
		right := c.arena.Get(mate.RightClipReg)
		if left == nil || right == nil {
			mate.Valid = false
			continue
		}
		if left.Chrname == right.Chrname {
			dist := right.StartRefPos - left.StartRefPos
			if dist < 0 {
				dist = -dist
			}
			if dist > maxClipRegSize || left.StartRefPos > right.EndRefPos {
				mate.Valid = false
			}
		}
	}

	for i := 0; i < len(c.mateClipRegs); {
		mate := c.mateClipRegs[i]
		if !mate.Valid || !mate.RegMated {
			i++
			continue
		}
		other := c.overlappedMateClipReg(mate)
		if other == nil {
			i++
			continue
		}
		if mate.totalClipPosNum() >= other.totalClipPosNum() {
			other.Valid = false
		} else {
			mate.Valid = false
			i++
		}
	}

	out := c.mateClipRegs[:0]
	for _, mate := range c.mateClipRegs {
		if mate.Valid {
			out = append(out, mate)
		}
	}
	c.mateClipRegs = out
}

// sidesOverlap reports whether two mate records overlap on the same flank:
// left side against left side, or right side against right side.
func (c *chrome) sidesOverlap(a, b *MateClipReg) bool {
	aLeft, aRight := c.arena.Get(a.LeftClipReg), c.arena.Get(a.RightClipReg)
	bLeft, bRight := c.arena.Get(b.LeftClipReg), c.arena.Get(b.RightClipReg)
	if aLeft != nil && bLeft != nil && isOverlappedReg(aLeft, bLeft) {
		return true
	}
	return aRight != nil && bRight != nil && isOverlappedReg(aRight, bRight)
}

func (c *chrome) overlappedMateClipReg(given *MateClipReg) *MateClipReg {
	for _, mate := range c.mateClipRegs {
		if mate == given || !mate.Valid || !mate.RegMated {
			continue
		}
		if c.sidesOverlap(given, mate) {
			return mate
		}
	}
	return nil
}

// removeFPIndelSnvInClipReg deletes indel candidates and SNVs from this
// chromosome's blocks when they fall inside the territory of a surviving
// mated record whose two sides sit on one chromosome.  The mate records may
// belong to another chromosome's reconciler (genome pass); arena is their
// owner's arena.
func (c *chrome) removeFPIndelSnvInClipReg(mateRegs []*MateClipReg, arena *RegArena) {
	type span struct{ start, end int64 }
	var spans []span
	for _, mate := range mateRegs {
		if !mate.RegMated || !mate.Valid {
			continue
		}
		left := arena.Get(mate.LeftClipReg)
		right := arena.Get(mate.RightClipReg)
		if left == nil || right == nil || left.Chrname != c.chrname || right.Chrname != c.chrname {
			continue
		}
		spans = append(spans, span{left.StartRefPos, right.EndRefPos})
	}
	if len(spans) == 0 {
		return
	}
	for _, b := range c.blocks {
		indels := b.indels[:0]
		for i := range b.indels {
			reg := &b.indels[i]
			drop := false
			for _, s := range spans {
				if reg.StartRefPos >= s.start && reg.EndRefPos <= s.end {
					drop = true
					break
				}
			}
			if !drop {
				indels = append(indels, *reg)
			}
		}
		b.indels = indels

		snvs := b.snvs[:0]
		for _, pos := range b.snvs {
			drop := false
			for _, s := range spans {
				if pos >= s.start && pos <= s.end {
					drop = true
					break
				}
			}
			if !drop {
				snvs = append(snvs, pos)
			}
		}
		b.snvs = snvs
	}
}
