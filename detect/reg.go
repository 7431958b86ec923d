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

import "sort"

// VarType classifies a candidate or mate-clip record.
type VarType uint8

const (
	// VarUncertain is the initial classification of every candidate.
	VarUncertain VarType = iota
	// VarIns is an insertion.
	VarIns
	// VarDel is a deletion.
	VarDel
	// VarDup is a tandem duplication.
	VarDup
	// VarInv is an inversion.
	VarInv
	// VarTra is a translocation.
	VarTra
	// VarBnd is a breakend.
	VarBnd
	// VarMix is a region with mixed split-read evidence.
	VarMix
)

var varTypeNames = [...]string{"UNC", "INS", "DEL", "DUP", "INV", "TRA", "BND", "MIX"}

func (t VarType) String() string {
	if int(t) < len(varTypeNames) {
		return varTypeNames[t]
	}
	return "UNC"
}

// ParseVarType maps the candidate-file spelling back to a VarType.
func ParseVarType(s string) (VarType, bool) {
	for i, name := range varTypeNames {
		if s == name {
			return VarType(i), true
		}
	}
	return VarUncertain, false
}

// Reg is one candidate region.  At detect time only the coordinates are
// meaningful; the remaining fields are reserved for the assemble and call
// phases and keep their zero values here (QueryID and BlatAlnID initialize
// to -1).
type Reg struct {
	Chrname     string
	StartRefPos int64
	EndRefPos   int64

	VarType          VarType
	SVLen            int32
	QueryID          int32
	BlatAlnID        int32
	CallSuccess      bool
	ShortSVFlag      bool
	StartLocalRefPos int64
	EndLocalRefPos   int64
	StartQueryPos    int64
	EndQueryPos      int64
	DupNum           int32
}

func newReg(chrname string, startRefPos, endRefPos int64) Reg {
	return Reg{
		Chrname:     chrname,
		StartRefPos: startRefPos,
		EndRefPos:   endRefPos,
		VarType:     VarUncertain,
		QueryID:     -1,
		BlatAlnID:   -1,
	}
}

// RegID indexes into a RegArena; NoReg marks an absent region.
type RegID int32

// NoReg is the null RegID.
const NoReg RegID = -1

// RegArena owns every clip region of one chromosome.  Vectors hold RegIDs
// instead of pointers, so the mate-clip reconciler can swap and invalidate
// regions without any question of ownership.
type RegArena struct {
	regs []Reg
}

// Add copies reg into the arena and returns its id.
func (a *RegArena) Add(reg Reg) RegID {
	a.regs = append(a.regs, reg)
	return RegID(len(a.regs) - 1)
}

// Get returns the region for id, or nil for NoReg.
func (a *RegArena) Get(id RegID) *Reg {
	if id == NoReg {
		return nil
	}
	return &a.regs[id]
}

// Len returns the number of regions in the arena.
func (a *RegArena) Len() int { return len(a.regs) }

func isOverlappedPos(start1, end1, start2, end2 int64) bool {
	return start1 <= end2 && start2 <= end1
}

func isOverlappedReg(reg1, reg2 *Reg) bool {
	return reg1.Chrname == reg2.Chrname &&
		isOverlappedPos(reg1.StartRefPos, reg1.EndRefPos, reg2.StartRefPos, reg2.EndRefPos)
}

// findRegExtSize returns the index of the first region in regs overlapping
// [startRefPos-leftExt, endRefPos+rightExt], or -1.
func findRegExtSize(startRefPos, endRefPos int64, regs []Reg, leftExt, rightExt int64) int {
	for i := range regs {
		if isOverlappedPos(startRefPos, endRefPos, regs[i].StartRefPos-leftExt, regs[i].EndRefPos+rightExt) {
			return i
		}
	}
	return -1
}

func isInRegs(pos int64, regs []Reg) bool {
	for i := range regs {
		if pos >= regs[i].StartRefPos && pos <= regs[i].EndRefPos {
			return true
		}
	}
	return false
}

// sortRegs orders regions by StartRefPos.
func sortRegs(regs []Reg) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].StartRefPos < regs[j].StartRefPos })
}

// sortDedupPositions orders SNV positions and drops duplicates; a position
// sitting in the mid part of both a head/tail window and an inner window is
// detected twice.
func sortDedupPositions(positions []int64) []int64 {
	if len(positions) < 2 {
		return positions
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	out := positions[:1]
	for _, pos := range positions[1:] {
		if pos != out[len(out)-1] {
			out = append(out, pos)
		}
	}
	return out
}

// mergeOverlappedRegs unions overlapping neighbours in a sorted slice.
func mergeOverlappedRegs(regs []Reg) []Reg {
	if len(regs) < 2 {
		return regs
	}
	out := regs[:1]
	for i := 1; i < len(regs); i++ {
		last := &out[len(out)-1]
		if isOverlappedReg(last, &regs[i]) {
			if regs[i].StartRefPos < last.StartRefPos {
				last.StartRefPos = regs[i].StartRefPos
			}
			if regs[i].EndRefPos > last.EndRefPos {
				last.EndRefPos = regs[i].EndRefPos
			}
		} else {
			out = append(out, regs[i])
		}
	}
	return out
}
