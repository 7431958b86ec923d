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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChrome(chrname string) *chrome {
	opts := DefaultOpts
	opts.EstimateParams = false
	return &chrome{chrname: chrname, chrlen: 1000000, opts: &opts}
}

func (c *chrome) addMate(leftStart, leftEnd, rightStart, rightEnd int64, posNum int32, svType VarType) *MateClipReg {
	mate := &MateClipReg{
		LeftClipReg:      c.arena.Add(newReg(c.chrname, leftStart, leftEnd)),
		LeftClipReg2:     NoReg,
		RightClipReg:     c.arena.Add(newReg(c.chrname, rightStart, rightEnd)),
		RightClipReg2:    NoReg,
		LeftClipRegNum:   1,
		RightClipRegNum:  1,
		LeftClipPosNum:   posNum,
		RightClipPosNum:  posNum,
		LeftMeanClipPos:  (leftStart + leftEnd) / 2,
		RightMeanClipPos: (rightStart + rightEnd) / 2,
		RegMated:         true,
		Valid:            true,
		SVType:           svType,
		LeftClipPosTra1:  -1,
		RightClipPosTra1: -1,
		LeftClipPosTra2:  -1,
		RightClipPosTra2: -1,
	}
	c.mateClipRegs = append(c.mateClipRegs, mate)
	return mate
}

func TestRemoveFPClipRegsOverlong(t *testing.T) {
	c := newTestChrome("chr1")
	c.addMate(1000, 1010, 50000, 50010, 6, VarDup) // separation >> maxClipRegSize
	c.removeFPClipRegs()
	assert.Empty(t, c.mateClipRegs)
}

func TestRemoveFPClipRegsInverted(t *testing.T) {
	c := newTestChrome("chr1")
	c.addMate(5000, 5010, 1000, 1010, 6, VarDup)
	c.removeFPClipRegs()
	assert.Empty(t, c.mateClipRegs)
}

func TestRemoveFPClipRegsUnmatedDropped(t *testing.T) {
	c := newTestChrome("chr1")
	mate := c.addMate(1000, 1010, 2000, 2010, 6, VarDup)
	mate.RegMated = false
	c.removeFPClipRegs()
	assert.Empty(t, c.mateClipRegs)
}

// Overlapping mated records keep only the better-supported one, and the
// survivors never overlap on both sides (mate-clip deduplication).
func TestRemoveFPClipRegsDedup(t *testing.T) {
	c := newTestChrome("chr1")
	strong := c.addMate(1000, 1010, 2000, 2010, 10, VarDup)
	c.addMate(1005, 1015, 2005, 2015, 4, VarDup)
	c.removeFPClipRegs()
	require.Len(t, c.mateClipRegs, 1)
	assert.Equal(t, strong, c.mateClipRegs[0])

	for i, a := range c.mateClipRegs {
		for _, b := range c.mateClipRegs[i+1:] {
			assert.False(t, c.sidesOverlap(a, b))
		}
	}
}

func TestRemoveFPClipRegsKeepsDistinct(t *testing.T) {
	c := newTestChrome("chr1")
	c.addMate(1000, 1010, 2000, 2010, 6, VarDup)
	c.addMate(8000, 8010, 9000, 9010, 6, VarInv)
	c.removeFPClipRegs()
	assert.Len(t, c.mateClipRegs, 2)
}

// Indels and SNVs inside mated-clip territory are deleted; those outside
// survive.
func TestRemoveFPIndelSnvInClipReg(t *testing.T) {
	c := newTestChrome("chr1")
	c.addMate(5000, 5010, 5190, 5200, 6, VarDup)
	b := &block{chrname: "chr1", opts: c.opts}
	b.indels = []Reg{
		newReg("chr1", 5050, 5060), // inside [5000, 5200]
		newReg("chr1", 9000, 9010), // outside
	}
	b.snvs = []int64{5100, 9500}
	c.blocks = []*block{b}

	c.removeFPIndelSnvInClipReg(c.mateClipRegs, &c.arena)

	require.Len(t, b.indels, 1)
	assert.Equal(t, int64(9000), b.indels[0].StartRefPos)
	assert.Equal(t, []int64{9500}, b.snvs)
}

// TRA records with coinciding anchors merge across chromosomes; on each side
// the leftmost region takes the primary slot and the other the secondary
// slot, and the donor disappears.
func TestRemoveRedundantTraMerge(t *testing.T) {
	c1 := newTestChrome("chr1")
	c2 := newTestChrome("chr2")
	a := c1.addMate(1000, 1010, 2000, 2010, 6, VarTra)
	a.ChrnameLeftTra1, a.LeftClipPosTra1 = "chr2", 7000
	a.ChrnameRightTra1, a.RightClipPosTra1 = "chr2", 8000
	b := c2.addMate(900, 910, 2100, 2110, 4, VarTra)
	b.ChrnameLeftTra1, b.LeftClipPosTra1 = "chr2", 7050
	b.ChrnameRightTra1, b.RightClipPosTra1 = "chr2", 8020

	removeRedundantTra([]*chrome{c1, c2})

	assert.Empty(t, c2.mateClipRegs)
	require.Len(t, c1.mateClipRegs, 1)
	merged := c1.mateClipRegs[0]
	assert.Equal(t, int32(2), merged.LeftClipRegNum)
	assert.Equal(t, int32(2), merged.RightClipRegNum)
	// The donor's left region starts left of the keeper's, so it takes the
	// primary slot.
	assert.Equal(t, int64(900), c1.arena.Get(merged.LeftClipReg).StartRefPos)
	assert.Equal(t, int64(1000), c1.arena.Get(merged.LeftClipReg2).StartRefPos)
	assert.Equal(t, int64(2000), c1.arena.Get(merged.RightClipReg).StartRefPos)
	assert.Equal(t, int64(2100), c1.arena.Get(merged.RightClipReg2).StartRefPos)
}

// Anchor-free TRA records that overlap another record resolve by clip
// support.
func TestRemoveRedundantTraOverlapDedup(t *testing.T) {
	c := newTestChrome("chr1")
	c.addMate(1000, 1010, 2000, 2010, 10, VarTra)
	c.addMate(1005, 1015, 2005, 2015, 4, VarTra)
	removeRedundantTra([]*chrome{c})
	require.Len(t, c.mateClipRegs, 1)
	assert.Equal(t, int32(10), c.mateClipRegs[0].LeftClipPosNum)
}
