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

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Block tiling invariant: blocks cover [1, L], interior neighbours overlap
// by exactly 2*slideSize, and the tail block ends at L.
func TestGenerateBlocksTiling(t *testing.T) {
	opts := DefaultOpts
	opts.BlockSize = 10000
	opts.SlideSize = 500
	for _, chrlen := range []int64{3000, 10000, 14999, 15001, 25000, 1000000, 1234567} {
		ref, err := sam.NewReference("chrT", "", "", int(chrlen), nil, nil)
		require.NoError(t, err)
		c := newChrome(ref, &opts, nil, nil)
		c.generateBlocks()
		require.NotEmpty(t, c.blocks, "chrlen=%d", chrlen)

		first := c.blocks[0]
		assert.Equal(t, int64(1), first.startPos, "chrlen=%d", chrlen)
		assert.False(t, first.headIgn, "chrlen=%d", chrlen)
		last := c.blocks[len(c.blocks)-1]
		assert.Equal(t, chrlen, last.endPos, "chrlen=%d", chrlen)
		assert.False(t, last.tailIgn, "chrlen=%d", chrlen)

		for i := 1; i < len(c.blocks); i++ {
			prev, cur := c.blocks[i-1], c.blocks[i]
			assert.Equal(t, 2*int64(opts.SlideSize), prev.endPos-cur.startPos+1,
				"chrlen=%d block %d overlap", chrlen, i)
			assert.True(t, cur.headIgn, "chrlen=%d block %d", chrlen, i)
			assert.True(t, prev.tailIgn || i == len(c.blocks), "chrlen=%d block %d", chrlen, i-1)
		}
	}
}

func TestBlockIdxByPos(t *testing.T) {
	opts := DefaultOpts
	opts.BlockSize = 10000
	opts.SlideSize = 500
	ref, err := sam.NewReference("chrT", "", "", 25000, nil, nil)
	require.NoError(t, err)
	c := newChrome(ref, &opts, nil, nil)
	c.generateBlocks()
	for _, b := range c.blocks {
		// The block's stride origin maps back to itself.
		assert.Equal(t, b, c.blocks[c.blockIdxByPos(b.startPos)])
	}
	assert.Equal(t, len(c.blocks)-1, c.blockIdxByPos(24999))
}

func TestSortAndMergeRegs(t *testing.T) {
	regs := []Reg{
		newReg("chr1", 500, 600),
		newReg("chr1", 100, 200),
		newReg("chr1", 150, 300),
		newReg("chr1", 601, 700),
	}
	sortRegs(regs)
	merged := mergeOverlappedRegs(regs)
	require.Len(t, merged, 3)
	assert.Equal(t, int64(100), merged[0].StartRefPos)
	assert.Equal(t, int64(300), merged[0].EndRefPos)
	assert.Equal(t, int64(500), merged[1].StartRefPos)
	assert.Equal(t, int64(601), merged[2].StartRefPos)
}

func TestSortDedupPositions(t *testing.T) {
	got := sortDedupPositions([]int64{30, 10, 20, 10, 30})
	assert.Equal(t, []int64{10, 20, 30}, got)
}

func TestFindRegExtSize(t *testing.T) {
	regs := []Reg{newReg("chr1", 1000, 1100)}
	assert.Equal(t, 0, findRegExtSize(1150, 1160, regs, 0, 100))
	assert.Equal(t, -1, findRegExtSize(1150, 1160, regs, 0, 0))
	assert.Equal(t, 0, findRegExtSize(950, 960, regs, 100, 0))
}

func TestRegArena(t *testing.T) {
	var arena RegArena
	id1 := arena.Add(newReg("chr1", 1, 10))
	id2 := arena.Add(newReg("chr1", 20, 30))
	assert.Equal(t, 2, arena.Len())
	assert.Equal(t, int64(1), arena.Get(id1).StartRefPos)
	assert.Equal(t, int64(20), arena.Get(id2).StartRefPos)
	assert.Nil(t, arena.Get(NoReg))
	// QueryID/BlatAlnID initialize to -1 and the type to UNCERTAIN.
	assert.Equal(t, int32(-1), arena.Get(id1).QueryID)
	assert.Equal(t, int32(-1), arena.Get(id1).BlatAlnID)
	assert.Equal(t, VarUncertain, arena.Get(id1).VarType)
}
