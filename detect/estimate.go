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
	"errors"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/sv/detect/basecov"
)

// ErrUnknownEstimationOp is returned when the estimation driver passes an op
// code the histogram accumulator does not recognize.
var ErrUnknownEstimationOp = errors.New("unknown estimation op")

// EstOp selects which histograms a sampling pass fills.
type EstOp uint8

const (
	// SizeEstOp samples indel event sizes.
	SizeEstOp EstOp = iota
	// NumEstOp samples per-base event counts.
	NumEstOp
	// SNVEstOp is reserved; the pass is a no-op.
	SNVEstOp
)

// Histograms above this bucket are clamped; the top percentiles of interest
// sit far below it.
const auxArrSize = 1001

const (
	sizePercentileEst = 0.95
	numPercentileEst  = 0.99995
)

const (
	minChrSizeEst = 50000
	blockSizeEst  = 10000
)

// EstData accumulates the size and count histograms the threshold estimator
// consumes.  The detector treats the percentile definitions as opaque
// inputs.
type EstData struct {
	InsSizeEstArr  [auxArrSize + 1]int64
	DelSizeEstArr  [auxArrSize + 1]int64
	ClipSizeEstArr [auxArrSize + 1]int64
	InsNumEstArr   [auxArrSize + 1]int64
	DelNumEstArr   [auxArrSize + 1]int64
	ClipNumEstArr  [auxArrSize + 1]int64
}

func clampAux(n int) int {
	if n > auxArrSize {
		return auxArrSize
	}
	return n
}

// fillDataEst walks the block's base array (gap positions excluded) and
// feeds the selected histograms.
func (b *block) fillDataEst(op EstOp, est *EstData) error {
	if b.baseArr == nil {
		return nil
	}
	for i := range b.baseArr.Bases {
		base := &b.baseArr.Bases[i]
		if base.RefBaseIdx == basecov.BaseN {
			continue
		}
		switch op {
		case SizeEstOp:
			for j := range base.InsEvents {
				est.InsSizeEstArr[clampAux(len(base.InsEvents[j].Seq))]++
			}
			for j := range base.DelEvents {
				est.DelSizeEstArr[clampAux(len(base.DelEvents[j].Seq))]++
			}
			for j := range base.ClipEvents {
				n := len(base.ClipEvents[j].Len) // length is carried as text
				if v, err := atoiClamped(base.ClipEvents[j].Len); err == nil {
					n = v
				}
				est.ClipSizeEstArr[clampAux(n)]++
			}
		case NumEstOp:
			est.InsNumEstArr[clampAux(len(base.InsEvents))]++
			est.DelNumEstArr[clampAux(len(base.DelEvents))]++
			est.ClipNumEstArr[clampAux(len(base.ClipEvents))]++
		case SNVEstOp:
			// Reserved for SNV background estimation.
		default:
			return fmt.Errorf("detect.fillDataEst: op %d: %w", op, ErrUnknownEstimationOp)
		}
	}
	return nil
}

func atoiClamped(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("not a number")
		}
		n = n*10 + int(s[i]-'0')
		if n > auxArrSize {
			return auxArrSize, nil
		}
	}
	return n, nil
}

// fillDataEst samples one N-free region of blockSizeEst bases near the
// middle of the chromosome; short chromosomes contribute nothing.
func (c *chrome) fillDataEst(ctx context.Context, op EstOp, est *EstData) error {
	if c.chrlen < minChrSizeEst {
		return nil
	}
	pos := c.chrlen / 2
	var begPos, endPos int64
	found := false
	for pos < c.chrlen-blockSizeEst {
		begPos = pos - blockSizeEst/2
		if begPos < 1 {
			begPos = 1
		}
		endPos = begPos + blockSizeEst - 1
		seq, err := c.fa.Get(c.chrname, uint64(begPos-1), uint64(endPos))
		if err != nil {
			return err
		}
		hasGap := false
		for i := 0; i < len(seq); i++ {
			if seq[i] == 'N' || seq[i] == 'n' {
				hasGap = true
				break
			}
		}
		if !hasGap {
			found = true
			break
		}
		pos = endPos + 1
	}
	if !found {
		return nil
	}
	log.Printf("est region: %s:%d-%d", c.chrname, begPos, endPos)

	b := &block{
		chrname:  c.chrname,
		chrlen:   c.chrlen,
		startPos: begPos,
		endPos:   endPos,
		opts:     c.opts,
		prov:     c.prov,
		fa:       c.fa,
		ref:      c.ref,
	}
	recs, err := b.loadAlnData()
	if err != nil {
		return err
	}
	loader := basecov.NewLoader(b.chrname, b.startPos, b.endPos, 0, 0)
	if b.baseArr, err = loader.InitBaseArray(ctx, b.fa); err != nil {
		return err
	}
	if err = loader.GenerateBaseCoverage(b.baseArr, recs); err != nil {
		return err
	}
	return b.fillDataEst(op, est)
}

// Estimate converts the filled histograms into the size or count filters.
func (e *EstData) Estimate(op EstOp, opts *Opts) error {
	switch op {
	case SizeEstOp:
		opts.MinInsSizeFilt = estimateSinglePara(e.InsSizeEstArr[:], sizePercentileEst, minIndelEventSize)
		opts.MinDelSizeFilt = estimateSinglePara(e.DelSizeEstArr[:], sizePercentileEst, minIndelEventSize)
		opts.MinClipSizeFilt = estimateSinglePara(e.ClipSizeEstArr[:], sizePercentileEst, minIndelEventSize)
		log.Printf("estimated size filters: ins=%d del=%d clip=%d",
			opts.MinInsSizeFilt, opts.MinDelSizeFilt, opts.MinClipSizeFilt)
	case NumEstOp:
		opts.MinInsNumFilt = estimateSinglePara(e.InsNumEstArr[:], numPercentileEst, minIndelEventNum)
		opts.MinDelNumFilt = estimateSinglePara(e.DelNumEstArr[:], numPercentileEst, minIndelEventNum)
		opts.MinClipNumFilt = estimateSinglePara(e.ClipNumEstArr[:], numPercentileEst, minIndelEventNum)
		log.Printf("estimated count filters: ins=%d del=%d clip=%d",
			opts.MinInsNumFilt, opts.MinDelNumFilt, opts.MinClipNumFilt)
	case SNVEstOp:
		// Reserved.
	default:
		return fmt.Errorf("detect.Estimate: op %d: %w", op, ErrUnknownEstimationOp)
	}
	return nil
}

// estimateSinglePara finds the smallest bucket at which the cumulative mass
// reaches the percentile, floored at minVal.
func estimateSinglePara(arr []int64, percentile float64, minVal int) int {
	var total int64
	for _, v := range arr {
		total += v
	}
	if total == 0 {
		return minVal
	}
	limit := percentile * float64(total)
	var cum int64
	for i, v := range arr {
		cum += v
		if float64(cum) >= limit {
			if i < minVal {
				return minVal
			}
			return i
		}
	}
	return minVal
}
