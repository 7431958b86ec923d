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
	"fmt"

	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/sv/detect/basecov"
)

// block is one parallel unit of work: a reference interval [startPos,
// endPos] (1-based inclusive) with a dense base array.  Adjacent blocks
// overlap by 2*slideSize so every window straddling a boundary is fully
// contained in at least one block.  The head/tail sub-regions are processed
// only at chromosome ends.
type block struct {
	chrname  string
	chrlen   int64
	startPos int64
	endPos   int64
	headIgn  bool
	tailIgn  bool

	opts *Opts
	prov bamprovider.Provider
	fa   fasta.Fasta
	ref  *sam.Reference

	baseArr *basecov.Array
	meanCov float64

	misAlnRegs []misAlnReg
	indels     []Reg
	snvs       []int64
	clipRegs   []Reg

	misAlnSink *misAlnWriter
	outDir     string
}

func (b *block) winSize() int64 { return 3 * int64(b.opts.SlideSize) }

// detect runs the full per-block pipeline: load alignments, build the base
// array, mask mis-aligned windows, extract candidates, drop indels that
// fall in clip territory and SNVs that fall in indel regions, then sort,
// merge, and write the per-block candidate files.
func (b *block) detect(ctx context.Context) (err error) {
	log.Printf("%s:%d-%d", b.chrname, b.startPos, b.endPos)

	recs, err := b.loadAlnData()
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range recs {
			sam.PutInFreePool(rec)
		}
		b.baseArr = nil
	}()

	loader := basecov.NewLoader(b.chrname, b.startPos, b.endPos, b.opts.MinInsSizeFilt, b.opts.MinDelSizeFilt)
	if b.baseArr, err = loader.InitBaseArray(ctx, b.fa); err != nil {
		return err
	}
	if err = loader.GenerateBaseCoverage(b.baseArr, recs); err != nil {
		return err
	}
	b.meanCov = b.baseArr.MeanCov()

	if b.opts.MaskMisAlnReg {
		if err = b.maskMisAlnRegs(); err != nil {
			return err
		}
	}

	b.computeAbSigs()
	b.removeFalseIndel()
	b.removeFalseSNV()

	sortRegs(b.indels)
	sortRegs(b.clipRegs)
	b.indels = mergeOverlappedRegs(b.indels)
	b.clipRegs = mergeOverlappedRegs(b.clipRegs)
	b.snvs = sortDedupPositions(b.snvs)

	return b.saveToFile(ctx)
}

// loadAlnData fetches every mapped record whose start position lies in the
// block or its left padding.  Supplementary and secondary alignments are
// kept; they carry the split-read clipping evidence.
func (b *block) loadAlnData() (recs []*sam.Record, err error) {
	shard := gbam.Shard{
		StartRef: b.ref,
		EndRef:   b.ref,
		Start:    int(b.startPos - 1),
		End:      int(b.endPos),
		Padding:  b.opts.MaxReadSpan,
	}
	iter := b.prov.NewIterator(shard)
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
	}()
	for iter.Scan() {
		rec := iter.Record()
		if rec.Flags&sam.Unmapped != 0 {
			sam.PutInFreePool(rec)
			continue
		}
		if int64(rec.Pos) >= b.endPos {
			// End-padding reads start past the block and cannot contribute.
			sam.PutInFreePool(rec)
			break
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// eachWindow calls fn for every window of the block: an optional half-width
// head window, inner windows of winSize stepped by slideSize, and an
// optional tail window.
func (b *block) eachWindow(fn func(startPos, endPos int64, kind regionKind) error) error {
	slide := int64(b.opts.SlideSize)
	if !b.headIgn {
		end := b.startPos + 2*slide - 1
		if end > b.endPos {
			end = b.endPos
		}
		if err := fn(b.startPos, end, headRegion); err != nil {
			return err
		}
	}
	pos := b.startPos
	for ; pos <= b.endPos-2*slide; pos += slide {
		end := pos + b.winSize() - 1
		if end > b.endPos {
			end = b.endPos
		}
		if err := fn(pos, end, innerRegion); err != nil {
			return err
		}
	}
	if !b.tailIgn {
		end := pos + b.winSize() - 1
		if end > b.endPos {
			end = b.endPos
		}
		if err := fn(pos, end, tailRegion); err != nil {
			return err
		}
	}
	return nil
}

// maskMisAlnRegs computes the per-window disagreement signatures, sweeps
// them into committed mis-align runs, and appends the survivors to the
// shared per-chromosome mis-align file.
func (b *block) maskMisAlnRegs() error {
	var regs []misAlnReg
	err := b.eachWindow(func(startPos, endPos int64, kind regionKind) error {
		r := newRegion(b.chrname, startPos, endPos, kind, b.baseArr, b.opts, b.meanCov)
		if r.wholeRefGap {
			return nil
		}
		r.computeAbSigs()
		regs = append(regs, misAlnReg{
			startPos:        r.startMid,
			endPos:          r.endMid,
			disagrRegRatio:  r.disagrRegRatio(),
			highClipBaseNum: r.highClipBaseNum,
		})
		return nil
	})
	if err != nil {
		return err
	}
	b.misAlnRegs = extractMisAlnRuns(regs)
	if b.misAlnSink != nil {
		for i := range b.misAlnRegs {
			m := &b.misAlnRegs[i]
			if err := b.misAlnSink.write(b.chrname, m.startPos, m.endPos, m.disagrRegRatio, m.highClipBaseNum); err != nil {
				return err
			}
		}
	}
	return nil
}

// isMisAlnReg reports whether the window's mid part matches a committed
// mis-align window.
func (b *block) isMisAlnReg(r *region) bool {
	if !b.opts.MaskMisAlnReg {
		return false
	}
	for i := range b.misAlnRegs {
		if b.misAlnRegs[i].startPos == r.startMid && b.misAlnRegs[i].endPos == r.endMid {
			return true
		}
	}
	return false
}

// computeAbSigs walks every window, skips reference gaps and committed
// mis-align windows, and collects the window's clip, indel, and SNV
// candidates.
func (b *block) computeAbSigs() {
	_ = b.eachWindow(func(startPos, endPos int64, kind regionKind) error {
		r := newRegion(b.chrname, startPos, endPos, kind, b.baseArr, b.opts, b.meanCov)
		if r.wholeRefGap || b.isMisAlnReg(r) {
			return nil
		}
		r.computeAbSigs()
		r.detectHighClipReg()
		r.detectIndelReg()
		r.detectSNV()
		b.clipRegs = append(b.clipRegs, r.clipRegs...)
		b.indels = append(b.indels, r.indels...)
		b.snvs = append(b.snvs, r.snvs...)
		return nil
	})
}

// removeFalseIndel drops indel candidates overlapping a clip region
// (extended by clipEndExtendSize on both sides).
func (b *block) removeFalseIndel() {
	out := b.indels[:0]
	for i := range b.indels {
		reg := &b.indels[i]
		if findRegExtSize(reg.StartRefPos, reg.EndRefPos, b.clipRegs, clipEndExtendSize, clipEndExtendSize) < 0 {
			out = append(out, *reg)
		}
	}
	b.indels = out
}

// removeFalseSNV drops SNVs inside surviving indel regions.
func (b *block) removeFalseSNV() {
	out := b.snvs[:0]
	for _, pos := range b.snvs {
		if !isInRegs(pos, b.indels) {
			out = append(out, pos)
		}
	}
	b.snvs = out
}

func (b *block) rangeName() string {
	return fmt.Sprintf("%s_%d-%d", b.chrname, b.startPos, b.endPos)
}
