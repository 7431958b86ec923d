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
	"os"
	"path/filepath"
	"runtime"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/sv/detect/clipreg"
)

// chrome orchestrates one chromosome: it tiles the reference into blocks,
// runs the block workers in parallel, and then reconciles the per-block clip
// regions into typed mate-clip candidates.
type chrome struct {
	chrname string
	chrlen  int64
	ref     *sam.Reference

	opts *Opts
	prov bamprovider.Provider
	fa   fasta.Fasta

	blocks []*block

	arena        RegArena
	clipRegIDs   []RegID
	mateClipRegs []*MateClipReg

	outDir     string
	misAlnSink *misAlnWriter
}

func newChrome(ref *sam.Reference, opts *Opts, prov bamprovider.Provider, fa fasta.Fasta) *chrome {
	return &chrome{
		chrname: ref.Name(),
		chrlen:  int64(ref.Len()),
		ref:     ref,
		opts:    opts,
		prov:    prov,
		fa:      fa,
		outDir:  filepath.Join(opts.OutDir, ref.Name()),
	}
}

// generateBlocks tiles [1, chrlen] into blocks of BlockSize stepped by
// BlockSize - 2*SlideSize, so adjacent blocks overlap by exactly
// 2*SlideSize.  A remainder of at most half a block is absorbed into the
// tail block.  Head/tail sub-regions are only processed where the block
// touches a chromosome end.
func (c *chrome) generateBlocks() {
	blockSize := int64(c.opts.BlockSize)
	slide := int64(c.opts.SlideSize)
	pos := int64(1)
	for pos <= c.chrlen {
		begPos := pos
		endPos := pos + blockSize - 1
		if c.chrlen-endPos <= blockSize/2 {
			endPos = c.chrlen
			pos = endPos + 1
		} else {
			pos += blockSize - 2*slide
		}
		c.blocks = append(c.blocks, &block{
			chrname:  c.chrname,
			chrlen:   c.chrlen,
			startPos: begPos,
			endPos:   endPos,
			headIgn:  begPos != 1,
			tailIgn:  endPos != c.chrlen,
			opts:     c.opts,
			prov:     c.prov,
			fa:       c.fa,
			ref:      c.ref,
			outDir:   c.outDir,
		})
	}
}

// blockIdxByPos locates the block whose non-overlapping stride contains the
// position.
func (c *chrome) blockIdxByPos(pos int64) int {
	stride := int64(c.opts.BlockSize) - 2*int64(c.opts.SlideSize)
	idx := int((pos - 1) / stride)
	if idx >= len(c.blocks) {
		idx = len(c.blocks) - 1
	}
	return idx
}

// detect runs the per-chromosome pipeline: parallel block workers, then the
// single-threaded mate-clip reconciliation, then indel/SNV suppression in
// mated clip territory.
func (c *chrome) detect(ctx context.Context, analyzer clipreg.Analyzer) (err error) {
	if err = os.MkdirAll(c.outDir, 0777); err != nil {
		return err
	}
	if c.misAlnSink, err = newMisAlnWriter(ctx, c.opts.OutDir, c.chrname); err != nil {
		return err
	}
	defer func() {
		if e := c.misAlnSink.close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	for _, b := range c.blocks {
		b.misAlnSink = c.misAlnSink
	}

	parallelism := c.opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > len(c.blocks) {
		parallelism = len(c.blocks)
	}
	nBlock := len(c.blocks)
	if err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nBlock) / parallelism
		endIdx := ((jobIdx + 1) * nBlock) / parallelism
		for _, b := range c.blocks[startIdx:endIdx] {
			if e := b.detect(ctx); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err = c.computeMateClipReg(ctx, analyzer); err != nil {
		return err
	}
	c.removeFPClipRegs()
	c.removeFPIndelSnvInClipReg(c.mateClipRegs, &c.arena)
	return nil
}
