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

// Package detect discovers structural-variant candidate regions from a
// coordinate-sorted BAM and an indexed reference.  The genome is tiled into
// overlapping blocks processed in parallel; each block accumulates per-base
// evidence from decoded alignments, classifies sliding windows, and emits
// indel, SNV, and high-clip candidates.  Clip candidates are then reconciled
// across mate regions into typed DUP/INV/TRA records, which in turn suppress
// indel and SNV calls inside confirmed clip territory.
package detect

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/bio/interval"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/sv/detect/clipreg"
	"github.com/klauspost/compress/gzip"
)

// Detect runs the detect phase over the whole genome (or the contig named
// by opts.Region) and writes the per-chromosome candidate files under
// opts.OutDir.  analyzer resolves clip regions into mate-clip records; pass
// nil to use the BAM-backed analyzer.
func Detect(ctx context.Context, bamPath, faPath string, opts *Opts, analyzer clipreg.Analyzer) (err error) {
	if opts == nil {
		o := DefaultOpts
		opts = &o
	}
	if opts.BlockSize <= 2*opts.SlideSize {
		return fmt.Errorf("detect.Detect: block size %d must exceed twice the slide size %d", opts.BlockSize, opts.SlideSize)
	}
	if opts.MinSVSize < 2 {
		return fmt.Errorf("detect.Detect: min SV size %d must be at least 2", opts.MinSVSize)
	}

	prov := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: opts.BamIndexPath})
	defer func() {
		if e := prov.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header, err := prov.GetHeader()
	if err != nil {
		return err
	}

	fa, err := LoadFasta(ctx, faPath)
	if err != nil {
		return err
	}

	refs, err := selectRefs(header.Refs(), opts.Region)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(opts.OutDir, 0777); err != nil {
		return errors.E(err, "cannot create output directory", opts.OutDir)
	}

	var chromes []*chrome
	for _, ref := range refs {
		c := newChrome(ref, opts, prov, fa)
		c.generateBlocks()
		chromes = append(chromes, c)
	}

	if opts.EstimateParams {
		if err = estimateParams(ctx, chromes, opts); err != nil {
			return err
		}
	}

	analyzerImpl := analyzer
	if analyzerImpl == nil {
		clipOpts := clipreg.DefaultOpts
		clipOpts.MinClipSize = opts.MinClipSizeFilt
		if analyzerImpl, err = clipreg.NewBAMAnalyzer(prov, clipOpts); err != nil {
			return err
		}
	}

	for _, c := range chromes {
		log.Printf("processing: %s, size: %d bp", c.chrname, c.chrlen)
		if err = c.detect(ctx, analyzerImpl); err != nil {
			return err
		}
	}

	removeRedundantTra(chromes)
	removeOverlappedIndelFromMateClipReg(chromes)

	for _, c := range chromes {
		if err = c.saveBlocksToFile(ctx); err != nil {
			return err
		}
		if err = c.saveDetectResult(ctx); err != nil {
			return err
		}
	}
	return nil
}

// estimateParams runs the size and count sampling passes over the
// chromosomes and replaces the opts filters with the estimated percentiles.
func estimateParams(ctx context.Context, chromes []*chrome, opts *Opts) error {
	for _, op := range []EstOp{SizeEstOp, NumEstOp} {
		var est EstData
		for _, c := range chromes {
			if err := c.fillDataEst(ctx, op, &est); err != nil {
				return err
			}
		}
		if err := est.Estimate(op, opts); err != nil {
			return err
		}
	}
	return nil
}

// selectRefs applies the -region contig restriction.
func selectRefs(refs []*sam.Reference, region string) ([]*sam.Reference, error) {
	if region == "" {
		return refs, nil
	}
	entry, err := interval.ParseRegionString(region)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Name() == entry.ChrName {
			return []*sam.Reference{ref}, nil
		}
	}
	return nil, fmt.Errorf("detect.selectRefs: contig %q not in BAM header", entry.ChrName)
}

// LoadFasta opens a (possibly gzipped) FASTA, using the .fai sidecar when
// one exists.
func LoadFasta(ctx context.Context, faPath string) (fa fasta.Fasta, err error) {
	in, err := file.Open(ctx, faPath)
	if err != nil {
		return nil, errors.E(err, "cannot open reference", faPath)
	}
	defer file.CloseAndReport(ctx, in, &err)

	var reader io.Reader = in.Reader(ctx)
	if fileio.DetermineType(faPath) == fileio.Gzip {
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, errors.E(err, "cannot decompress reference", faPath)
		}
	} else if idx, idxErr := file.ReadFile(ctx, faPath+".fai"); idxErr == nil {
		return fasta.New(reader, fasta.OptIndex(idx))
	}
	return fasta.New(reader)
}

// removeRedundantTra reconciles TRA records across chromosomes: records
// whose four anchors coincide within clipEndExtendSize merge, the leftmost
// region of each side taking the primary slot and the other the secondary
// slot; anchor-free records that
// overlap another mate record keep only the better-supported one.
func removeRedundantTra(chromes []*chrome) {
	for _, c := range chromes {
		for _, mate := range c.mateClipRegs {
			if !mate.Valid || !mate.RegMated || mate.SVType != VarTra {
				continue
			}
			if mate.LeftClipPosTra1 == -1 && mate.LeftClipPosTra2 == -1 &&
				mate.RightClipPosTra1 == -1 && mate.RightClipPosTra2 == -1 {
				if other, _ := overlappedMateAcrossChromes(mate, c, chromes); other != nil {
					if mate.totalClipPosNum() >= other.totalClipPosNum() {
						other.Valid = false
					} else {
						mate.Valid = false
					}
				}
				continue
			}
			other, otherChr := sameTraAcrossChromes(mate, c, chromes)
			if other == nil {
				continue
			}
			if mate.LeftClipRegNum == 1 && mate.RightClipRegNum == 1 {
				mergeTraPair(mate, c, other, otherChr)
			}
		}
	}
	for _, c := range chromes {
		out := c.mateClipRegs[:0]
		for _, mate := range c.mateClipRegs {
			if mate.Valid {
				out = append(out, mate)
			}
		}
		c.mateClipRegs = out
	}
}

// mergeTraPair folds other into mate, keeping the leftmost region in the
// primary slot on each side.  Regions are copied between arenas; the donor
// record is invalidated.
func mergeTraPair(mate *MateClipReg, c *chrome, other *MateClipReg, otherChr *chrome) {
	copyReg := func(id RegID) RegID {
		reg := otherChr.arena.Get(id)
		if reg == nil {
			return NoReg
		}
		return c.arena.Add(*reg)
	}
	if mate.LeftMeanClipPos < other.LeftMeanClipPos {
		mate.LeftClipReg2 = copyReg(other.LeftClipReg)
		mate.LeftMeanClipPos2 = other.LeftMeanClipPos
		mate.LeftClipPosNum2 = other.LeftClipPosNum
	} else {
		mate.LeftClipReg2 = mate.LeftClipReg
		mate.LeftMeanClipPos2 = mate.LeftMeanClipPos
		mate.LeftClipPosNum2 = mate.LeftClipPosNum
		mate.LeftClipReg = copyReg(other.LeftClipReg)
		mate.LeftMeanClipPos = other.LeftMeanClipPos
		mate.LeftClipPosNum = other.LeftClipPosNum
	}
	mate.LeftClipRegNum++
	if mate.RightMeanClipPos < other.RightMeanClipPos {
		mate.RightClipReg2 = copyReg(other.RightClipReg)
		mate.RightMeanClipPos2 = other.RightMeanClipPos
		mate.RightClipPosNum2 = other.RightClipPosNum
	} else {
		mate.RightClipReg2 = mate.RightClipReg
		mate.RightMeanClipPos2 = mate.RightMeanClipPos
		mate.RightClipPosNum2 = mate.RightClipPosNum
		mate.RightClipReg = copyReg(other.RightClipReg)
		mate.RightMeanClipPos = other.RightMeanClipPos
		mate.RightClipPosNum = other.RightClipPosNum
	}
	mate.RightClipRegNum++
	other.Valid = false
}

func overlappedMateAcrossChromes(given *MateClipReg, owner *chrome, chromes []*chrome) (*MateClipReg, *chrome) {
	for _, c := range chromes {
		for _, mate := range c.mateClipRegs {
			if mate == given || !mate.Valid || !mate.RegMated {
				continue
			}
			if matesOverlapAcross(given, owner, mate, c) {
				return mate, c
			}
		}
	}
	return nil, nil
}

// matesOverlapAcross compares the named side regions of two mate records
// that may live in different arenas.
func matesOverlapAcross(a *MateClipReg, aChr *chrome, b *MateClipReg, bChr *chrome) bool {
	aLeft, aRight := aChr.arena.Get(a.LeftClipReg), aChr.arena.Get(a.RightClipReg)
	bLeft, bRight := bChr.arena.Get(b.LeftClipReg), bChr.arena.Get(b.RightClipReg)
	if aLeft != nil && bLeft != nil && isOverlappedReg(aLeft, bLeft) {
		return true
	}
	return aRight != nil && bRight != nil && isOverlappedReg(aRight, bRight)
}

// sameTraAcrossChromes finds another TRA record whose anchors all coincide
// with given's within clipEndExtendSize.
func sameTraAcrossChromes(given *MateClipReg, owner *chrome, chromes []*chrome) (*MateClipReg, *chrome) {
	anchorsMatch := func(chr1, chr2 string, pos1, pos2 int64) bool {
		if pos1 == -1 || pos2 == -1 {
			return true
		}
		return chr1 == chr2 && pos2 >= pos1-clipEndExtendSize && pos2 <= pos1+clipEndExtendSize
	}
	for _, c := range chromes {
		for _, mate := range c.mateClipRegs {
			if mate == given || !mate.Valid || !mate.RegMated || mate.SVType != VarTra {
				continue
			}
			if mate.LeftClipRegNum != given.LeftClipRegNum || mate.RightClipRegNum != given.RightClipRegNum {
				continue
			}
			if anchorsMatch(given.ChrnameLeftTra1, mate.ChrnameLeftTra1, given.LeftClipPosTra1, mate.LeftClipPosTra1) &&
				anchorsMatch(given.ChrnameRightTra1, mate.ChrnameRightTra1, given.RightClipPosTra1, mate.RightClipPosTra1) &&
				anchorsMatch(given.ChrnameLeftTra2, mate.ChrnameLeftTra2, given.LeftClipPosTra2, mate.LeftClipPosTra2) &&
				anchorsMatch(given.ChrnameRightTra2, mate.ChrnameRightTra2, given.RightClipPosTra2, mate.RightClipPosTra2) {
				return mate, c
			}
		}
	}
	return nil, nil
}

// removeOverlappedIndelFromMateClipReg re-applies indel/SNV suppression
// across chromosomes: a mated record anchored on chromosome j can cover
// territory that chromosome i's blocks called indels in.
func removeOverlappedIndelFromMateClipReg(chromes []*chrome) {
	for i, c := range chromes {
		for j, other := range chromes {
			if i == j {
				continue
			}
			c.removeFPIndelSnvInClipReg(other.mateClipRegs, &other.arena)
		}
	}
}
