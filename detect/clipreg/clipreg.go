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

// Package clipreg analyzes a high-clip interval: where do the reads clipped
// inside it align elsewhere, and what split-read SV shape does that imply?
// The detect-phase reconciler consumes it through the Analyzer interface; the
// BAM-backed implementation here clusters clip positions on each flank and
// reads the SA aux tags of clipped records to type the pairing.
package clipreg

import (
	"context"
	"sort"
	"strconv"
	"strings"

	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"gonum.org/v1/gonum/stat"
)

// SVType is the split-read interpretation of a mate-clip pairing.
type SVType uint8

const (
	// Uncertain: clip clusters with no usable mate evidence.
	Uncertain SVType = iota
	// Dup: both flanks on one chromosome, same orientation.
	Dup
	// Inv: both flanks on one chromosome, opposite orientation.
	Inv
	// Tra: flanks on different chromosomes.
	Tra
	// Mix: conflicting evidence.
	Mix
)

// Region is one clip cluster flank.
type Region struct {
	Chrname     string
	StartRefPos int64
	EndRefPos   int64
}

// Result describes how the reads clipped in the analyzed interval align
// elsewhere.  A missing flank is nil.
type Result struct {
	LeftRegion       *Region
	RightRegion      *Region
	LeftClipPosNum   int
	RightClipPosNum  int
	LeftMeanClipPos  int64
	RightMeanClipPos int64
	Mated            bool
	SVType           SVType
	DupNum           int
	Valid            bool
}

// Analyzer resolves one clip region into a mate-clip result.  Positions are
// 1-based inclusive.
type Analyzer interface {
	Analyze(ctx context.Context, chrname string, startRefPos, endRefPos, chrlen int64) (Result, error)
}

// Opts configures the BAM-backed analyzer.
type Opts struct {
	// MinClipSize is the smallest clip worth clustering.
	MinClipSize int
	// MinClipPosNum is the support needed on each flank before the flanks
	// pair into a mated record.
	MinClipPosNum int
	// ExtendSize pads the analyzed interval on both sides.
	ExtendSize int
	// PosPad pads the mean clip position into a flank region.
	PosPad int
}

// DefaultOpts is the baseline analyzer configuration.
var DefaultOpts = Opts{
	MinClipSize:   2,
	MinClipPosNum: 3,
	ExtendSize:    100,
	PosPad:        5,
}

// BAMAnalyzer is the production Analyzer; it re-reads the BAM around the
// clip region.
type BAMAnalyzer struct {
	Provider bamprovider.Provider
	Opts     Opts
	refs     map[string]*sam.Reference
}

// NewBAMAnalyzer builds an analyzer over the provider's references.
func NewBAMAnalyzer(prov bamprovider.Provider, opts Opts) (*BAMAnalyzer, error) {
	header, err := prov.GetHeader()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]*sam.Reference, len(header.Refs()))
	for _, ref := range header.Refs() {
		refs[ref.Name()] = ref
	}
	return &BAMAnalyzer{Provider: prov, Opts: opts, refs: refs}, nil
}

// saSeg is one entry of an SA aux tag: the primary home of a clipped-off
// read segment.
type saSeg struct {
	chrname string
	pos     int64
	fwd     bool
}

// Analyze clusters the left-end and right-end clip positions inside the
// padded interval, pairs them, and types the pairing from the SA tags of the
// clipped reads.
func (a *BAMAnalyzer) Analyze(ctx context.Context, chrname string, startRefPos, endRefPos, chrlen int64) (Result, error) {
	ref, ok := a.refs[chrname]
	if !ok {
		return Result{}, nil
	}
	start := startRefPos - int64(a.Opts.ExtendSize)
	if start < 1 {
		start = 1
	}
	end := endRefPos + int64(a.Opts.ExtendSize)
	if end > chrlen {
		end = chrlen
	}
	iter := a.Provider.NewIterator(gbam.Shard{
		StartRef: ref,
		EndRef:   ref,
		Start:    int(start - 1),
		End:      int(end),
		Padding:  0,
	})
	var (
		leftPositions  []float64
		rightPositions []float64
		saSegs         []saSeg
		saCounts       []int
	)
	for iter.Scan() {
		rec := iter.Record()
		if rec.Flags&sam.Unmapped != 0 || len(rec.Cigar) == 0 {
			sam.PutInFreePool(rec)
			continue
		}
		leading, trailing := clipLens(rec.Cigar)
		refStart := int64(rec.Pos) + 1
		refEnd := int64(rec.End())
		clipped := false
		if leading >= a.Opts.MinClipSize && refStart >= start && refStart <= end {
			leftPositions = append(leftPositions, float64(refStart))
			clipped = true
		}
		if trailing >= a.Opts.MinClipSize && refEnd >= start && refEnd <= end {
			rightPositions = append(rightPositions, float64(refEnd))
			clipped = true
		}
		if clipped {
			segs := parseSA(rec)
			if len(segs) > 0 {
				// Record orientation relative to this alignment, so classify
				// sees "same strand" / "opposite strand" directly.
				seg := segs[0]
				seg.fwd = seg.fwd == (rec.Flags&sam.Reverse == 0)
				saSegs = append(saSegs, seg)
				saCounts = append(saCounts, len(segs))
			}
		}
		sam.PutInFreePool(rec)
	}
	if err := iter.Close(); err != nil {
		return Result{}, err
	}

	result := Result{Valid: true, SVType: Uncertain}
	if len(leftPositions) >= a.Opts.MinClipPosNum {
		mean := int64(stat.Mean(leftPositions, nil))
		result.LeftRegion = a.padRegion(chrname, mean, chrlen)
		result.LeftClipPosNum = len(leftPositions)
		result.LeftMeanClipPos = mean
	}
	if len(rightPositions) >= a.Opts.MinClipPosNum {
		mean := int64(stat.Mean(rightPositions, nil))
		result.RightRegion = a.padRegion(chrname, mean, chrlen)
		result.RightClipPosNum = len(rightPositions)
		result.RightMeanClipPos = mean
	}
	if result.LeftRegion == nil && result.RightRegion == nil {
		return Result{}, nil
	}

	if result.LeftRegion != nil && result.RightRegion != nil {
		result.Mated = true
		result.SVType = a.classify(chrname, saSegs)
		if result.SVType == Dup {
			result.DupNum = dupCopyNum(saCounts)
		}
	}
	return result, nil
}

func (a *BAMAnalyzer) padRegion(chrname string, mean, chrlen int64) *Region {
	start := mean - int64(a.Opts.PosPad)
	if start < 1 {
		start = 1
	}
	end := mean + int64(a.Opts.PosPad)
	if end > chrlen {
		end = chrlen
	}
	return &Region{Chrname: chrname, StartRefPos: start, EndRefPos: end}
}

// classify votes over the clipped reads' supplementary homes: same
// chromosome and orientation reads as a duplication, opposite orientation as
// an inversion, another chromosome as a translocation.  Split votes are Mix.
func (a *BAMAnalyzer) classify(chrname string, segs []saSeg) SVType {
	if len(segs) == 0 {
		return Uncertain
	}
	var dup, inv, tra int
	for _, seg := range segs {
		switch {
		case seg.chrname != chrname:
			tra++
		case seg.fwd:
			dup++
		default:
			inv++
		}
	}
	counts := []int{dup, inv, tra}
	types := []SVType{Dup, Inv, Tra}
	best := 0
	for i := 1; i < len(counts); i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	if counts[best]*2 <= len(segs) {
		return Mix
	}
	return types[best]
}

// dupCopyNum estimates the tandem copy count from the median number of
// supplementary segments per read: a read walking through n copies splits
// into about n alignments.
func dupCopyNum(saCounts []int) int {
	if len(saCounts) == 0 {
		return 2
	}
	sorted := append([]int(nil), saCounts...)
	sort.Ints(sorted)
	n := sorted[len(sorted)/2] + 1
	if n < 2 {
		n = 2
	}
	return n
}

func clipLens(cigar sam.Cigar) (leading, trailing int) {
	for i, co := range cigar {
		t := co.Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			continue
		}
		if i == 0 {
			leading = co.Len()
		} else if i == len(cigar)-1 {
			trailing = co.Len()
		}
	}
	return leading, trailing
}

// parseSA decodes the record's SA aux tag ("chr,pos,strand,CIGAR,mapQ,NM;"
// entries).  Malformed entries are skipped; the tag is advisory.
func parseSA(rec *sam.Record) []saSeg {
	aux, ok := rec.Tag([]byte("SA"))
	if !ok {
		return nil
	}
	s, ok := aux.Value().(string)
	if !ok {
		return nil
	}
	var segs []saSeg
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")
		if len(fields) < 3 {
			continue
		}
		pos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		fwd := fields[2] == "+"
		segs = append(segs, saSeg{chrname: fields[0], pos: pos, fwd: fwd})
	}
	return segs
}
