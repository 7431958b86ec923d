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

// Detection thresholds.  The window geometry and mis-alignment constants
// come straight from the detection model: windows are 3 slide-sizes wide and
// a window run only counts as a mis-alignment artifact when it is long
// enough and clip-free.
const (
	defaultBlockSize = 1000000
	defaultSlideSize = 500

	// minIndelEventSize is the floor for the estimated indel size filters.
	minIndelEventSize = 2
	// minIndelEventNum is the floor for the estimated indel/clip count
	// filters.
	minIndelEventNum = 5

	// subMisAlnRegRatioThres is the minimum mid-window disagreement ratio
	// for a mis-align candidate window.
	subMisAlnRegRatioThres = 0.6
	// minMisAlnRegNumThres is the minimum number of candidate windows in a
	// committed mis-align run.
	minMisAlnRegNumThres = 5
	// gappedMisAlnRegNumThres is the number of consecutive non-candidate
	// windows a run tolerates.
	gappedMisAlnRegNumThres = 2

	// maxClipRegSize bounds the separation of a same-chromosome mated clip
	// pair.
	maxClipRegSize = 10000
	// clipEndExtendSize pads clip regions when testing overlap against indel
	// candidates and when matching TRA anchors across chromosomes.
	clipEndExtendSize = 100
	// clipRegMergeDist bridges nearby high-clip positions into one region.
	clipRegMergeDist = 100

	// minDisagreeNumThres is the minimum non-reference base count for a
	// position to count as a disagreement.
	minDisagreeNumThres = 2
	// conIndelNoiseRatio is the consensus-indel ratio above which a position
	// counts as a disagreement.
	conIndelNoiseRatio = 0.1
	// indelGapMergeDist bridges nearby indel-evidence positions into one
	// candidate region.
	indelGapMergeDist = 5

	// snvRatioThres and minSNVAltNum gate SNV emission.
	snvRatioThres = 0.3
	minSNVAltNum  = 3
)

// Opts configures the detect phase.  The size and count filters are
// normally produced by the estimation pass; when EstimateParams is set, the
// estimated values replace whatever the filter fields hold.
type Opts struct {
	// BamIndexPath names the BAM index; "" defaults to bamPath + ".bai".
	BamIndexPath string
	// Region restricts detection to one contig, "chr" or "chr:start-end"
	// (1-based).  Only the contig name is used; a start-end range does not
	// narrow the scanned blocks.
	Region string
	// OutDir is the detect output root.
	OutDir string

	BlockSize int
	SlideSize int
	// MinSVSize is the smallest candidate worth reporting.
	MinSVSize int

	// Event-size filters: indel events below these sizes are folded into the
	// short-indel counters.  Estimated when EstimateParams is set.
	MinInsSizeFilt int
	MinDelSizeFilt int
	MinClipSizeFilt int
	// Event-count filters: the per-base support needed before indel or clip
	// evidence contributes a candidate.
	MinInsNumFilt  int
	MinDelNumFilt  int
	MinClipNumFilt int

	// MaskMisAlnReg enables the mis-alignment window filter.
	MaskMisAlnReg bool
	// MaxReadSpan bounds the reference span of a single read; it sets the
	// block fetch padding so reads starting before a block still contribute.
	MaxReadSpan int
	// EstimateParams runs the histogram estimation pass before detection to
	// fill the size/count filters.
	EstimateParams bool
	// Parallelism caps concurrent block workers; 0 means runtime.NumCPU().
	Parallelism int
}

// DefaultOpts is the baseline configuration.
var DefaultOpts = Opts{
	OutDir:          "1_candidates",
	BlockSize:       defaultBlockSize,
	SlideSize:       defaultSlideSize,
	MinSVSize:       2,
	MinInsSizeFilt:  minIndelEventSize,
	MinDelSizeFilt:  minIndelEventSize,
	MinClipSizeFilt: minIndelEventSize,
	MinInsNumFilt:   minIndelEventNum,
	MinDelNumFilt:   minIndelEventNum,
	MinClipNumFilt:  minIndelEventNum,
	MaskMisAlnReg:   true,
	MaxReadSpan:     50000,
	EstimateParams:  true,
}
