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

// misAlnReg is one mid-window flagged by the mis-alignment sweep.  A window
// is a mis-align candidate when its disagreement ratio is high and no base
// carries heavy clipping; clipping evidence argues for a real SV, so it
// protects the window.
type misAlnReg struct {
	startPos        int64
	endPos          int64
	disagrRegRatio  float64
	highClipBaseNum int
	misAlnFlag      bool
}

func (m *misAlnReg) isCandidate() bool {
	return m.disagrRegRatio >= subMisAlnRegRatioThres && m.highClipBaseNum == 0
}

// extractMisAlnRuns sweeps the per-window candidates into runs: a run
// extends through consecutive candidate windows, tolerating up to
// gappedMisAlnRegNumThres non-candidate windows, and commits when it holds
// at least minMisAlnRegNumThres candidates.  A run cut short by the block
// end commits under the same minimum.  Only committed windows survive.
func extractMisAlnRuns(regs []misAlnReg) []misAlnReg {
	for i := range regs {
		regs[i].misAlnFlag = false
	}
	i := 0
	for i < len(regs) {
		if regs[i].disagrRegRatio < subMisAlnRegRatioThres {
			i++
			continue
		}
		commit := false
		contiguousNum, gappedNum := 0, 0
		for j := i; j < len(regs); j++ {
			if regs[j].isCandidate() {
				if gappedNum <= gappedMisAlnRegNumThres {
					contiguousNum += gappedNum
				}
				gappedNum = 0
				contiguousNum++
			} else {
				gappedNum++
				if gappedNum > gappedMisAlnRegNumThres {
					if contiguousNum >= minMisAlnRegNumThres {
						commit = true
					}
					break
				}
			}
		}
		if !commit && contiguousNum >= minMisAlnRegNumThres {
			commit = true
		}
		if commit {
			for j := 0; j < contiguousNum && i+j < len(regs); j++ {
				if regs[i+j].highClipBaseNum == 0 {
					regs[i+j].misAlnFlag = true
				}
			}
		}
		i += contiguousNum + gappedNum
		if contiguousNum+gappedNum == 0 {
			i++
		}
	}
	out := regs[:0]
	for _, m := range regs {
		if m.misAlnFlag {
			out = append(out, m)
		}
	}
	return out
}
