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

package alnseg

import (
	"fmt"
	"strconv"
)

// mdSeg is one run of the MD aux string: a match run (op OpMatch, len from
// the decimal count), a 1-base mismatch (op OpMismatch, seq is the reference
// base), or a deletion (op OpDel, seq is the deleted reference sequence,
// introduced by '^').
type mdSeg struct {
	seq string
	op  Op
	len int32
}

// parseMD splits an MD string like "10A5^AC6" into segments.  Zero-length
// match runs, which samtools emits around deletions, are dropped.
func parseMD(md string) ([]mdSeg, error) {
	var segs []mdSeg
	i := 0
	for i < len(md) {
		c := md[i]
		switch {
		case c == '^':
			i++
			j := i
			for j < len(md) && isAlpha(md[j]) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("parseMD: deletion with no bases in %q: %w", md, ErrAlignmentCorrupt)
			}
			segs = append(segs, mdSeg{seq: md[i:j], op: OpDel, len: int32(j - i)})
			i = j
		case c >= '0' && c <= '9':
			j := i
			for j < len(md) && md[j] >= '0' && md[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(md[i:j])
			if err != nil {
				return nil, fmt.Errorf("parseMD: bad match count in %q: %w", md, ErrAlignmentCorrupt)
			}
			if n > 0 {
				segs = append(segs, mdSeg{seq: md[i:j], op: OpMatch, len: int32(n)})
			}
			i = j
		case isAlpha(c):
			if i+1 < len(md) && isAlpha(md[i+1]) {
				return nil, fmt.Errorf("parseMD: run of substituted bases in %q: %w", md, ErrAlignmentCorrupt)
			}
			segs = append(segs, mdSeg{seq: md[i : i+1], op: OpMismatch, len: 1})
			i++
		default:
			return nil, fmt.Errorf("parseMD: unexpected byte %q in %q: %w", c, md, ErrAlignmentCorrupt)
		}
	}
	return segs, nil
}

func isAlpha(b byte) bool {
	return ('A' <= b && b <= 'Z') || ('a' <= b && b <= 'z')
}
