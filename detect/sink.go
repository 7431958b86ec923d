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
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// misAlnWriter appends committed mis-align windows to the per-chromosome
// mis-align file.  Blocks run in parallel, so writes are mutex-guarded.
type misAlnWriter struct {
	mu sync.Mutex
	f  file.File
	w  *tsv.Writer
}

func newMisAlnWriter(ctx context.Context, outDir, chrname string) (*misAlnWriter, error) {
	f, err := file.Create(ctx, filepath.Join(outDir, chrname+"_misaln_reg"))
	if err != nil {
		return nil, errors.E(err, "cannot create mis-align region file")
	}
	return &misAlnWriter{f: f, w: tsv.NewWriter(f.Writer(ctx))}, nil
}

func (mw *misAlnWriter) write(chrname string, startPos, endPos int64, disagrRatio float64, highClipBaseNum int) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.w.WriteString(chrname)
	mw.w.WriteString(strconv.FormatInt(startPos, 10))
	mw.w.WriteString(strconv.FormatInt(endPos, 10))
	mw.w.WriteString(strconv.FormatFloat(disagrRatio, 'g', 6, 64))
	mw.w.WriteString(strconv.Itoa(highClipBaseNum))
	return mw.w.EndLine()
}

func (mw *misAlnWriter) close(ctx context.Context) error {
	if err := mw.w.Flush(); err != nil {
		return err
	}
	return mw.f.Close(ctx)
}

// saveToFile writes the block's three candidate BEDs under the chromosome
// working directory.  These are pre-reconciliation snapshots; the
// chromosome-level candidate files are written after mate-clip suppression.
func (b *block) saveToFile(ctx context.Context) (err error) {
	write := func(prefix string, fn func(w *tsv.Writer) error) error {
		path := filepath.Join(b.outDir, prefix+"_"+b.rangeName()+".bed")
		f, err := file.Create(ctx, path)
		if err != nil {
			return errors.E(err, "cannot create candidate file", path)
		}
		defer file.CloseAndReport(ctx, f, &err)
		w := tsv.NewWriter(f.Writer(ctx))
		if err = fn(w); err != nil {
			return err
		}
		return w.Flush()
	}
	if err = write("indel_cand", func(w *tsv.Writer) error {
		return writeRegLines(w, b.indels)
	}); err != nil {
		return err
	}
	if err = write("snv_cand", func(w *tsv.Writer) error {
		return writeSNVLines(w, b.chrname, b.snvs)
	}); err != nil {
		return err
	}
	return write("clipReg_cand", func(w *tsv.Writer) error {
		return writeRegLines(w, b.clipRegs)
	})
}

func writeRegLines(w *tsv.Writer, regs []Reg) error {
	for i := range regs {
		w.WriteString(regs[i].Chrname)
		w.WriteString(strconv.FormatInt(regs[i].StartRefPos, 10))
		w.WriteString(strconv.FormatInt(regs[i].EndRefPos, 10))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func writeSNVLines(w *tsv.Writer, chrname string, snvs []int64) error {
	for _, pos := range snvs {
		w.WriteString(chrname)
		w.WriteString(strconv.FormatInt(pos, 10))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

// saveDetectResult writes the chromosome-level candidate files from the
// post-reconciliation in-memory state: <chr>_INDEL_candidate,
// <chr>_SNV_candidate, and <chr>_clipReg_candidate.
func (c *chrome) saveDetectResult(ctx context.Context) (err error) {
	write := func(path string, fn func(w *tsv.Writer) error) error {
		f, err := file.Create(ctx, path)
		if err != nil {
			return errors.E(err, "cannot create candidate file", path)
		}
		defer file.CloseAndReport(ctx, f, &err)
		w := tsv.NewWriter(f.Writer(ctx))
		if err = fn(w); err != nil {
			return err
		}
		return w.Flush()
	}

	if err = write(filepath.Join(c.opts.OutDir, c.chrname+"_INDEL_candidate"), func(w *tsv.Writer) error {
		for _, b := range c.blocks {
			if err := writeRegLines(w, b.indels); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err = write(filepath.Join(c.opts.OutDir, c.chrname+"_SNV_candidate"), func(w *tsv.Writer) error {
		for _, b := range c.blocks {
			if err := writeSNVLines(w, c.chrname, b.snvs); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return write(filepath.Join(c.opts.OutDir, c.chrname+"_clipReg_candidate"), func(w *tsv.Writer) error {
		for _, mate := range c.mateClipRegs {
			w.WriteString(formatMateClipLine(mate, &c.arena))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

// saveBlocksToFile writes the chromosome's block tiling as a BED manifest
// for the downstream phases.
func (c *chrome) saveBlocksToFile(ctx context.Context) (err error) {
	path := filepath.Join(c.opts.OutDir, c.chrname+"_blocks.bed")
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "cannot create block manifest", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	w := tsv.NewWriter(f.Writer(ctx))
	for _, b := range c.blocks {
		w.WriteString(b.chrname)
		w.WriteString(strconv.FormatInt(b.startPos, 10))
		w.WriteString(strconv.FormatInt(b.endPos, 10))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// formatMateClipLine renders one mate-clip record as the 14 TAB-separated
// fields (13 TABs) of the clipReg candidate format.  A missing side renders as "-" in each of
// its three coordinate slots; only duplications carry a copy number.
func formatMateClipLine(mate *MateClipReg, arena *RegArena) string {
	var sb strings.Builder
	side := func(reg *Reg) {
		if reg != nil {
			fmt.Fprintf(&sb, "%s\t%d\t%d", reg.Chrname, reg.StartRefPos, reg.EndRefPos)
		} else {
			sb.WriteString("-\t-\t-")
		}
	}
	side(arena.Get(mate.LeftClipReg))
	sb.WriteByte('\t')
	side(arena.Get(mate.RightClipReg))
	if mate.RegMated {
		sb.WriteString("\t1")
	} else {
		sb.WriteString("\t0")
	}
	fmt.Fprintf(&sb, "\t####\t%d\t%d\t%s", mate.LeftMeanClipPos, mate.RightMeanClipPos, mate.SVType)
	if mate.SVType == VarDup {
		fmt.Fprintf(&sb, "\t%d", mate.DupNum)
	} else {
		sb.WriteString("\t-")
	}
	fmt.Fprintf(&sb, "\t%d\t%d", mate.LeftClipPosNum, mate.RightClipPosNum)
	return sb.String()
}

// ParseMateClipLine reconstructs a mate-clip record from one line of a
// clipReg candidate file, allocating its side regions in arena.  The
// downstream phases reload detect output through this.
func ParseMateClipLine(line string, arena *RegArena) (*MateClipReg, error) {
	// 13 TABs: 14 columns.
	fields := strings.Split(line, "\t")
	if len(fields) != 14 {
		return nil, fmt.Errorf("detect.ParseMateClipLine: %d columns in %q, want 14", len(fields), line)
	}
	if fields[7] != "####" {
		return nil, fmt.Errorf("detect.ParseMateClipLine: missing #### separator in %q", line)
	}
	mate := &MateClipReg{
		LeftClipReg:      NoReg,
		LeftClipReg2:     NoReg,
		RightClipReg:     NoReg,
		RightClipReg2:    NoReg,
		Valid:            true,
		LeftClipPosTra1:  -1,
		RightClipPosTra1: -1,
		LeftClipPosTra2:  -1,
		RightClipPosTra2: -1,
	}
	parseSide := func(chr, startStr, endStr string) (RegID, error) {
		if chr == "-" {
			return NoReg, nil
		}
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return NoReg, err
		}
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return NoReg, err
		}
		return arena.Add(newReg(chr, start, end)), nil
	}
	var err error
	if mate.LeftClipReg, err = parseSide(fields[0], fields[1], fields[2]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: left side of %q: %v", line, err)
	}
	if mate.RightClipReg, err = parseSide(fields[3], fields[4], fields[5]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: right side of %q: %v", line, err)
	}
	if mate.LeftClipReg != NoReg {
		mate.LeftClipRegNum = 1
	}
	if mate.RightClipReg != NoReg {
		mate.RightClipRegNum = 1
	}
	mate.RegMated = fields[6] != "0"
	parseNum := func(s string) (int64, error) {
		if s == "-" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	var n int64
	if n, err = parseNum(fields[8]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: left mean clip pos of %q: %v", line, err)
	}
	mate.LeftMeanClipPos = n
	if n, err = parseNum(fields[9]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: right mean clip pos of %q: %v", line, err)
	}
	mate.RightMeanClipPos = n
	svType, ok := ParseVarType(fields[10])
	if !ok {
		return nil, fmt.Errorf("detect.ParseMateClipLine: bad sv type %q", fields[10])
	}
	mate.SVType = svType
	if n, err = parseNum(fields[11]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: dup num of %q: %v", line, err)
	}
	mate.DupNum = int32(n)
	if n, err = parseNum(fields[12]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: left clip pos num of %q: %v", line, err)
	}
	mate.LeftClipPosNum = int32(n)
	if n, err = parseNum(fields[13]); err != nil {
		return nil, fmt.Errorf("detect.ParseMateClipLine: right clip pos num of %q: %v", line, err)
	}
	mate.RightClipPosNum = int32(n)
	return mate, nil
}
