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
package main

/*
bio-sv-detect is the detect phase of a long-read structural variant caller:
it scans a coordinate-sorted BAM against an indexed reference and writes
per-chromosome indel, SNV, and mate-clip candidate region files for the
downstream assemble and call phases.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/sv/detect"
)

var (
	bamIndexPath = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	region       = flag.String("region", "", "Restrict detection to the specified contig, as <contig ID> or <contig ID>:<1-based first pos>-<last pos>")
	outDir       = flag.String("out-dir", detect.DefaultOpts.OutDir, "Output directory for candidate files")
	blockSize    = flag.Int("block-size", detect.DefaultOpts.BlockSize, "Reference block size processed as one parallel unit")
	slideSize    = flag.Int("slide-size", detect.DefaultOpts.SlideSize, "Window slide size; windows are three slides wide")
	minSVSize    = flag.Int("min-sv-size", detect.DefaultOpts.MinSVSize, "Minimum candidate SV size")
	maskMisAln   = flag.Bool("mask-misaln", detect.DefaultOpts.MaskMisAlnReg, "Mask mis-alignment artifact windows")
	maxReadSpan  = flag.Int("max-read-span", detect.DefaultOpts.MaxReadSpan, "Upper bound on the reference span of a single read")
	noEstimate   = flag.Bool("no-estimate", false, "Skip threshold estimation and use the built-in size/count filters")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of simultaneous block workers; 0 = runtime.NumCPU()")
)

func bioSVDetectUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath fapath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bioSVDetectUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 2 {
		if nPositionalArgs < 2 {
			log.Fatalf("Missing positional arguments (bampath and fapath required); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		} else {
			log.Fatalf("Too many positional arguments (only bampath and fapath expected); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		}
	}
	ctx := vcontext.Background()
	opts := detect.DefaultOpts
	opts.BamIndexPath = *bamIndexPath
	opts.Region = *region
	opts.OutDir = *outDir
	opts.BlockSize = *blockSize
	opts.SlideSize = *slideSize
	opts.MinSVSize = *minSVSize
	opts.MaskMisAlnReg = *maskMisAln
	opts.MaxReadSpan = *maxReadSpan
	opts.EstimateParams = !*noEstimate
	opts.Parallelism = *parallelism
	if err := detect.Detect(ctx, positionalArgs[0], positionalArgs[1], &opts, nil); err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}
