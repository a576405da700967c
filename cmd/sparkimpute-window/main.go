// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command sparkimpute-window runs the per-window imputation core
// end-to-end against a bref3 reference panel, a genetic map, and a
// gob-encoded target-genotype fixture (spec §6.3). Slicing the genome
// into windows, VCF text I/O, and distributing windows across a
// cluster remain the orchestrator's job (spec §1 non-goals); this
// binary drives exactly one window, the unit the core actually
// implements.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/debug"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	impute "github.com/NGSeq/sparkimpute"
)

func init() {
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(30)
	}
}

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrusTextFormatter()
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func logrusTextFormatter() {
	log.StandardLogger().Formatter = &log.TextFormatter{DisableTimestamp: true}
}

func run(args []string, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("sparkimpute-window", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	brefPath := flags.String("ref", "", "bref3 reference panel `file`")
	mapPath := flags.String("map", "", "genetic map `file`")
	targetPath := flags.String("target", "", "gob-encoded target-genotype fixture `file`")
	targetGz := flags.Bool("target-gz", false, "target fixture is pgzip-compressed")
	outPath := flags.String("out", "-", "output `file` (gob-encoded WindowOutput; \"-\" for stdout)")
	outGz := flags.Bool("out-gz", false, "pgzip-compress the output")
	chromName := flags.String("chrom", "", "chromosome `name` to impute (must appear in the reference panel)")
	nStates := flags.Int("states", 1600, "max reference copying states per sample (K)")
	nIter := flags.Int("iterations", 4, "Gibbs-style refinement iterations")
	alleleErr := flags.Float64("err", 1e-4, "allele mismatch (error) probability")
	rho := flags.Float64("rho", 0.04, "recombination scale per cM")
	fMin := flags.Float64("f-min", 1e-4, "minimum allele frequency floor")
	seed := flags.Int64("seed", 1, "base RNG seed")
	nThreads := flags.Int("threads", 0, "per-sample worker goroutines (0 = GOMAXPROCS)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *brefPath == "" || *mapPath == "" || *targetPath == "" {
		err = fmt.Errorf("sparkimpute-window: -ref, -map, and -target are required")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	chroms := impute.NewChromTable()

	brefFile, err := os.Open(*brefPath)
	if err != nil {
		return 1
	}
	defer brefFile.Close()
	header, err := impute.ReadBrefHeader(brefFile)
	if err != nil {
		return 1
	}
	refRecs, err := impute.ReadBrefBlocks(brefFile, chroms, len(header.SampleIDs), nil)
	if err != nil {
		return 1
	}
	if len(refRecs) == 0 {
		err = fmt.Errorf("sparkimpute-window: reference panel contained no markers")
		return 1
	}
	ms := make([]impute.Marker, len(refRecs))
	for i, r := range refRecs {
		ms[i] = *r.Marker()
	}
	mk := impute.NewMarkers(ms)

	mapFile, err := os.Open(*mapPath)
	if err != nil {
		return 1
	}
	defer mapFile.Close()
	gm, err := impute.ParseGeneticMap(mapFile, chroms)
	if err != nil {
		return 1
	}

	targetFile, err := os.Open(*targetPath)
	if err != nil {
		return 1
	}
	defer targetFile.Close()
	fixture, err := impute.ReadTargetFixture(targetFile, *targetGz)
	if err != nil {
		return 1
	}

	chrom := chroms.Intern(*chromName)
	log.Infof("imputing chrom=%s markers=%d refHaps=%d targetSamples=%d", *chromName, mk.Len(), refRecs[0].NHaps(), len(fixture.Genotypes))

	cfg := impute.DefaultWindowConfig()
	cfg.NStates = *nStates
	cfg.NIter = *nIter
	cfg.Err = *alleleErr
	cfg.Rho = *rho
	cfg.FMin = *fMin
	cfg.Seed = *seed
	cfg.NThreads = *nThreads

	result, err := impute.ImputeWindow(context.Background(), mk, chrom, gm, refRecs, fixture.Genotypes, cfg)
	if err != nil {
		return 1
	}

	out := &impute.WindowOutput{
		SampleIDs: fixture.SampleIDs,
		Markers:   fixture.Markers,
		Posterior: result.Posterior,
		Dosage:    result.Dosage,
	}

	var outWriter io.Writer = stdout
	if *outPath != "-" {
		f, ferr := os.Create(*outPath)
		if ferr != nil {
			err = ferr
			return 1
		}
		defer f.Close()
		outWriter = f
	}
	if err = impute.WriteWindowOutput(outWriter, *outGz, out); err != nil {
		return 1
	}
	return 0
}
