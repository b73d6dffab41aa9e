// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/perfvec/bbtrace/internal/controller"
	"github.com/perfvec/bbtrace/tracepass"
)

const (
	defaultArgSuffix = ".bbtrace.ll"
	defaultArgPasses = tracepass.PassName
)

// Help strings for command line arguments
var (
	dumpMapHelp = "Decode the .bbtrace_map and .bbtrace_inst sections of the " +
		"given ELF image and print their entries."
	outputHelp = "Write the rewritten module to this path. " +
		"Only valid with a single input module."
	suffixHelp = "Suffix appended to each input path to form its output path."
	passesHelp = "Comma-separated pass pipeline to run over each module."
	jobsHelp   = "Number of modules to process concurrently. " +
		"Defaults to the number of CPUs."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("bbtrace", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.DumpMap, "dump-map", "", dumpMapHelp)

	fs.IntVar(&args.Jobs, "jobs", 0, jobsHelp)

	fs.StringVar(&args.Output, "o", "", outputHelp)

	fs.StringVar(&args.Passes, "passes", defaultArgPasses, passesHelp)

	fs.StringVar(&args.Suffix, "suffix", defaultArgSuffix, suffixHelp)

	fs.BoolVar(&args.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.Verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] module.ll...\n", fs.Name())
		fs.PrintDefaults()
	}

	args.Fs = fs

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BBTRACE"))
	args.Inputs = fs.Args()
	return &args, err
}
