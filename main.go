// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// bbtrace instruments LLVM IR modules at basic-block granularity: it
// assigns dense function/block identifiers, injects the trace runtime's
// hook calls, writes per-block static descriptors and embeds the
// .bbtrace_map / .bbtrace_inst address maps consumed by PC-based profilers
// and cycle-level simulators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/perfvec/bbtrace/elfmap"
	"github.com/perfvec/bbtrace/internal/controller"
	"github.com/perfvec/bbtrace/pipeline"
	"github.com/perfvec/bbtrace/tracepass"
	"github.com/perfvec/bbtrace/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func registerPasses() {
	pipeline.Register(tracepass.PassName, func() pipeline.Pass {
		return tracepass.New()
	})
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

func mainWithExitCode() exitCode {
	registerPasses()

	cfg, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("bbtrace, version %s (revision: %s), built at %s\n",
			vc.Version(), vc.Revision(), vc.BuildTimestamp())
		return exitSuccess
	}

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.DumpMap != "" {
		return dumpMap(cfg.DumpMap)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000000",
	})

	if err := cfg.Validate(); err != nil {
		cfg.Fs.Usage()
		return parseError("%v", err)
	}

	if tracepass.StaticOnly() {
		log.Infof("%s is set: running in static-only mode", tracepass.StaticOnlyEnvVar)
	}

	// Context to drive graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer cancel()

	if err := controller.New(cfg).Run(ctx); err != nil {
		return failure("Failed to process modules: %v", err)
	}
	log.Debugf("Processed %d module(s)", len(cfg.Inputs))
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

// dumpMap prints the trace sections of a linked image, one entry per line.
func dumpMap(path string) exitCode {
	m, err := elfmap.Open(path)
	if err != nil {
		return failure("Failed to read trace sections: %v", err)
	}
	for _, e := range m.Blocks() {
		fmt.Printf("func_id=%d\tbb_id=%d\taddr=0x%016x\n", e.FuncID, e.BbID, e.Addr)
	}
	for _, e := range m.Insts() {
		fmt.Printf("func_id=%d\tbb_id=%d\tinst_id=%d\tpc=0x%016x\n",
			e.FuncID, e.BbID, e.InstID, e.PC)
	}
	return exitSuccess
}
