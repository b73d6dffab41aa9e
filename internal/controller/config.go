// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/perfvec/bbtrace/internal/controller"

import (
	"flag"
	"fmt"
	"runtime"
)

// Config carries the CLI configuration of one bbtrace run.
type Config struct {
	// Inputs are the IR assembly modules to process.
	Inputs []string
	// Output is the rewritten module path; only valid with a single input.
	Output string
	// Suffix is appended to each input path to form its output path when
	// Output is unset.
	Suffix string
	// Passes is the pipeline description, e.g. "bb-trace".
	Passes string
	// Jobs bounds how many modules are processed concurrently.
	Jobs int
	// DumpMap names an ELF image whose trace sections are printed instead
	// of processing modules.
	DumpMap string
	// Verbose enables debug logging.
	Verbose bool
	// Version requests version output and exit.
	Version bool

	// Fs is the flag set the config was parsed from, used for usage output.
	Fs *flag.FlagSet
}

// Validate checks the configuration for consistency and applies defaults.
func (cfg *Config) Validate() error {
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("no input modules")
	}
	if cfg.Output != "" && len(cfg.Inputs) > 1 {
		return fmt.Errorf("-o is only valid with a single input module")
	}
	if cfg.Suffix == "" && cfg.Output == "" {
		return fmt.Errorf("output suffix must not be empty")
	}
	if cfg.Passes == "" {
		return fmt.Errorf("empty pass pipeline")
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.GOMAXPROCS(0)
	}
	return nil
}

// outputPath resolves the output file for one input module.
func (cfg *Config) outputPath(input string) string {
	if cfg.Output != "" {
		return cfg.Output
	}
	return input + cfg.Suffix
}
