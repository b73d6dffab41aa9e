// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller drives the bbtrace tool: it parses each input module,
// runs the configured pass pipeline over it and writes the rewritten module
// back out. Modules are independent; the controller processes them
// concurrently while each pass invocation stays single-threaded.
package controller // import "github.com/perfvec/bbtrace/internal/controller"

import (
	"context"
	"fmt"
	"os"

	"github.com/llir/llvm/asm"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perfvec/bbtrace/pipeline"
)

// Controller runs one configured bbtrace invocation.
type Controller struct {
	config *Config
}

// New creates a controller. The configuration must have been validated.
func New(cfg *Config) *Controller {
	return &Controller{config: cfg}
}

// Run processes all input modules and returns the first error encountered.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Jobs)
	for _, input := range c.config.Inputs {
		input := input
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.processModule(input)
		})
	}
	return g.Wait()
}

// processModule runs the pipeline over a single module. Pass instances are
// constructed per module so no state leaks between concurrent invocations.
func (c *Controller) processModule(input string) error {
	m, err := asm.ParseFile(input)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", input, err)
	}
	if m.SourceFilename == "" {
		m.SourceFilename = input
	}

	passes, err := pipeline.Parse(c.config.Passes)
	if err != nil {
		return err
	}
	modified, err := pipeline.Run(m, passes)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}

	out := c.config.outputPath(input)
	if err := os.WriteFile(out, []byte(m.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	log.Debugf("%s: %d passes, modified=%t, wrote %s",
		input, len(passes), modified, out)
	return nil
}
