// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracepass implements the bb-trace module pass: it assigns dense
// identifiers to every function and basic block of a module, injects runtime
// trace hooks, writes the per-block static descriptor file and embeds the
// loader-visible PC maps into the module.
package tracepass // import "github.com/perfvec/bbtrace/tracepass"

import (
	"github.com/llir/llvm/ir"
	log "github.com/sirupsen/logrus"

	"github.com/perfvec/bbtrace/bbinfo"
	"github.com/perfvec/bbtrace/datalayout"
)

// PassName is the name the pass registers under in the pipeline parser.
const PassName = "bb-trace"

// Pass instruments one module per Run invocation. The zero value is an
// instrumenting pass; New picks up the process-wide static-only mode.
type Pass struct {
	// ModuleID overrides the module identifier that determines the
	// descriptor file location and the registered module name. Defaults to
	// the module's source filename.
	ModuleID string
	// StaticOnly suppresses all IR mutation. Identifier allocation,
	// descriptor emission and the PC map are unaffected by the mode.
	StaticOnly bool
}

// New returns a pass configured from the environment.
func New() *Pass {
	return &Pass{StaticOnly: StaticOnly()}
}

// Name implements the pipeline pass interface.
func (p *Pass) Name() string {
	return PassName
}

// Run processes the module. It always reports the module as modified. In
// either mode the PC map global is appended when the module has at least one
// eligible block; a module without eligible blocks gets no PC map.
func (p *Pass) Run(m *ir.Module) (bool, error) {
	moduleID := p.ModuleID
	if moduleID == "" {
		moduleID = m.SourceFilename
	}
	if moduleID == "" {
		moduleID = "module"
	}
	dl := datalayout.Parse(m.DataLayout)

	var hk *hooks
	if !p.StaticOnly {
		ensureCtorDtor(m, moduleID)
		hk = declareHooks(m)
	}

	var records []bbinfo.Block
	var pcs []pcEntry

	// The function list grows while instrumenting (ctor/dtor, hook
	// declarations); walk a snapshot. Everything the pass adds is either a
	// declaration or reserved-prefixed and thus ineligible anyway.
	funcs := append([]*ir.Func(nil), m.Funcs...)
	var funcID uint32
	for _, f := range funcs {
		if !eligible(f) {
			continue
		}
		newFuncInst(m, dl, hk, f, funcID).run(&records, &pcs)
		funcID++
	}

	// Descriptor I/O failure must not fail the compile; the binary
	// artifacts are unaffected.
	if err := bbinfo.Write(moduleID, records); err != nil {
		log.Warnf("bb-trace: skipping static descriptor for %s: %v", moduleID, err)
	}

	emitPCMap(m, dl, pcs)
	return true, nil
}
