// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/perfvec/bbtrace/datalayout"
)

// Section names of the loader-visible artifacts.
const (
	MapSectionName  = ".bbtrace_map"
	InstSectionName = ".bbtrace_inst"
)

const (
	pcMapGlobalName  = RuntimePrefix + "pcmap"
	compilerUsedName = "llvm.compiler.used"
)

// emitPCMap appends the block-level PC map: a private constant array of
// {i32 func_id, i32 bb_id, intptr address} in the .bbtrace_map section,
// pointer-aligned and pinned through link-time dead stripping.
func emitPCMap(m *ir.Module, dl *datalayout.Layout, entries []pcEntry) {
	if len(entries) == 0 {
		return
	}
	intptr := types.NewInt(uint64(dl.PointerSizeBits(0)))
	entryTy := types.NewStruct(types.I32, types.I32, intptr)

	elems := make([]constant.Constant, 0, len(entries))
	for _, e := range entries {
		elems = append(elems, constant.NewStruct(entryTy,
			constI32(e.funcID), constI32(e.bbID),
			constant.NewPtrToInt(e.addr, intptr)))
	}
	arrTy := types.NewArray(uint64(len(elems)), entryTy)

	g := m.NewGlobalDef(pcMapGlobalName, constant.NewArray(arrTy, elems...))
	g.Immutable = true
	g.Linkage = enum.LinkagePrivate
	g.Section = MapSectionName
	g.Align = ir.Align(dl.PointerSize())
	appendToCompilerUsed(m, g)
}

// appendToCompilerUsed adds g to llvm.compiler.used, merging with an
// existing entry list.
func appendToCompilerUsed(m *ir.Module, g *ir.Global) {
	var elems []constant.Constant
	for i, existing := range m.Globals {
		if existing.Name() != compilerUsedName {
			continue
		}
		if arr, ok := existing.Init.(*constant.Array); ok {
			elems = append(elems, arr.Elems...)
		}
		m.Globals = append(m.Globals[:i], m.Globals[i+1:]...)
		break
	}
	elems = append(elems, pointerCast(g, types.I8Ptr))

	arrTy := types.NewArray(uint64(len(elems)), types.I8Ptr)
	used := m.NewGlobalDef(compilerUsedName, constant.NewArray(arrTy, elems...))
	used.Linkage = enum.LinkageAppending
	used.Section = "llvm.metadata"
}

// instPCAsm builds the sideeffect inline assembly that pushes one inst-PC
// record into .bbtrace_inst and plants the local label whose relocation
// becomes the instrumented instruction's PC in the final image. The asm must
// sit at the instrumentation site itself so later code motion cannot
// separate record and instruction.
func instPCAsm(funcID, bbID, instID uint32) *ir.InstCall {
	tmpl := fmt.Sprintf(".pushsection %s,\"a\",@progbits\n"+
		".long %d\n.long %d\n.long %d\n.long 0\n.quad 1f\n.popsection\n1:\n",
		InstSectionName, funcID, bbID, instID)
	asm := ir.NewInlineAsm(types.NewPointer(types.NewFunc(types.Void)), tmpl, "")
	asm.SideEffect = true
	return ir.NewCall(asm)
}
