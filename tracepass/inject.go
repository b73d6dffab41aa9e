// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/perfvec/bbtrace/bbinfo"
	"github.com/perfvec/bbtrace/datalayout"
	"github.com/perfvec/bbtrace/loopinfo"
)

// localPrefix names every value the injector materializes so that the
// printed text of original instructions is not renumbered by instrumentation.
const localPrefix = "bbtrace."

// pcEntry is one block of the module-wide PC map.
type pcEntry struct {
	funcID uint32
	bbID   uint32
	addr   constant.Constant
}

// instPlan records the classification of one original instruction: its kind
// and, for non-generic kinds, the per-class dense id.
type instPlan struct {
	kind bbinfo.Kind
	id   uint32
}

// funcInst processes a single eligible function: it allocates ids, captures
// the static descriptor from the unmutated IR and, unless the pass runs
// static-only, rewrites the blocks with hook calls and inst-PC records.
type funcInst struct {
	m      *ir.Module
	dl     *datalayout.Layout
	hk     *hooks
	f      *ir.Func
	funcID uint32

	ids   map[*ir.Block]uint32
	loops *loopinfo.Info

	nextMem    uint32
	nextBranch uint32
	nextCall   uint32
	nextLocal  int
}

func newFuncInst(m *ir.Module, dl *datalayout.Layout, hk *hooks,
	f *ir.Func, funcID uint32) *funcInst {
	fi := &funcInst{m: m, dl: dl, hk: hk, f: f, funcID: funcID, ids: blockIDs(f)}
	if fi.instrumenting() {
		fi.loops = loopinfo.Analyze(f)
	}
	return fi
}

func (fi *funcInst) instrumenting() bool {
	return fi.hk != nil
}

func (fi *funcInst) run(records *[]bbinfo.Block, pcs *[]pcEntry) {
	for _, b := range fi.f.Blocks {
		bbID := fi.ids[b]
		addr := blockEntryAddress(fi.f, b)
		*pcs = append(*pcs, pcEntry{funcID: fi.funcID, bbID: bbID, addr: addr})

		rec, plans, termPlan := fi.collectBlock(b, bbID)
		*records = append(*records, rec)

		if fi.instrumenting() {
			fi.rewriteBlock(b, bbID, addr, plans, termPlan)
		}
	}
}

// collectBlock classifies the block's instructions, allocates inst ids and
// captures the descriptor record. It must run before any mutation so that
// instrumented and static-only builds describe identical IR.
func (fi *funcInst) collectBlock(b *ir.Block, bbID uint32) (bbinfo.Block, []instPlan, *instPlan) {
	rec := bbinfo.Block{
		FuncID:   fi.funcID,
		FuncName: funcDisplayName(fi.f, fi.funcID),
		BbID:     bbID,
		BbName:   blockDisplayName(b, bbID),
		Header:   blockDisplayName(b, bbID) + ":",
	}

	plans := make([]instPlan, len(b.Insts))
	for i, inst := range b.Insts {
		plan := instPlan{kind: bbinfo.KindGeneric}
		switch inst := inst.(type) {
		case *ir.InstLoad:
			plan = instPlan{kind: bbinfo.KindLoad, id: fi.nextMem}
			fi.nextMem++
		case *ir.InstStore:
			plan = instPlan{kind: bbinfo.KindStore, id: fi.nextMem}
			fi.nextMem++
		case *ir.InstCall:
			if isHookableCall(inst) {
				plan = instPlan{kind: bbinfo.KindCall, id: fi.nextCall}
				fi.nextCall++
			}
		}
		plans[i] = plan

		entry := bbinfo.Inst{Text: "  " + inst.LLString(), Kind: plan.kind}
		if plan.kind != bbinfo.KindGeneric {
			entry.InstID = bbinfo.ID(plan.id)
		}
		rec.Insts = append(rec.Insts, entry)
	}

	var termPlan *instPlan
	termEntry := bbinfo.Inst{Text: "  " + b.Term.LLString(), Kind: bbinfo.KindGeneric}
	switch term := b.Term.(type) {
	case *ir.TermBr:
		termPlan = &instPlan{kind: bbinfo.KindBranch, id: fi.nextBranch}
		fi.nextBranch++
		termEntry.Kind = bbinfo.KindBranch
		termEntry.InstID = bbinfo.ID(termPlan.id)
		termEntry.Targets = []uint32{fi.ids[valueBlock(term.Target)]}
	case *ir.TermCondBr:
		termPlan = &instPlan{kind: bbinfo.KindBranch, id: fi.nextBranch}
		fi.nextBranch++
		termEntry.Kind = bbinfo.KindBranch
		termEntry.InstID = bbinfo.ID(termPlan.id)
		termEntry.Targets = []uint32{
			fi.ids[valueBlock(term.TargetTrue)],
			fi.ids[valueBlock(term.TargetFalse)],
		}
	}
	rec.Insts = append(rec.Insts, termEntry)

	return rec, plans, termPlan
}

// rewriteBlock splices the hook calls and inst-PC records into the block.
// The block hook (and the loop hook on loop headers) land at the first
// insertion point; per-instruction hooks go immediately before the
// instruction they describe; the branch hook goes right before the
// terminator.
func (fi *funcInst) rewriteBlock(b *ir.Block, bbID uint32,
	addr constant.Constant, plans []instPlan, termPlan *instPlan) {
	orig := b.Insts
	out := make([]ir.Instruction, 0, len(orig)+8)

	split := firstInsertionIndex(orig)
	out = append(out, orig[:split]...)

	if l, ok := fi.loops.HeaderOf(b); ok {
		out = append(out, ir.NewCall(fi.hk.onLoop,
			constI32(fi.funcID), constI32(l.ID)))
	}
	loopHint := uint32(NoLoopSentinel)
	if l, ok := fi.loops.LoopFor(b); ok {
		loopHint = l.ID
	}
	out = append(out, ir.NewCall(fi.hk.onBasicBlock,
		constI32(fi.funcID), constI32(bbID), constI32(loopHint),
		pointerCast(addr, types.I8Ptr)))

	for i := split; i < len(orig); i++ {
		inst := orig[i]
		switch plans[i].kind {
		case bbinfo.KindLoad:
			load := inst.(*ir.InstLoad)
			out = append(out, instPCAsm(fi.funcID, bbID, plans[i].id))
			ptr, extra := fi.castToBytePtr(load.Src)
			out = append(out, extra...)
			out = append(out, ir.NewCall(fi.hk.onMem,
				constI32(fi.funcID), constI32(bbID), constI32(plans[i].id),
				ptr, constI64(fi.dl.StoreSize(load.ElemType)), constBool(false)))
		case bbinfo.KindStore:
			store := inst.(*ir.InstStore)
			out = append(out, instPCAsm(fi.funcID, bbID, plans[i].id))
			ptr, extra := fi.castToBytePtr(store.Dst)
			out = append(out, extra...)
			out = append(out, ir.NewCall(fi.hk.onMem,
				constI32(fi.funcID), constI32(bbID), constI32(plans[i].id),
				ptr, constI64(fi.dl.StoreSize(store.Src.Type())), constBool(true)))
		case bbinfo.KindCall:
			out = fi.appendCallHook(out, inst.(*ir.InstCall), bbID, plans[i].id)
		}
		out = append(out, inst)
	}

	if termPlan != nil {
		out = fi.appendBranchHook(out, b, bbID, termPlan.id)
	}
	b.Insts = out
}

func (fi *funcInst) appendCallHook(out []ir.Instruction, call *ir.InstCall,
	bbID, instID uint32) []ir.Instruction {
	out = append(out, instPCAsm(fi.funcID, bbID, instID))

	target, extra := fi.castToBytePtr(call.Callee)
	out = append(out, extra...)

	callSite := ir.NewCall(fi.hk.returnAddress, constI32(0))
	fi.nameValue(callSite)
	out = append(out, callSite)

	operands := []value.Value{
		constI32(fi.funcID), constI32(bbID), constI32(instID),
		callSite, target, constI32(uint32(len(call.Args))),
	}
	for _, arg := range call.Args {
		kind, bits, v, argInsts := fi.marshalArg(arg)
		out = append(out, argInsts...)
		operands = append(operands, constI32(uint32(kind)), constI32(bits), v)
	}
	return append(out, ir.NewCall(fi.hk.onCall, operands...))
}

// appendBranchHook materializes the taken successor id and address. For a
// conditional branch both are selects on the branch condition, successor 0
// when true and successor 1 when false.
func (fi *funcInst) appendBranchHook(out []ir.Instruction, b *ir.Block,
	bbID, instID uint32) []ir.Instruction {
	var taken value.Value
	var takenAddr value.Value
	switch term := b.Term.(type) {
	case *ir.TermBr:
		succ := valueBlock(term.Target)
		taken = constI32(fi.ids[succ])
		takenAddr = pointerCast(constant.NewBlockAddress(fi.f, succ), types.I8Ptr)
	case *ir.TermCondBr:
		succ0 := valueBlock(term.TargetTrue)
		succ1 := valueBlock(term.TargetFalse)
		idSel := ir.NewSelect(term.Cond,
			constI32(fi.ids[succ0]), constI32(fi.ids[succ1]))
		fi.nameValue(idSel)
		addrSel := ir.NewSelect(term.Cond,
			pointerCast(constant.NewBlockAddress(fi.f, succ0), types.I8Ptr),
			pointerCast(constant.NewBlockAddress(fi.f, succ1), types.I8Ptr))
		fi.nameValue(addrSel)
		out = append(out, idSel, addrSel)
		taken, takenAddr = idSel, addrSel
	default:
		return out
	}
	return append(out, ir.NewCall(fi.hk.onBranch,
		constI32(fi.funcID), constI32(bbID), constI32(instID), taken, takenAddr))
}

// nameValue gives an injector-created value a reserved local name.
func (fi *funcInst) nameValue(v value.Named) {
	v.SetName(fmt.Sprintf("%s%d", localPrefix, fi.nextLocal))
	fi.nextLocal++
}
