// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// NoLoopSentinel is the loop hint of blocks outside any natural loop.
const NoLoopSentinel = ^uint32(0)

// eligible reports whether a function takes part in ID allocation: it must
// have a body and must not live in the runtime's reserved namespace.
func eligible(f *ir.Func) bool {
	return len(f.Blocks) > 0 && !strings.HasPrefix(f.Name(), RuntimePrefix)
}

// blockIDs assigns dense per-function block identifiers in layout order.
func blockIDs(f *ir.Func) map[*ir.Block]uint32 {
	ids := make(map[*ir.Block]uint32, len(f.Blocks))
	for i, b := range f.Blocks {
		ids[b] = uint32(i)
	}
	return ids
}

func funcDisplayName(f *ir.Func, funcID uint32) string {
	if name := f.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("func_%d", funcID)
}

func blockDisplayName(b *ir.Block, bbID uint32) string {
	// Name() of an unnamed block is its numeric local ID, so test for a
	// real name explicitly.
	if !b.IsUnnamed() {
		return b.Name()
	}
	return fmt.Sprintf("bb_%d", bbID)
}

// blockEntryAddress is the link-time constant for a block's entry: the
// function pointer for the entry block (blockaddress of an entry block is
// not meaningful), the blockaddress constant otherwise.
func blockEntryAddress(f *ir.Func, b *ir.Block) constant.Constant {
	if b == f.Blocks[0] {
		return pointerCast(f, types.I8Ptr)
	}
	return constant.NewBlockAddress(f, b)
}

// pointerCast bitcasts a constant to the given pointer type if it is not
// already of that type.
func pointerCast(c constant.Constant, to types.Type) constant.Constant {
	if types.Equal(c.Type(), to) {
		return c
	}
	return constant.NewBitCast(c, to)
}

func constI32(v uint32) *constant.Int {
	return constant.NewInt(types.I32, int64(v))
}

func constI64(v uint64) *constant.Int {
	return constant.NewInt(types.I64, int64(v))
}

func constBool(v bool) *constant.Int {
	if v {
		return constant.NewInt(types.I1, 1)
	}
	return constant.NewInt(types.I1, 0)
}

// isHookableCall reports whether a call site gets a call hook: intrinsics,
// inline assembly and calls into the trace runtime are exempt.
func isHookableCall(call *ir.InstCall) bool {
	switch callee := call.Callee.(type) {
	case *ir.InlineAsm:
		return false
	case *ir.Func:
		name := callee.Name()
		if strings.HasPrefix(name, intrinsicPrefix) ||
			strings.HasPrefix(name, RuntimePrefix) {
			return false
		}
	}
	return true
}

// firstInsertionIndex returns the index of the first instruction that hook
// calls may precede: past leading phis and exception pads.
func firstInsertionIndex(insts []ir.Instruction) int {
	for i, inst := range insts {
		switch inst.(type) {
		case *ir.InstPhi, *ir.InstLandingPad, *ir.InstCatchPad, *ir.InstCleanupPad:
			continue
		default:
			return i
		}
	}
	return len(insts)
}

// valueBlock resolves a terminator target operand to its block.
func valueBlock(v value.Value) *ir.Block {
	b, _ := v.(*ir.Block)
	return b
}
