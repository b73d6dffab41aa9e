// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// RuntimePrefix reserves a function namespace for the trace runtime. A
// function whose name begins with the prefix is never eligible and calls to
// such functions are never instrumented.
const RuntimePrefix = "__bbtrace_"

// Runtime hook symbols. All hooks have C linkage and return void; see the
// runtime for their JSONL event encoding.
const (
	HookRegisterModule = RuntimePrefix + "register_module"
	HookFinalize       = RuntimePrefix + "finalize"
	HookOnBasicBlock   = RuntimePrefix + "on_basic_block"
	HookOnLoop         = RuntimePrefix + "on_loop"
	HookOnMem          = RuntimePrefix + "on_mem"
	HookOnBranch       = RuntimePrefix + "on_branch"
	HookOnCall         = RuntimePrefix + "on_call"
)

const (
	intrinsicPrefix        = "llvm."
	intrinsicReturnAddress = "llvm.returnaddress"
)

// hooks carries the runtime declarations of one instrumented module.
type hooks struct {
	onBasicBlock *ir.Func
	onLoop       *ir.Func
	onMem        *ir.Func
	onBranch     *ir.Func
	onCall       *ir.Func
	// returnAddress is the llvm.returnaddress intrinsic used to capture call
	// site addresses.
	returnAddress *ir.Func
}

func declareHooks(m *ir.Module) *hooks {
	i32 := types.I32
	i8ptr := types.I8Ptr
	return &hooks{
		onBasicBlock: getOrInsertFunc(m, HookOnBasicBlock, false, types.Void,
			ir.NewParam("", i32), ir.NewParam("", i32), ir.NewParam("", i32),
			ir.NewParam("", i8ptr)),
		onLoop: getOrInsertFunc(m, HookOnLoop, false, types.Void,
			ir.NewParam("", i32), ir.NewParam("", i32)),
		onMem: getOrInsertFunc(m, HookOnMem, false, types.Void,
			ir.NewParam("", i32), ir.NewParam("", i32), ir.NewParam("", i32),
			ir.NewParam("", i8ptr), ir.NewParam("", types.I64), ir.NewParam("", types.I1)),
		onBranch: getOrInsertFunc(m, HookOnBranch, false, types.Void,
			ir.NewParam("", i32), ir.NewParam("", i32), ir.NewParam("", i32),
			ir.NewParam("", i32), ir.NewParam("", i8ptr)),
		onCall: getOrInsertFunc(m, HookOnCall, true, types.Void,
			ir.NewParam("", i32), ir.NewParam("", i32), ir.NewParam("", i32),
			ir.NewParam("", i8ptr), ir.NewParam("", i8ptr), ir.NewParam("", i32)),
		returnAddress: getOrInsertFunc(m, intrinsicReturnAddress, false, i8ptr,
			ir.NewParam("", i32)),
	}
}

// getOrInsertFunc returns the module's function of the given name, declaring
// it if absent.
func getOrInsertFunc(m *ir.Module, name string, variadic bool,
	ret types.Type, params ...*ir.Param) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	f := m.NewFunc(name, ret, params...)
	f.Sig.Variadic = variadic
	return f
}
