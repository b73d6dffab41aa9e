// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

const (
	globalCtorsName  = "llvm.global_ctors"
	globalDtorsName  = "llvm.global_dtors"
	moduleNameGlobal = RuntimePrefix + "module_name"
	ctorPriority     = 0
)

// ensureCtorDtor registers the module with the runtime: a private
// constructor calls __bbtrace_register_module with the module name, a
// private destructor calls __bbtrace_finalize. Both run at priority 0.
func ensureCtorDtor(m *ir.Module, moduleID string) {
	register := getOrInsertFunc(m, HookRegisterModule, false, types.Void,
		ir.NewParam("", types.I8Ptr))
	finalize := getOrInsertFunc(m, HookFinalize, false, types.Void)

	name := newModuleNameGlobal(m, moduleID)

	ctor := newVoidHelper(m, RuntimePrefix+"ctor")
	entry := ctor.NewBlock("entry")
	entry.NewCall(register, pointerCast(name, types.I8Ptr))
	entry.NewRet(nil)

	dtor := newVoidHelper(m, RuntimePrefix+"dtor")
	entry = dtor.NewBlock("entry")
	entry.NewCall(finalize)
	entry.NewRet(nil)

	appendToGlobalArray(m, globalCtorsName, ctor, ctorPriority)
	appendToGlobalArray(m, globalDtorsName, dtor, ctorPriority)
}

func newVoidHelper(m *ir.Module, name string) *ir.Func {
	f := m.NewFunc(name, types.Void)
	f.Linkage = enum.LinkagePrivate
	f.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	return f
}

// newModuleNameGlobal emits the module identifier as a private constant
// NUL-terminated byte array.
func newModuleNameGlobal(m *ir.Module, moduleID string) *ir.Global {
	g := m.NewGlobalDef(moduleNameGlobal, constant.NewCharArrayFromString(moduleID+"\x00"))
	g.Immutable = true
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Align = ir.Align(1)
	return g
}

// appendToGlobalArray appends {priority, fn, null} to llvm.global_ctors or
// llvm.global_dtors, preserving entries the module already carries.
func appendToGlobalArray(m *ir.Module, name string, fn *ir.Func, priority int64) {
	elemTy := types.NewStruct(types.I32,
		types.NewPointer(types.NewFunc(types.Void)), types.I8Ptr)
	entry := constant.NewStruct(elemTy,
		constant.NewInt(types.I32, priority), fn, constant.NewNull(types.I8Ptr))

	var elems []constant.Constant
	for i, existing := range m.Globals {
		if existing.Name() != name {
			continue
		}
		if arr, ok := existing.Init.(*constant.Array); ok {
			elems = append(elems, arr.Elems...)
		}
		m.Globals = append(m.Globals[:i], m.Globals[i+1:]...)
		break
	}
	elems = append(elems, entry)

	arrTy := types.NewArray(uint64(len(elems)), elemTy)
	g := m.NewGlobalDef(name, constant.NewArray(arrTy, elems...))
	g.Linkage = enum.LinkageAppending
}
