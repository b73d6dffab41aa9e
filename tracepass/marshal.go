// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// argKind tags a marshalled call argument for the variadic on_call hook.
type argKind uint32

const (
	argKindUnknown argKind = 0
	argKindInteger argKind = 1
	argKindPointer argKind = 2
	argKindFloat   argKind = 3
)

// marshalArg normalizes one call argument to the 64-bit value slot of the
// on_call triple. Pointers become integers of their address-space width,
// floats are bit-punned, and everything is zero-extended or truncated to 64
// bits; the original bit width rides along so the consumer can reinterpret.
// Types without a 64-bit representation degrade to {unknown, 0}.
func (fi *funcInst) marshalArg(arg value.Value) (kind argKind, bits uint32,
	v value.Value, extra []ir.Instruction) {
	switch t := arg.Type().(type) {
	case *types.PointerType:
		kind = argKindPointer
		bits = fi.dl.PointerSizeBits(uint32(t.AddrSpace))
		if bits == 0 {
			bits = fi.dl.PointerSizeBits(0)
		}
		toInt := ir.NewPtrToInt(arg, types.NewInt(uint64(max(bits, 1))))
		fi.nameValue(toInt)
		extra = append(extra, toInt)
		v, extra = fi.toI64(toInt, bits, extra)
		return kind, bits, v, extra

	case *types.IntType:
		kind = argKindInteger
		bits = uint32(t.BitSize)
		v, extra = fi.toI64(arg, bits, extra)
		return kind, bits, v, extra

	case *types.FloatType:
		kind = argKindFloat
		bits = uint32(fi.dl.SizeBits(t))
		punned := ir.NewBitCast(arg, types.NewInt(uint64(max(bits, 1))))
		fi.nameValue(punned)
		extra = append(extra, punned)
		v, extra = fi.toI64(punned, bits, extra)
		return kind, bits, v, extra

	default:
		bits = uint32(fi.dl.StoreSizeBits(t))
		if bits == 0 {
			bits = 1
		}
		return argKindUnknown, bits, constI64(0), nil
	}
}

// toI64 widens or narrows an integer value to i64. Widening is always a zero
// extension; values wider than 64 bits keep their low 64 bits.
func (fi *funcInst) toI64(v value.Value, bits uint32,
	extra []ir.Instruction) (value.Value, []ir.Instruction) {
	switch {
	case bits < 64:
		ext := ir.NewZExt(v, types.I64)
		fi.nameValue(ext)
		return ext, append(extra, ext)
	case bits > 64:
		trunc := ir.NewTrunc(v, types.I64)
		fi.nameValue(trunc)
		return trunc, append(extra, trunc)
	default:
		return v, extra
	}
}

// castToBytePtr adapts a pointer-typed value to the i8* the hooks expect.
func (fi *funcInst) castToBytePtr(v value.Value) (value.Value, []ir.Instruction) {
	if types.Equal(v.Type(), types.I8Ptr) {
		return v, nil
	}
	if _, ok := v.Type().(*types.PointerType); !ok {
		return constant.NewNull(types.I8Ptr), nil
	}
	if c, ok := v.(constant.Constant); ok {
		return pointerCast(c, types.I8Ptr), nil
	}
	cast := ir.NewBitCast(v, types.I8Ptr)
	fi.nameValue(cast)
	return cast, []ir.Instruction{cast}
}
