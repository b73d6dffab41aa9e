// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package datalayout answers the size queries the instrumentation pass needs:
// pointer widths per address space and type store sizes. It understands the
// subset of the LLVM data layout string relevant to those queries and assumes
// a 64-bit little-endian target when the module carries no layout at all.
package datalayout // import "github.com/perfvec/bbtrace/datalayout"

import (
	"strconv"
	"strings"

	"github.com/llir/llvm/ir/types"
)

// defaultPointerBits is used for address spaces the layout string does not
// describe. Matches x86-64 and aarch64.
const defaultPointerBits = 64

// Layout holds the parsed pointer specifications of a module's
// "target datalayout" string.
type Layout struct {
	ptrBits map[uint32]uint32
}

// Parse extracts the pointer specifications from a data layout string.
// Unknown or malformed components are ignored; an empty string yields the
// 64-bit default layout.
func Parse(spec string) *Layout {
	l := &Layout{ptrBits: make(map[uint32]uint32)}
	for _, part := range strings.Split(spec, "-") {
		if !strings.HasPrefix(part, "p") {
			continue
		}
		// pN:size:abi[:pref[:idx]] with N omitted for address space 0.
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			continue
		}
		space := uint64(0)
		if as := fields[0][1:]; as != "" {
			v, err := strconv.ParseUint(as, 10, 32)
			if err != nil {
				continue
			}
			space = v
		}
		size, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || size == 0 {
			continue
		}
		l.ptrBits[uint32(space)] = uint32(size)
	}
	return l
}

// PointerSizeBits returns the pointer width in bits for the given address
// space, falling back to address space 0 and then to the 64-bit default.
func (l *Layout) PointerSizeBits(addrSpace uint32) uint32 {
	if bits, ok := l.ptrBits[addrSpace]; ok {
		return bits
	}
	if bits, ok := l.ptrBits[0]; ok {
		return bits
	}
	return defaultPointerBits
}

// PointerSize returns the pointer size in bytes for address space 0.
func (l *Layout) PointerSize() uint32 {
	return (l.PointerSizeBits(0) + 7) / 8
}

// StoreSize returns the number of bytes written when storing a value of the
// given type: the minimal byte count covering its bits.
func (l *Layout) StoreSize(t types.Type) uint64 {
	return (l.SizeBits(t) + 7) / 8
}

// StoreSizeBits returns the store size of the type expressed in bits.
func (l *Layout) StoreSizeBits(t types.Type) uint64 {
	return l.StoreSize(t) * 8
}

// SizeBits returns the logical size of a type in bits.
func (l *Layout) SizeBits(t types.Type) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		return t.BitSize
	case *types.FloatType:
		return floatBits(t.Kind)
	case *types.PointerType:
		return uint64(l.PointerSizeBits(uint32(t.AddrSpace)))
	case *types.VectorType:
		return t.Len * l.SizeBits(t.ElemType)
	case *types.ArrayType:
		return t.Len * 8 * l.allocSize(t.ElemType)
	case *types.StructType:
		return 8 * l.structSize(t)
	case *types.LabelType, *types.VoidType, *types.FuncType:
		return 0
	default:
		return 0
	}
}

// allocSize is the size in bytes a type occupies as an array element: the
// store size rounded up to the type's alignment.
func (l *Layout) allocSize(t types.Type) uint64 {
	size := l.StoreSize(t)
	align := l.abiAlign(t)
	if align == 0 {
		return size
	}
	return (size + align - 1) / align * align
}

// abiAlign approximates natural alignment: the smallest power of two covering
// the store size, capped at 16 bytes.
func (l *Layout) abiAlign(t types.Type) uint64 {
	if st, ok := t.(*types.StructType); ok {
		if st.Packed {
			return 1
		}
		max := uint64(1)
		for _, f := range st.Fields {
			if a := l.abiAlign(f); a > max {
				max = a
			}
		}
		return max
	}
	if at, ok := t.(*types.ArrayType); ok {
		return l.abiAlign(at.ElemType)
	}
	size := l.StoreSize(t)
	align := uint64(1)
	for align < size && align < 16 {
		align <<= 1
	}
	return align
}

func (l *Layout) structSize(t *types.StructType) uint64 {
	if t.Packed {
		var size uint64
		for _, f := range t.Fields {
			size += l.StoreSize(f)
		}
		return size
	}
	var offset uint64
	for _, f := range t.Fields {
		align := l.abiAlign(f)
		if align > 0 && offset%align != 0 {
			offset += align - offset%align
		}
		offset += l.allocSize(f)
	}
	if align := l.abiAlign(t); align > 0 && offset%align != 0 {
		offset += align - offset%align
	}
	return offset
}

func floatBits(kind types.FloatKind) uint64 {
	switch kind {
	case types.FloatKindHalf, types.FloatKindBFloat:
		return 16
	case types.FloatKindFloat:
		return 32
	case types.FloatKindDouble:
		return 64
	case types.FloatKindX86_FP80:
		return 80
	case types.FloatKindFP128, types.FloatKindPPC_FP128:
		return 128
	default:
		return 64
	}
}
