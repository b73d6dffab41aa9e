// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package elfmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfvec/bbtrace/bbinfo"
)

func encodeMap(entries []BlockEntry) []byte {
	out := make([]byte, 0, len(entries)*mapEntrySize)
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint32(out, e.FuncID)
		out = binary.LittleEndian.AppendUint32(out, e.BbID)
		out = binary.LittleEndian.AppendUint64(out, e.Addr)
	}
	return out
}

func encodeInsts(entries []InstEntry) []byte {
	out := make([]byte, 0, len(entries)*instEntrySize)
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint32(out, e.FuncID)
		out = binary.LittleEndian.AppendUint32(out, e.BbID)
		out = binary.LittleEndian.AppendUint32(out, e.InstID)
		out = binary.LittleEndian.AppendUint32(out, 0)
		out = binary.LittleEndian.AppendUint64(out, e.PC)
	}
	return out
}

func TestDecodeMap(t *testing.T) {
	want := []BlockEntry{
		{FuncID: 0, BbID: 0, Addr: 0x401000},
		{FuncID: 0, BbID: 1, Addr: 0x401020},
		{FuncID: 1, BbID: 0, Addr: 0x401100},
	}
	got, err := DecodeMap(encodeMap(want))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = DecodeMap(make([]byte, mapEntrySize+1))
	require.Error(t, err)
}

func TestDecodeInsts(t *testing.T) {
	want := []InstEntry{
		{FuncID: 0, BbID: 0, InstID: 0, PC: 0x401004},
		{FuncID: 0, BbID: 0, InstID: 1, PC: 0x40100c},
	}
	got, err := DecodeInsts(encodeInsts(want))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = DecodeInsts(make([]byte, instEntrySize-1))
	require.Error(t, err)
}

func TestLookupByContainment(t *testing.T) {
	m := newMap([]BlockEntry{
		{FuncID: 0, BbID: 0, Addr: 0x1000},
		{FuncID: 0, BbID: 1, Addr: 0x1040},
		{FuncID: 1, BbID: 0, Addr: 0x2000},
	}, nil)
	m.textStart = 0x1000
	m.textEnd = 0x3000

	tests := []struct {
		name string
		pc   uint64
		want BlockEntry
		ok   bool
	}{
		{name: "block entry itself", pc: 0x1000, want: BlockEntry{0, 0, 0x1000}, ok: true},
		{name: "inside first block", pc: 0x103f, want: BlockEntry{0, 0, 0x1000}, ok: true},
		{name: "second block", pc: 0x1040, want: BlockEntry{0, 1, 0x1040}, ok: true},
		{name: "gap attributes to previous", pc: 0x1fff, want: BlockEntry{0, 1, 0x1040}, ok: true},
		{name: "second function", pc: 0x2abc, want: BlockEntry{1, 0, 0x2000}, ok: true},
		{name: "below text", pc: 0xfff, ok: false},
		{name: "past text end", pc: 0x3000, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Lookup(tt.pc)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, got)
			}
		})
	}

	// Cached answers stay correct.
	got, ok := m.Lookup(0x103f)
	require.True(t, ok)
	require.Equal(t, BlockEntry{0, 0, 0x1000}, got)
}

func TestResolveInst(t *testing.T) {
	m := newMap(nil, []InstEntry{
		{FuncID: 0, BbID: 0, InstID: 1, PC: 0x1010},
		{FuncID: 0, BbID: 0, InstID: 0, PC: 0x1004},
	})

	e, ok := m.ResolveInst(0x1004)
	require.True(t, ok)
	require.Equal(t, uint32(0), e.InstID)

	e, ok = m.ResolveInst(0x1010)
	require.True(t, ok)
	require.Equal(t, uint32(1), e.InstID)

	_, ok = m.ResolveInst(0x1008)
	require.False(t, ok)
}

func TestCheckDescriptor(t *testing.T) {
	m := newMap([]BlockEntry{
		{FuncID: 0, BbID: 0, Addr: 0x1000},
		{FuncID: 0, BbID: 1, Addr: 0x1040},
	}, nil)

	records := []bbinfo.Block{
		{FuncID: 0, BbID: 0, FuncName: "f", BbName: "entry"},
		{FuncID: 0, BbID: 1, FuncName: "f", BbName: "exit"},
	}
	require.NoError(t, m.CheckDescriptor(records))

	require.Error(t, m.CheckDescriptor(records[:1]))
	require.Error(t, m.CheckDescriptor(append(records,
		bbinfo.Block{FuncID: 7, BbID: 0})))
}
