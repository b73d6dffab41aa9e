// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package bbinfo

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	tests := []struct {
		name     string
		moduleID string
		want     string
	}{
		{name: "relative", moduleID: "foo.c", want: filepath.Join("bbtrace_static", "foo.c.bbinfo.jsonl")},
		{name: "nested", moduleID: "a/b/mod.ll",
			want: filepath.Join("a", "b", "bbtrace_static", "mod.ll.bbinfo.jsonl")},
		{name: "absolute", moduleID: "/tmp/x/mod.c",
			want: filepath.Join("/tmp", "x", "bbtrace_static", "mod.c.bbinfo.jsonl")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Path(tt.moduleID))
		})
	}
}

func TestFieldPresence(t *testing.T) {
	blocks := []Block{{
		FuncID:   0,
		FuncName: "f",
		BbID:     0,
		BbName:   "entry",
		Header:   "entry:",
		Insts: []Inst{
			{Text: "  %v = load i32, i32* %p, align 4", Kind: KindLoad, InstID: ID(0)},
			{Text: "  br i1 %c, label %a, label %b", Kind: KindBranch, InstID: ID(0), Targets: []uint32{1, 2}},
			{Text: "  ret void", Kind: KindGeneric},
		},
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, blocks))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1)

	// inst_id 0 must be encoded for non-generic records and absent for
	// generic ones; targets only on branches.
	assert.Contains(t, lines[0], `"kind":"load","inst_id":0`)
	assert.Contains(t, lines[0], `"targets":[1,2]`)
	assert.Contains(t, lines[0], `"kind":"generic"}`)
	assert.NotContains(t, lines[0], `"kind":"generic","inst_id"`)

	// Field order is part of the format.
	assert.True(t, strings.HasPrefix(lines[0],
		`{"func_id":0,"func_name":"f","bb_id":0,"bb_name":"entry","header":"entry:",`),
		"unexpected prefix: %s", lines[0])
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	moduleID := filepath.Join(dir, "mod.c")
	blocks := []Block{
		{FuncID: 0, FuncName: "f", BbID: 0, BbName: "entry", Header: "entry:",
			Insts: []Inst{{Text: "  ret void", Kind: KindGeneric}}},
		{FuncID: 1, FuncName: "g", BbID: 0, BbName: "bb_0", Header: "bb_0:",
			Insts: []Inst{
				{Text: "  store i32 1, i32* %p, align 4", Kind: KindStore, InstID: ID(0)},
				{Text: "  ret void", Kind: KindGeneric},
			}},
	}
	require.NoError(t, Write(moduleID, blocks))

	got, err := Read(Path(moduleID))
	require.NoError(t, err)
	require.Equal(t, blocks, got)

	// Idempotent directory creation: writing again must succeed and replace
	// the old content.
	require.NoError(t, Write(moduleID, blocks[:1]))
	got, err = Read(Path(moduleID))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestWriteEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	moduleID := filepath.Join(dir, "empty.c")
	require.NoError(t, Write(moduleID, nil))
	_, err := os.Stat(Path(moduleID))
	require.True(t, os.IsNotExist(err))
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := ReadFrom(strings.NewReader("{\"func_id\":0}\nnot json\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}
