// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfvec/bbtrace/bbinfo"
	"github.com/perfvec/bbtrace/pipeline"
	"github.com/perfvec/bbtrace/tracepass"
)

func init() {
	pipeline.Register(tracepass.PassName, func() pipeline.Pass {
		return &tracepass.Pass{}
	})
}

const testModule = `define i32 @answer(i32* %p) {
entry:
	%v = load i32, i32* %p, align 4
	ret i32 %v
}
`

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no inputs", cfg: Config{Passes: "bb-trace", Suffix: ".out.ll"},
			wantErr: "no input modules"},
		{name: "output with multiple inputs",
			cfg: Config{Inputs: []string{"a.ll", "b.ll"}, Output: "out.ll",
				Passes: "bb-trace", Suffix: ".out.ll"},
			wantErr: "single input"},
		{name: "empty pipeline",
			cfg:     Config{Inputs: []string{"a.ll"}, Suffix: ".out.ll"},
			wantErr: "empty pass pipeline"},
		{name: "ok", cfg: Config{Inputs: []string{"a.ll"}, Passes: "bb-trace",
			Suffix: ".out.ll"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				require.Positive(t, tt.cfg.Jobs)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRunRewritesModule(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "answer.ll")
	require.NoError(t, os.WriteFile(input, []byte(testModule), 0o644))

	cfg := &Config{
		Inputs: []string{input},
		Suffix: ".bbtrace.ll",
		Passes: "bb-trace",
		Jobs:   1,
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, New(cfg).Run(context.Background()))

	out, err := os.ReadFile(input + ".bbtrace.ll")
	require.NoError(t, err)
	text := string(out)
	require.Contains(t, text, "__bbtrace_pcmap")
	require.Contains(t, text, "__bbtrace_on_basic_block")
	require.Contains(t, text, "__bbtrace_on_mem")

	// The descriptor lands next to the input module.
	records, err := bbinfo.Read(bbinfo.Path(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "answer", records[0].FuncName)
}

func TestRunReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "broken.ll")
	require.NoError(t, os.WriteFile(input, []byte("define garbage"), 0o644))

	cfg := &Config{Inputs: []string{input}, Suffix: ".out.ll", Passes: "bb-trace", Jobs: 1}
	require.NoError(t, cfg.Validate())
	err := New(cfg).Run(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "parsing"))
}
