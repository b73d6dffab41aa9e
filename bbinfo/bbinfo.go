// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package bbinfo models the static per-block descriptor records emitted next
// to every instrumented module and provides their JSONL encoding. The file
// carries one JSON object per eligible basic block, in (function, block)
// traversal order, and is byte-identical across instrumented and static-only
// builds of the same module.
package bbinfo // import "github.com/perfvec/bbtrace/bbinfo"

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// OutDirName is the sibling directory that descriptor files are written to,
// relative to the module identifier's parent directory.
const OutDirName = "bbtrace_static"

// FileSuffix is appended to the module's base name to form the descriptor
// file name.
const FileSuffix = ".bbinfo.jsonl"

// Kind classifies an instruction record.
type Kind string

const (
	KindGeneric Kind = "generic"
	KindLoad    Kind = "load"
	KindStore   Kind = "store"
	KindBranch  Kind = "branch"
	KindCall    Kind = "call"
)

// Inst is the static description of a single instruction.
type Inst struct {
	// Text is the printed IR of the instruction, indented by two spaces.
	Text string `json:"text"`
	// Kind of the instruction.
	Kind Kind `json:"kind"`
	// InstID is present iff Kind is not generic. It is dense within the
	// function, partitioned per instruction class.
	InstID *uint32 `json:"inst_id,omitempty"`
	// Targets holds the successor bb_ids of a branch: one entry for an
	// unconditional branch, {true, false} order for a conditional one.
	Targets []uint32 `json:"targets,omitempty"`
}

// Block is one descriptor record.
type Block struct {
	FuncID   uint32 `json:"func_id"`
	FuncName string `json:"func_name"`
	BbID     uint32 `json:"bb_id"`
	BbName   string `json:"bb_name"`
	Header   string `json:"header"`
	Insts    []Inst `json:"insts"`
}

// ID allocates an InstID pointer. The descriptor encoding needs pointer
// semantics so that inst_id 0 is distinguishable from absent.
func ID(id uint32) *uint32 {
	return &id
}

// Path returns the descriptor file path for a module identifier:
// <dir(moduleID)>/bbtrace_static/<base(moduleID)>.bbinfo.jsonl.
func Path(moduleID string) string {
	dir := filepath.Dir(moduleID)
	base := filepath.Base(moduleID)
	if base == "." || base == string(filepath.Separator) {
		base = "module"
	}
	return filepath.Join(dir, OutDirName, base+FileSuffix)
}

// Write emits the records for a module, creating the output directory if
// needed. Writing replaces any previous descriptor for the same module. An
// empty record list writes nothing and leaves any existing file in place.
func Write(moduleID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	path := Path(moduleID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	var buf bytes.Buffer
	if err := WriteTo(&buf, blocks); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteTo encodes the records as JSONL.
func WriteTo(w io.Writer, blocks []Block) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range blocks {
		// Encode appends the newline that terminates each record.
		if err := enc.Encode(&blocks[i]); err != nil {
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// Read parses a descriptor file.
func Read(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	blocks, err := ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return blocks, nil
}

// ReadFrom parses JSONL descriptor records from r.
func ReadFrom(r io.Reader) ([]Block, error) {
	var blocks []Block
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		blocks = append(blocks, b)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}
