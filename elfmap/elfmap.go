// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfmap reads the loader-visible trace artifacts back out of a
// linked image: the per-block PC map in .bbtrace_map and the per-instruction
// position records in .bbtrace_inst. It answers the two queries a profile
// consumer needs: attributing an arbitrary PC to its enclosing block by
// interval containment, and resolving an exact instruction PC to its
// (func_id, bb_id, inst_id) tuple.
package elfmap // import "github.com/perfvec/bbtrace/elfmap"

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	lru "github.com/elastic/go-freelru"

	"github.com/perfvec/bbtrace/bbinfo"
)

// Section names written by the instrumentation pass.
const (
	MapSection  = ".bbtrace_map"
	InstSection = ".bbtrace_inst"
)

const (
	// mapEntrySize is u32 func_id + u32 bb_id + u64 address.
	mapEntrySize = 16
	// instEntrySize is 4 x u32 (func, bb, inst, reserved) + u64 label PC.
	instEntrySize = 24

	lookupCacheSize = 16384
)

// ErrNoSection is returned when the image carries no .bbtrace_map section.
var ErrNoSection = errors.New("no .bbtrace_map section")

// BlockEntry is one record of the block-level PC map.
type BlockEntry struct {
	FuncID uint32
	BbID   uint32
	// Addr is the block's entry address: the function's symbol address for
	// entry blocks, the blockaddress for all others.
	Addr uint64
}

// InstEntry is one record of the instruction-level position map.
type InstEntry struct {
	FuncID uint32
	BbID   uint32
	InstID uint32
	// PC is the address of the instrumented instruction in the final image.
	PC uint64
}

// Map holds the decoded artifacts of one image.
type Map struct {
	blocks []BlockEntry
	byAddr []BlockEntry
	insts  []InstEntry
	byPC   []InstEntry

	textStart uint64
	textEnd   uint64

	cache *lru.LRU[uint64, BlockEntry]
}

// Open reads the trace sections from an ELF file on disk.
func Open(path string) (*Map, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	m, err := New(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// New decodes the trace sections of an already opened ELF file.
func New(f *elf.File) (*Map, error) {
	sec := f.Section(MapSection)
	if sec == nil {
		return nil, ErrNoSection
	}
	mapData, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", MapSection, err)
	}
	blocks, err := DecodeMap(mapData)
	if err != nil {
		return nil, err
	}

	var insts []InstEntry
	if sec := f.Section(InstSection); sec != nil {
		instData, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", InstSection, err)
		}
		if insts, err = DecodeInsts(instData); err != nil {
			return nil, err
		}
	}

	m := newMap(blocks, insts)
	if text := f.Section(".text"); text != nil {
		m.textStart = text.Addr
		m.textEnd = text.Addr + text.Size
	}
	return m, nil
}

func newMap(blocks []BlockEntry, insts []InstEntry) *Map {
	m := &Map{blocks: blocks, insts: insts, textEnd: ^uint64(0)}

	m.byAddr = append([]BlockEntry(nil), blocks...)
	sort.Slice(m.byAddr, func(i, j int) bool { return m.byAddr[i].Addr < m.byAddr[j].Addr })
	m.byPC = append([]InstEntry(nil), insts...)
	sort.Slice(m.byPC, func(i, j int) bool { return m.byPC[i].PC < m.byPC[j].PC })

	cache, err := lru.New[uint64, BlockEntry](lookupCacheSize, hashPC)
	if err == nil {
		m.cache = cache
	}
	return m
}

// DecodeMap decodes raw .bbtrace_map section contents.
func DecodeMap(data []byte) ([]BlockEntry, error) {
	if len(data)%mapEntrySize != 0 {
		return nil, fmt.Errorf("%s size %d is not a multiple of %d",
			MapSection, len(data), mapEntrySize)
	}
	entries := make([]BlockEntry, 0, len(data)/mapEntrySize)
	for off := 0; off < len(data); off += mapEntrySize {
		entries = append(entries, BlockEntry{
			FuncID: binary.LittleEndian.Uint32(data[off:]),
			BbID:   binary.LittleEndian.Uint32(data[off+4:]),
			Addr:   binary.LittleEndian.Uint64(data[off+8:]),
		})
	}
	return entries, nil
}

// DecodeInsts decodes raw .bbtrace_inst section contents.
func DecodeInsts(data []byte) ([]InstEntry, error) {
	if len(data)%instEntrySize != 0 {
		return nil, fmt.Errorf("%s size %d is not a multiple of %d",
			InstSection, len(data), instEntrySize)
	}
	entries := make([]InstEntry, 0, len(data)/instEntrySize)
	for off := 0; off < len(data); off += instEntrySize {
		entries = append(entries, InstEntry{
			FuncID: binary.LittleEndian.Uint32(data[off:]),
			BbID:   binary.LittleEndian.Uint32(data[off+4:]),
			InstID: binary.LittleEndian.Uint32(data[off+8:]),
			PC:     binary.LittleEndian.Uint64(data[off+16:]),
		})
	}
	return entries, nil
}

// Blocks returns the PC map entries in section order.
func (m *Map) Blocks() []BlockEntry {
	return m.blocks
}

// Insts returns the instruction records in section order.
func (m *Map) Insts() []InstEntry {
	return m.insts
}

// Lookup attributes a PC to its enclosing block: the map entry with the
// greatest address not above pc, bounded by the image's .text section.
func (m *Map) Lookup(pc uint64) (BlockEntry, bool) {
	if pc < m.textStart || pc >= m.textEnd || len(m.byAddr) == 0 {
		return BlockEntry{}, false
	}
	if m.cache != nil {
		if e, ok := m.cache.Get(pc); ok {
			return e, true
		}
	}
	i := sort.Search(len(m.byAddr), func(i int) bool { return m.byAddr[i].Addr > pc })
	if i == 0 {
		return BlockEntry{}, false
	}
	e := m.byAddr[i-1]
	if m.cache != nil {
		m.cache.Add(pc, e)
	}
	return e, true
}

// ResolveInst resolves an exact instruction PC.
func (m *Map) ResolveInst(pc uint64) (InstEntry, bool) {
	i := sort.Search(len(m.byPC), func(i int) bool { return m.byPC[i].PC >= pc })
	if i < len(m.byPC) && m.byPC[i].PC == pc {
		return m.byPC[i], true
	}
	return InstEntry{}, false
}

// CheckDescriptor verifies that the PC map and a static descriptor describe
// the same module: every (func_id, bb_id) on either side must appear on the
// other.
func (m *Map) CheckDescriptor(records []bbinfo.Block) error {
	type key struct{ f, b uint32 }
	inMap := make(map[key]bool, len(m.blocks))
	for _, e := range m.blocks {
		inMap[key{e.FuncID, e.BbID}] = true
	}
	inDesc := make(map[key]bool, len(records))
	for _, r := range records {
		inDesc[key{r.FuncID, r.BbID}] = true
	}
	for k := range inMap {
		if !inDesc[k] {
			return fmt.Errorf("map entry (%d, %d) has no descriptor record", k.f, k.b)
		}
	}
	for k := range inDesc {
		if !inMap[k] {
			return fmt.Errorf("descriptor record (%d, %d) has no map entry", k.f, k.b)
		}
	}
	return nil
}

func hashPC(pc uint64) uint32 {
	h := pc * 0x9e3779b97f4a7c15
	return uint32(h >> 32)
}
