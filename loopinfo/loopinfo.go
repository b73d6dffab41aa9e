// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package loopinfo computes the natural-loop forest of a function's CFG and
// assigns dense per-function loop identifiers. Identifiers are handed out by
// popping a LIFO stack seeded with the outermost loops in program order, so
// numbering depends only on the function's static structure.
package loopinfo // import "github.com/perfvec/bbtrace/loopinfo"

import (
	"sort"

	"github.com/llir/llvm/ir"
)

// Loop describes one natural loop. Loops sharing a header are merged.
type Loop struct {
	// ID is the dense per-function loop identifier.
	ID uint32
	// Header is the single entry block of the loop.
	Header *ir.Block
	// Parent is the innermost enclosing loop, nil for outermost loops.
	Parent *Loop
	// Children are the directly nested loops, in program order of their
	// headers.
	Children []*Loop

	blocks map[*ir.Block]struct{}
}

// Contains reports whether the block belongs to the loop (including nested
// loops).
func (l *Loop) Contains(b *ir.Block) bool {
	_, ok := l.blocks[b]
	return ok
}

// NumBlocks returns the number of blocks in the loop, nested loops included.
func (l *Loop) NumBlocks() int {
	return len(l.blocks)
}

// Info is the loop forest of a single function.
type Info struct {
	loops     []*Loop
	roots     []*Loop
	innermost map[*ir.Block]*Loop
	headers   map[*ir.Block]*Loop
}

// Analyze builds the loop forest for f. It is a pure analysis: f is not
// modified.
func Analyze(f *ir.Func) *Info {
	info := &Info{
		innermost: make(map[*ir.Block]*Loop),
		headers:   make(map[*ir.Block]*Loop),
	}
	if len(f.Blocks) == 0 {
		return info
	}

	index := make(map[*ir.Block]int, len(f.Blocks))
	for i, b := range f.Blocks {
		index[b] = i
	}
	preds, succs := edges(f)
	idom := dominators(f, preds, succs)

	// A back edge u->v exists where v dominates u. All back edges sharing a
	// header describe one natural loop.
	latches := make(map[*ir.Block][]*ir.Block)
	for _, u := range f.Blocks {
		for _, v := range succs[u] {
			if dominates(v, u, idom) {
				latches[v] = append(latches[v], u)
			}
		}
	}
	if len(latches) == 0 {
		return info
	}

	headers := make([]*ir.Block, 0, len(latches))
	for h := range latches {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return index[headers[i]] < index[headers[j]] })

	for _, h := range headers {
		l := &Loop{Header: h, blocks: naturalLoop(h, latches[h], preds)}
		info.loops = append(info.loops, l)
		info.headers[h] = l
	}

	info.buildForest(index)
	info.assignIDs()
	return info
}

// LoopFor returns the innermost loop containing b, if any.
func (in *Info) LoopFor(b *ir.Block) (*Loop, bool) {
	l, ok := in.innermost[b]
	return l, ok
}

// HeaderOf returns the loop whose header block is b, if any.
func (in *Info) HeaderOf(b *ir.Block) (*Loop, bool) {
	l, ok := in.headers[b]
	return l, ok
}

// Loops returns all loops of the function ordered by ID.
func (in *Info) Loops() []*Loop {
	out := make([]*Loop, len(in.loops))
	copy(out, in.loops)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Roots returns the outermost loops in program order of their headers.
func (in *Info) Roots() []*Loop {
	return in.roots
}

func edges(f *ir.Func) (preds, succs map[*ir.Block][]*ir.Block) {
	preds = make(map[*ir.Block][]*ir.Block, len(f.Blocks))
	succs = make(map[*ir.Block][]*ir.Block, len(f.Blocks))
	addEdge := func(from *ir.Block, to *ir.Block) {
		if to == nil {
			return
		}
		succs[from] = append(succs[from], to)
		preds[to] = append(preds[to], from)
	}
	for _, b := range f.Blocks {
		switch term := b.Term.(type) {
		case *ir.TermBr:
			addEdge(b, asBlock(term.Target))
		case *ir.TermCondBr:
			addEdge(b, asBlock(term.TargetTrue))
			addEdge(b, asBlock(term.TargetFalse))
		case *ir.TermSwitch:
			addEdge(b, asBlock(term.TargetDefault))
			for _, c := range term.Cases {
				addEdge(b, asBlock(c.Target))
			}
		case *ir.TermIndirectBr:
			for _, t := range term.ValidTargets {
				addEdge(b, asBlock(t))
			}
		default:
			// Returns, unreachable and exceptional terminators contribute no
			// intra-function loop edges we care about.
		}
	}
	return preds, succs
}

func asBlock(v interface{ Ident() string }) *ir.Block {
	b, _ := v.(*ir.Block)
	return b
}

// dominators computes immediate dominators with the iterative algorithm over
// a reverse postorder of the CFG.
func dominators(f *ir.Func,
	preds, succs map[*ir.Block][]*ir.Block) map[*ir.Block]*ir.Block {
	entry := f.Blocks[0]

	// Reverse postorder from the entry; unreachable blocks are left out and
	// never participate in loops.
	var postorder []*ir.Block
	visited := make(map[*ir.Block]bool, len(f.Blocks))
	var walk func(b *ir.Block)
	walk = func(b *ir.Block) {
		visited[b] = true
		for _, s := range succs[b] {
			if !visited[s] {
				walk(s)
			}
		}
		postorder = append(postorder, b)
	}
	walk(entry)

	rpo := make([]*ir.Block, 0, len(postorder))
	rpoNum := make(map[*ir.Block]int, len(postorder))
	for i := len(postorder) - 1; i >= 0; i-- {
		rpoNum[postorder[i]] = len(rpo)
		rpo = append(rpo, postorder[i])
	}

	idom := make(map[*ir.Block]*ir.Block, len(rpo))
	idom[entry] = entry
	intersect := func(a, b *ir.Block) *ir.Block {
		for a != b {
			for rpoNum[a] > rpoNum[b] {
				a = idom[a]
			}
			for rpoNum[b] > rpoNum[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var newIdom *ir.Block
			for _, p := range preds[b] {
				if idom[p] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if newIdom != nil && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func dominates(a, b *ir.Block, idom map[*ir.Block]*ir.Block) bool {
	if idom[b] == nil {
		return false
	}
	for {
		if b == a {
			return true
		}
		parent := idom[b]
		if parent == b {
			return false
		}
		b = parent
	}
}

// naturalLoop collects the blocks of the loop with the given header by
// walking predecessors backwards from each latch until the header.
func naturalLoop(header *ir.Block, latches []*ir.Block,
	preds map[*ir.Block][]*ir.Block) map[*ir.Block]struct{} {
	blocks := map[*ir.Block]struct{}{header: {}}
	stack := append([]*ir.Block(nil), latches...)
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := blocks[b]; ok {
			continue
		}
		blocks[b] = struct{}{}
		stack = append(stack, preds[b]...)
	}
	return blocks
}

func (in *Info) buildForest(index map[*ir.Block]int) {
	// Sort by size so that the smallest enclosing loop wins as parent.
	bySize := make([]*Loop, len(in.loops))
	copy(bySize, in.loops)
	sort.Slice(bySize, func(i, j int) bool { return len(bySize[i].blocks) < len(bySize[j].blocks) })

	for i, l := range bySize {
		for _, candidate := range bySize[i+1:] {
			if candidate == l {
				continue
			}
			if _, ok := candidate.blocks[l.Header]; ok {
				l.Parent = candidate
				candidate.Children = append(candidate.Children, l)
				break
			}
		}
	}
	for _, l := range in.loops {
		sort.Slice(l.Children, func(i, j int) bool {
			return index[l.Children[i].Header] < index[l.Children[j].Header]
		})
		if l.Parent == nil {
			in.roots = append(in.roots, l)
		}
	}
	sort.Slice(in.roots, func(i, j int) bool {
		return index[in.roots[i].Header] < index[in.roots[j].Header]
	})

	// Innermost membership: the smallest loop containing the block.
	for _, l := range bySize {
		for b := range l.blocks {
			if _, ok := in.innermost[b]; !ok {
				in.innermost[b] = l
			}
		}
	}
}

// assignIDs numbers the forest by popping a LIFO stack seeded with the
// outermost loops; children are pushed in program order as their parent is
// popped.
func (in *Info) assignIDs() {
	stack := append([]*Loop(nil), in.roots...)
	next := uint32(0)
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		l.ID = next
		next++
		stack = append(stack, l.Children...)
	}
}
