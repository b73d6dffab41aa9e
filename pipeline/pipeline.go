// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline is the host side of pass registration: passes register
// under a name, a pipeline description string selects and orders them, and
// Run reports whether any pass rewrote the module.
package pipeline // import "github.com/perfvec/bbtrace/pipeline"

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/llir/llvm/ir"
)

// Pass is a module-level transform.
type Pass interface {
	// Name of the pass as used in pipeline descriptions.
	Name() string
	// Run processes the module and reports whether it was modified.
	Run(m *ir.Module) (bool, error)
}

// Constructor builds a fresh pass instance. Parse calls it once per
// occurrence in the pipeline description, so pass state is never shared
// between module invocations.
type Constructor func() Pass

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a pass available to Parse. It panics on duplicate names:
// registration happens at program start and a clash is a programming error.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || ctor == nil {
		panic("pipeline: invalid pass registration")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("pipeline: pass %q registered twice", name))
	}
	registry[name] = ctor
}

// Names returns the registered pass names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse resolves a comma-separated pipeline description into pass instances.
func Parse(desc string) ([]Pass, error) {
	var passes []Pass
	for _, name := range strings.Split(desc, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		registryMu.RLock()
		ctor, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown pass %q (registered: %s)",
				name, strings.Join(Names(), ", "))
		}
		passes = append(passes, ctor())
	}
	return passes, nil
}

// Run executes the passes in order and reports whether any modified the
// module.
func Run(m *ir.Module, passes []Pass) (bool, error) {
	modified := false
	for _, p := range passes {
		changed, err := p.Run(m)
		if err != nil {
			return modified, fmt.Errorf("pass %s: %w", p.Name(), err)
		}
		modified = modified || changed
	}
	return modified, nil
}
