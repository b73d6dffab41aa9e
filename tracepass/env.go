// Copyright The bbtrace Authors
// SPDX-License-Identifier: Apache-2.0

package tracepass

import (
	"os"
	"sync"
)

// StaticOnlyEnvVar switches the pass into static-only mode: IDs are
// allocated and the descriptor and PC map are emitted, but no IR is mutated.
const StaticOnlyEnvVar = "BBTRACE_STATIC_ONLY"

var staticOnlyEnv = sync.OnceValue(func() bool {
	return parseStaticOnly(os.Getenv(StaticOnlyEnvVar))
})

// parseStaticOnly interprets the flag value: any value whose first character
// is one of {1, T, t, Y, y} enables static-only mode.
func parseStaticOnly(v string) bool {
	if v == "" {
		return false
	}
	switch v[0] {
	case '1', 'T', 't', 'Y', 'y':
		return true
	}
	return false
}

// StaticOnly reports whether the process runs in static-only mode. The
// environment is consulted exactly once; later changes have no effect.
func StaticOnly() bool {
	return staticOnlyEnv()
}
