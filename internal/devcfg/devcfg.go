// Package devcfg parses the comma-separated key=value device argument
// lists this module's devices are configured from, the same grammar
// Spike passes device plugins on --device=<name>,k1=v1,k2=v2.
//
// Grounded on original_source/src/virtio.cc's virtioblk_t constructor
// (argmap built by splitting each arg on the first '=') and
// original_source/src/virtio-net.cc's virtionet_t constructor (same
// grammar, different key set). No key=value flag library appears
// anywhere in the retrieval pack for this exact "device plugin args"
// shape, so this is a small stdlib strings.Cut-based parser, justified
// by the absence of any candidate library modeling Spike's own grammar.
package devcfg

import (
	"fmt"
	"strings"
)

// Args is a parsed key=value argument list, e.g. from
// "img=disk.raw,mode=ro".
type Args map[string]string

// Parse splits a comma-separated list of key=value pairs. An entry with
// no '=' is ignored, matching argmap's find(eq_idx != npos) guard in
// original_source's constructors.
func Parse(s string) Args {
	a := Args{}
	if s == "" {
		return a
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		a[key] = value
	}
	return a
}

// Require returns the value for key, or an error if it is absent —
// the Go-idiomatic replacement for original_source's
// printf-then-exit(1) on a missing "img"/"driver" argument. Callers at
// the CLI boundary (cmd/spikevirtio) turn this error into a fatal exit;
// library constructors just propagate it.
func (a Args) Require(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("devcfg: missing required argument %q", key)
	}
	return v, nil
}

// Get returns the value for key, or def if key is absent.
func (a Args) Get(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}
