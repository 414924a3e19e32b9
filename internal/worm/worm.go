// Package worm implements the write-once-read-many policy over the
// virtual namespace: a purely lexical predicate over a fixed set of
// directory prefixes configured at mount time.
package worm

import "strings"

// Policy is an immutable set of append-only directory prefixes. The
// zero value is a Policy with no append-only directories.
type Policy struct {
	prefixes []string
}

// New builds a Policy from a set of virtual-path prefixes. Each prefix
// must already begin with "/"; callers (internal/mountopts) are
// responsible for that normalization. Empty strings are ignored.
func New(prefixes []string) *Policy {
	p := &Policy{}
	for _, pre := range prefixes {
		if pre == "" {
			continue
		}
		p.prefixes = append(p.prefixes, strings.TrimRight(pre, "/"))
	}
	return p
}

// IsAppendOnly reports whether p lies inside any configured WORM
// prefix: either p equals the prefix exactly, or p begins with the
// prefix followed by "/". The check never follows symlinks; WORM is a
// policy over the virtual namespace, not the backing one.
func (policy *Policy) IsAppendOnly(p string) bool {
	if policy == nil {
		return false
	}
	for _, pre := range policy.prefixes {
		if p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}

// Prefixes returns the configured prefixes, for diagnostics and the
// mount-time log line. The returned slice must not be mutated.
func (policy *Policy) Prefixes() []string {
	if policy == nil {
		return nil
	}
	return policy.prefixes
}
