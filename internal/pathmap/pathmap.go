// Package pathmap translates virtual paths exposed on the mount into
// backing-store paths on the host filesystem. It is the leaf-most
// component of the overlay: every other component obtains real paths
// through a Mapper rather than concatenating strings itself.
package pathmap

import "strings"

// Mapper holds the backing root fixed at mount time and maps virtual
// paths onto it. A Mapper is immutable after construction and safe for
// concurrent use by multiple goroutines.
type Mapper struct {
	root string
}

// New returns a Mapper rooted at root. Trailing separators on root are
// stripped so Map never produces a doubled slash.
func New(root string) *Mapper {
	return &Mapper{root: strings.TrimRight(root, "/")}
}

// Root returns the backing root this mapper was constructed with.
func (m *Mapper) Root() string {
	return m.root
}

// Map returns the backing path for a virtual path. virtual is expected
// to start with "/", a guarantee the dispatch layer makes; Map does not
// validate it and performs no "."/".." normalization, which is left to
// the dispatch layer per spec.
func (m *Mapper) Map(virtual string) string {
	return m.root + virtual
}
