// Package handles implements the process-wide (really: per-mount)
// handle table of spec.md §4.4: a table keyed by the integer handle
// the dispatch layer hands out, tracking per-handle role, running
// checksum accumulator, and read-verification state, plus a secondary
// multimap from virtual path to open handles.
package handles

import (
	"os"
	"sync"

	"github.com/chkoverlay/chkoverlay/internal/digest"
)

// Role identifies what a handle is doing with its backing descriptor.
type Role int

const (
	// RoleReader is a read-only handle.
	RoleReader Role = iota
	// RoleWriterFresh is a writer whose accumulator started empty,
	// created by open-with-truncate or file creation.
	RoleWriterFresh
	// RoleWriterAppend is a writer whose accumulator was pre-loaded
	// from the current backing content.
	RoleWriterAppend
)

func (r Role) IsWriter() bool {
	return r == RoleWriterFresh || r == RoleWriterAppend
}

// VerifyState is the per-handle read-verification cache of spec.md
// §4.5: a reader starts Unverified, then moves to OK or Bad and never
// moves back without an intervening release.
type VerifyState int

const (
	Unverified VerifyState = iota
	VerifiedOK
	VerifiedBad
)

// Handle is one entry in the table, corresponding to one backing file
// descriptor plus the integrity engine's view of it.
type Handle struct {
	ID   uint64
	Path string
	FD   *os.File
	Role Role

	// Accumulator is non-nil only for writer handles in whole-file
	// checksum mode; it folds in every byte written through this
	// handle via FNV-1a. Block mode leaves it nil.
	Accumulator *digest.Acc

	// Verify is meaningful only for reader handles.
	Verify VerifyState
}

// Table is the handle table plus the path->handles multimap. Create one
// with New; the zero value has nil maps and is not usable. All methods
// are safe for concurrent use; the
// internal lock is released before any caller performs host I/O, per
// spec.md §5's lock-ordering rule (handle-table lock -> sidecar lock
// -> host I/O, never held together).
type Table struct {
	mu     sync.Mutex
	byID   map[uint64]*Handle
	byPath map[string]map[uint64]struct{}
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byID:   make(map[uint64]*Handle),
		byPath: make(map[string]map[uint64]struct{}),
	}
}

// Open registers a new handle. It is the caller's responsibility to
// pick a dispatch handle ID that is not already in use.
func (t *Table) Open(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[h.ID] = h
	set, ok := t.byPath[h.Path]
	if !ok {
		set = make(map[uint64]struct{})
		t.byPath[h.Path] = set
	}
	set[h.ID] = struct{}{}
}

// Get returns the handle for id, if any.
func (t *Table) Get(id uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	return h, ok
}

// Close removes id from the table and returns its final record so the
// caller (the integrity engine's release handler) can flush whatever
// sidecar update the role requires.
func (t *Table) Close(id uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if set, ok := t.byPath[h.Path]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(t.byPath, h.Path)
		}
	}
	return h, true
}

// WriterFold writes buf into the accumulator of the writer handle id.
// It is a no-op error if id is not a currently open writer.
func (t *Table) WriterFold(id uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	if !ok || !h.Role.IsWriter() || h.Accumulator == nil {
		return errNotAWriter
	}
	h.Accumulator.Write(buf) //nolint:errcheck // Acc.Write never errors
	return nil
}

// SetVerify sets the cached verification outcome for a reader handle.
func (t *Table) SetVerify(id uint64, state VerifyState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byID[id]; ok {
		h.Verify = state
	}
}

// LookupByPath returns a snapshot of the handles currently open on p.
// The slice is a copy; mutating it does not affect the table.
func (t *Table) LookupByPath(p string) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byPath[p]
	if !ok {
		return nil
	}
	out := make([]*Handle, 0, len(set))
	for id := range set {
		out = append(out, t.byID[id])
	}
	return out
}

// WritersOnPath returns the currently open writer handles on p, used
// by truncate (spec.md §4.5) to reset accumulators, and by the
// exclusive-writer mount option to refuse a second concurrent writer.
func (t *Table) WritersOnPath(p string) []*Handle {
	all := t.LookupByPath(p)
	out := all[:0]
	for _, h := range all {
		if h.Role.IsWriter() {
			out = append(out, h)
		}
	}
	return out
}

// ResetAccumulator replaces the accumulator of handle id with fresh,
// so further writes fold on from fresh's running value. Used by truncate
// to keep every other concurrently open writer's view consistent with
// the freshly truncated content (spec.md §4.5).
func (t *Table) ResetAccumulator(id uint64, fresh *digest.Acc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.byID[id]; ok {
		h.Accumulator = fresh
	}
}

var errNotAWriter = &notAWriterError{}

type notAWriterError struct{}

func (*notAWriterError) Error() string { return "handles: id is not an open writer" }
