// Package sidecar implements the logical key-value store backing the
// overlay's metadata, checksums and block_hashes tables (spec.md
// §4.2, §6). This package picks go.etcd.io/bbolt as the concrete
// embedded engine and maps the three tables onto three buckets.
package sidecar

import "errors"

// ErrNotFound is returned by the point-lookup operations when no row
// exists for the given key.
var ErrNotFound = errors.New("sidecar: not found")

// Store is the logical interface the integrity engine, WORM layer and
// FUSE glue consume. It intentionally mirrors the table in spec.md
// §4.2 one method per row.
type Store interface {
	// PutXattr upserts (p, k) -> v in the metadata table.
	PutXattr(p, k string, v []byte) error
	// GetXattr returns the blob for (p, k), or ErrNotFound.
	GetXattr(p, k string) ([]byte, error)
	// ListXattr returns the set of keys recorded for p.
	ListXattr(p string) ([]string, error)
	// DelXattrs deletes every metadata row for p.
	DelXattrs(p string) error
	// DelXattr deletes a single (p, k) metadata row, if present.
	DelXattr(p, k string) error

	// PutDigest upserts the whole-file digest for p.
	PutDigest(p, digestHex string) error
	// GetDigest returns the whole-file digest for p, or ErrNotFound.
	GetDigest(p string) (string, error)
	// DelDigest removes the checksums row for p, if any.
	DelDigest(p string) error

	// PutBlock upserts the digest of block i of p.
	PutBlock(p string, i int64, digestHex string) error
	// GetBlock returns the digest of block i of p, or ErrNotFound.
	GetBlock(p string, i int64) (string, error)
	// DelBlocksAfter removes every block_hashes row for p with index
	// strictly greater than i.
	DelBlocksAfter(p string, i int64) error
	// DelBlocks removes every block_hashes row for p.
	DelBlocks(p string) error

	// RenamePath relabels every metadata, checksums and block_hashes
	// row referring to old so it instead refers to new, as a single
	// logical step (spec.md I5).
	RenamePath(old, new string) error

	// Close releases the underlying database handle.
	Close() error
}
