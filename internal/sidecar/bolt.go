package sidecar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/chkoverlay/chkoverlay/internal/logging"
)

// FileName is the sidecar's fixed basename inside the backing
// directory, per spec.md §6.
const FileName = ".metadata.db"

var (
	bucketMetadata = []byte("metadata")
	bucketChecksum = []byte("checksums")
	bucketBlocks   = []byte("block_hashes")
)

// sep separates a virtual path from its sub-key in a composite bolt
// key. It can't appear in a path or an xattr key, so a prefix scan on
// "path"+sep never spills into a sibling path that happens to share a
// prefix (e.g. "/a" vs "/ab").
const sep = 0x00

// BoltStore is the bbolt-backed Store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) the sidecar database at path and
// ensures all three buckets exist. A failure here is meant to fail
// the mount outright per spec.md §6 ("Exit codes").
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening sidecar %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMetadata, bucketChecksum, bucketBlocks} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "initializing sidecar buckets in %q", path)
	}
	logging.Infof(logging.Fields{"path": path}, "sidecar opened")
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func metaKey(p, k string) []byte {
	buf := make([]byte, 0, len(p)+1+len(k))
	buf = append(buf, p...)
	buf = append(buf, sep)
	buf = append(buf, k...)
	return buf
}

func blockKey(p string, i int64) []byte {
	buf := make([]byte, 0, len(p)+1+8)
	buf = append(buf, p...)
	buf = append(buf, sep)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	return append(buf, idx[:]...)
}

func pathPrefix(p string) []byte {
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	return append(buf, sep)
}

// PutXattr implements Store.
func (s *BoltStore) PutXattr(p, k string, v []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(metaKey(p, k), v)
	})
}

// GetXattr implements Store.
func (s *BoltStore) GetXattr(p, k string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMetadata).Get(metaKey(p, k))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListXattr implements Store.
func (s *BoltStore) ListXattr(p string) ([]string, error) {
	var keys []string
	prefix := pathPrefix(p)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetadata).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// DelXattrs implements Store.
func (s *BoltStore) DelXattrs(p string) error {
	prefix := pathPrefix(p)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		return deletePrefix(b, prefix)
	})
}

// DelXattr implements Store.
func (s *BoltStore) DelXattr(p, k string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete(metaKey(p, k))
	})
}

// PutDigest implements Store.
func (s *BoltStore) PutDigest(p, digestHex string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChecksum).Put([]byte(p), []byte(digestHex))
	})
}

// GetDigest implements Store.
func (s *BoltStore) GetDigest(p string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChecksum).Get([]byte(p))
		if v == nil {
			return ErrNotFound
		}
		out = string(v)
		return nil
	})
	return out, err
}

// DelDigest implements Store.
func (s *BoltStore) DelDigest(p string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChecksum).Delete([]byte(p))
	})
}

// PutBlock implements Store.
func (s *BoltStore) PutBlock(p string, i int64, digestHex string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(blockKey(p, i), []byte(digestHex))
	})
}

// GetBlock implements Store.
func (s *BoltStore) GetBlock(p string, i int64) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(blockKey(p, i))
		if v == nil {
			return ErrNotFound
		}
		out = string(v)
		return nil
	})
	return out, err
}

// DelBlocksAfter implements Store.
func (s *BoltStore) DelBlocksAfter(p string, i int64) error {
	prefix := pathPrefix(p)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			idx := int64(binary.BigEndian.Uint64(k[len(prefix):]))
			if idx > i {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DelBlocks implements Store.
func (s *BoltStore) DelBlocks(p string) error {
	prefix := pathPrefix(p)
	return s.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketBlocks), prefix)
	})
}

// RenamePath implements Store. It relabels every row across all three
// buckets referring to old so it instead refers to new, inside a
// single bolt transaction: either the whole relabel is visible or
// none of it is (spec.md I5).
func (s *BoltStore) RenamePath(old, newPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := renameMeta(tx.Bucket(bucketMetadata), old, newPath); err != nil {
			return err
		}
		if err := renamePoint(tx.Bucket(bucketChecksum), old, newPath); err != nil {
			return err
		}
		if err := renameBlocks(tx.Bucket(bucketBlocks), old, newPath); err != nil {
			return err
		}
		return nil
	})
}

func renamePoint(b *bolt.Bucket, old, newPath string) error {
	v := b.Get([]byte(old))
	if v == nil {
		return nil
	}
	if err := b.Put([]byte(newPath), v); err != nil {
		return err
	}
	return b.Delete([]byte(old))
}

func renameMeta(b *bolt.Bucket, old, newPath string) error {
	oldPrefix := pathPrefix(old)
	c := b.Cursor()
	type kv struct{ k, v []byte }
	var rows []kv
	for k, v := c.Seek(oldPrefix); k != nil && bytes.HasPrefix(k, oldPrefix); k, v = c.Next() {
		rows = append(rows, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	for _, row := range rows {
		suffix := row.k[len(oldPrefix):]
		if err := b.Put(metaKeyBytes(newPath, suffix), row.v); err != nil {
			return err
		}
		if err := b.Delete(row.k); err != nil {
			return err
		}
	}
	return nil
}

func renameBlocks(b *bolt.Bucket, old, newPath string) error {
	oldPrefix := pathPrefix(old)
	c := b.Cursor()
	type kv struct{ k, v []byte }
	var rows []kv
	for k, v := c.Seek(oldPrefix); k != nil && bytes.HasPrefix(k, oldPrefix); k, v = c.Next() {
		rows = append(rows, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	for _, row := range rows {
		suffix := row.k[len(oldPrefix):]
		nk := append(pathPrefix(newPath), suffix...)
		if err := b.Put(nk, row.v); err != nil {
			return err
		}
		if err := b.Delete(row.k); err != nil {
			return err
		}
	}
	return nil
}

func metaKeyBytes(p string, suffix []byte) []byte {
	buf := make([]byte, 0, len(p)+1+len(suffix))
	buf = append(buf, p...)
	buf = append(buf, sep)
	return append(buf, suffix...)
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("deleting %q: %w", k, err)
		}
	}
	return nil
}
