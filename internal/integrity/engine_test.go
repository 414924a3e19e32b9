package integrity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkoverlay/chkoverlay/internal/mountopts"
	"github.com/chkoverlay/chkoverlay/internal/ovlerr"
	"github.com/chkoverlay/chkoverlay/internal/pathmap"
	"github.com/chkoverlay/chkoverlay/internal/sidecar"
	"github.com/chkoverlay/chkoverlay/internal/worm"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := sidecar.Open(filepath.Join(dir, sidecar.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(pathmap.New(dir), store, worm.New(nil), cfg), dir
}

func wholeFileConfig() Config {
	return Config{Mode: mountopts.ChecksumWhole, AppendOpen: mountopts.AppendOpenStrict, ExclusiveWriters: true}
}

// TestWriteThenReadMatchesDigest exercises spec.md §8 Scenario 1: a
// fresh write of "hello world" must produce digest 779a65e7023cd2e7,
// and a subsequent read must succeed and return identical bytes.
func TestWriteThenReadMatchesDigest(t *testing.T) {
	e, dir := newTestEngine(t, wholeFileConfig())

	id, err := e.Open("/hello.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)

	n, err := e.Write(id, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, e.Release(id))

	got, err := (e.store).(*sidecar.BoltStore).GetDigest("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "779a65e7023cd2e7", got)

	rid, err := e.Open("/hello.txt", OpenFlags{})
	require.NoError(t, err)
	buf := make([]byte, 11)
	n, err = e.Read(rid, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
	require.NoError(t, e.Release(rid))

	raw, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(raw))
}

// TestXattrSetListGet exercises spec.md §8 Scenario 2.
func TestXattrSetListGet(t *testing.T) {
	e, _ := newTestEngine(t, wholeFileConfig())

	require.NoError(t, e.SetXattr("/a.txt", "user.note", []byte("draft")))
	require.NoError(t, e.SetXattr("/a.txt", "user.owner", []byte("alice")))

	keys, err := e.ListXattr("/a.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user.note", "user.owner"}, keys)

	v, err := e.GetXattr("/a.txt", "user.note")
	require.NoError(t, err)
	assert.Equal(t, "draft", string(v))
}

// TestCorruptedBackingContentFailsRead exercises spec.md §8 Scenario 3:
// editing backing content out from under the sidecar's recorded digest
// must surface as an integrity error on the next read, and the result
// is cached on the handle.
func TestCorruptedBackingContentFailsRead(t *testing.T) {
	e, dir := newTestEngine(t, wholeFileConfig())

	id, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("original"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("tampered"), 0o644))

	rid, err := e.Open("/a.txt", OpenFlags{})
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = e.Read(rid, buf, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrIntegrity))

	// Cached on the handle: a second read fails the same way without
	// recomputing.
	_, err = e.Read(rid, buf, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrIntegrity))
}

// TestUnlinkRemovesSidecarRows exercises spec.md §8 Scenario 4.
func TestUnlinkRemovesSidecarRows(t *testing.T) {
	e, _ := newTestEngine(t, wholeFileConfig())
	store := e.store.(*sidecar.BoltStore)

	id, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))
	require.NoError(t, e.SetXattr("/a.txt", "user.tag", []byte("v")))

	require.NoError(t, e.Unlink("/a.txt"))

	_, err = store.GetDigest("/a.txt")
	assert.ErrorIs(t, err, sidecar.ErrNotFound)
	_, err = store.GetXattr("/a.txt", "user.tag")
	assert.ErrorIs(t, err, sidecar.ErrNotFound)
}

// TestRenameRelabelsSidecarRows exercises spec.md §8 Scenario 5: after
// a rename, digest and xattr lookups follow the new name and no longer
// resolve under the old one.
func TestRenameRelabelsSidecarRows(t *testing.T) {
	e, _ := newTestEngine(t, wholeFileConfig())
	store := e.store.(*sidecar.BoltStore)

	id, err := e.Open("/old.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("content"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))
	require.NoError(t, e.SetXattr("/old.txt", "user.tag", []byte("v")))

	require.NoError(t, e.Rename("/old.txt", "/new.txt"))

	_, err = store.GetDigest("/old.txt")
	assert.ErrorIs(t, err, sidecar.ErrNotFound)
	got, err := store.GetDigest("/new.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	v, err := store.GetXattr("/new.txt", "user.tag")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

// TestWormRejectsTruncateAndUnlinkAndRename exercises spec.md §8
// Scenario 6's rejection matrix for an append-only prefix.
func TestWormRejectsTruncateAndUnlinkAndRename(t *testing.T) {
	dir := t.TempDir()
	store, err := sidecar.Open(filepath.Join(dir, sidecar.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := New(pathmap.New(dir), store, worm.New([]string{"/logs"}), wholeFileConfig())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "logs"), 0o755))

	id, err := e.Open("/logs/a.log", OpenFlags{Write: true, Create: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("entry\n"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	_, err = e.Open("/logs/a.log", OpenFlags{Write: true, Truncate: true})
	assert.True(t, errors.Is(err, ovlerr.ErrPolicy))

	err = e.Truncate("/logs/a.log", 0)
	assert.True(t, errors.Is(err, ovlerr.ErrPolicy))

	err = e.Unlink("/logs/a.log")
	assert.True(t, errors.Is(err, ovlerr.ErrPolicy))

	err = e.Rename("/logs/a.log", "/logs/b.log")
	assert.True(t, errors.Is(err, ovlerr.ErrPolicy))

	// A plain append-mode open and write is still allowed.
	id2, err := e.Open("/logs/a.log", OpenFlags{Write: true})
	require.NoError(t, err)
	_, err = e.Write(id2, []byte("more\n"), 6)
	require.NoError(t, err)
	require.NoError(t, e.Release(id2))
}

// TestWormPermitsCreateOfNewFile covers the glossary's "creation and
// append remain permitted" carve-out. The FUSE Create path always
// opens with Write, Create and Truncate all set (overlayfs.Node.Create),
// so Open must not reject that combination under a WORM prefix even
// though Truncate is set, since there is no existing data to lose.
func TestWormPermitsCreateOfNewFile(t *testing.T) {
	dir := t.TempDir()
	store, err := sidecar.Open(filepath.Join(dir, sidecar.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := New(pathmap.New(dir), store, worm.New([]string{"/logs"}), wholeFileConfig())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "logs"), 0o755))

	id, err := e.Open("/logs/new.log", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("first\n"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	// Re-opening that now-existing file for a truncating overwrite
	// (Create unset, since the kernel would route an existing name to
	// Open rather than Create) is still rejected.
	_, err = e.Open("/logs/new.log", OpenFlags{Write: true, Truncate: true})
	assert.True(t, errors.Is(err, ovlerr.ErrPolicy))
}

// TestTruncateResetsConcurrentWriterAccumulators covers spec.md §4.5's
// truncate transition spanning every other open writer handle.
func TestTruncateResetsConcurrentWriterAccumulators(t *testing.T) {
	cfg := wholeFileConfig()
	cfg.ExclusiveWriters = false
	e, _ := newTestEngine(t, cfg)

	w1, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(w1, []byte("aaaa"), 0)
	require.NoError(t, err)

	w2, err := e.Open("/a.txt", OpenFlags{Write: true})
	require.NoError(t, err)

	require.NoError(t, e.Truncate("/a.txt", 0))

	_, err = e.Write(w1, []byte("bbbb"), 0)
	require.NoError(t, err)
	_, err = e.Write(w2, []byte("bbbb"), 0)
	require.NoError(t, err)

	require.NoError(t, e.Release(w1))
	require.NoError(t, e.Release(w2))

	got, err := e.store.GetDigest("/a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

// TestBlockModeDetectsTamperedBlock covers spec.md §4.6's per-block
// verification: corrupting one block of a multi-block file must fail
// a read that touches it, without affecting reads of other blocks.
func TestBlockModeDetectsTamperedBlock(t *testing.T) {
	e, dir := newTestEngine(t, Config{Mode: mountopts.ChecksumBlock, ExclusiveWriters: true})

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	id, err := e.Open("/big.bin", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, payload, 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	raw, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	raw[4100] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), raw, 0o644))

	rid, err := e.Open("/big.bin", OpenFlags{})
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = e.Read(rid, buf, 0)
	require.NoError(t, err)

	_, err = e.Read(rid, buf, 4096)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrIntegrity))
}

// TestBlockModeWriteFailsClosedOnBadPreimage covers spec.md §4.6's
// fail-closed write: a partial overwrite of a block whose recorded
// digest no longer matches the current content must be rejected before
// any bytes are patched.
func TestBlockModeWriteFailsClosedOnBadPreimage(t *testing.T) {
	e, dir := newTestEngine(t, Config{Mode: mountopts.ChecksumBlock, ExclusiveWriters: true})

	id, err := e.Open("/f.bin", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, make([]byte, 4096), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	raw, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	raw[10] = 0xAB
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), raw, 0o644))

	wid, err := e.Open("/f.bin", OpenFlags{Write: true})
	require.NoError(t, err)
	_, err = e.Write(wid, []byte{1, 2, 3}, 20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrIntegrity))
}

// TestExclusiveWritersRejectsSecondWriter covers SPEC_FULL.md §12's
// exclusive_writers option.
func TestExclusiveWritersRejectsSecondWriter(t *testing.T) {
	e, _ := newTestEngine(t, wholeFileConfig())

	w1, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)

	_, err = e.Open("/a.txt", OpenFlags{Write: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrBusy))

	require.NoError(t, e.Release(w1))
}

// TestExclusiveWritersRejectionDoesNotTruncateFirstWriter guards against
// the busy check running after the backing file has already been
// opened with O_TRUNC: a rejected second writer must never touch the
// first writer's on-disk content (spec.md I1).
func TestExclusiveWritersRejectionDoesNotTruncateFirstWriter(t *testing.T) {
	e, dir := newTestEngine(t, wholeFileConfig())

	w1, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(w1, []byte("first writer's data"), 0)
	require.NoError(t, err)

	_, err = e.Open("/a.txt", OpenFlags{Write: true, Truncate: true})
	assert.True(t, errors.Is(err, ovlerr.ErrBusy))

	// The rejected second open must not have truncated backing content
	// out from under the still-open first writer.
	contents, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first writer's data", string(contents))

	require.NoError(t, e.Release(w1))
}

// TestAppendOpenStrictRejectsStaleDigest covers spec.md §4.5's
// W-append preload verification.
func TestAppendOpenStrictRejectsStaleDigest(t *testing.T) {
	e, dir := newTestEngine(t, wholeFileConfig())

	id, err := e.Open("/a.txt", OpenFlags{Write: true, Create: true, Truncate: true})
	require.NoError(t, err)
	_, err = e.Write(id, []byte("one"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Release(id))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("tampered"), 0o644))

	_, err = e.Open("/a.txt", OpenFlags{Write: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ovlerr.ErrIntegrity))
}
