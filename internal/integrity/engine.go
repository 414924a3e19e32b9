// Package integrity implements the per-handle state machine of
// spec.md §4.5 that keeps the sidecar digest consistent with on-disk
// content across appends, overwrites, truncations, renames and
// concurrent opens, plus the block-indexed variant of §4.6. It is the
// orchestrator that ties the path mapper, sidecar store, WORM policy
// and handle table together.
package integrity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/chkoverlay/chkoverlay/internal/digest"
	"github.com/chkoverlay/chkoverlay/internal/handles"
	"github.com/chkoverlay/chkoverlay/internal/logging"
	"github.com/chkoverlay/chkoverlay/internal/mountopts"
	"github.com/chkoverlay/chkoverlay/internal/ovlerr"
	"github.com/chkoverlay/chkoverlay/internal/pathmap"
	"github.com/chkoverlay/chkoverlay/internal/sidecar"
	"github.com/chkoverlay/chkoverlay/internal/worm"
)

// OpenFlags describes the access mode an open/create call requested,
// independent of how the dispatch layer encodes it.
type OpenFlags struct {
	Write    bool
	Truncate bool
	Create   bool
}

// Config bundles the mount-time options the engine needs, pulled out
// of mountopts.Config by the caller.
type Config struct {
	Mode             mountopts.ChecksumMode
	AppendOpen       mountopts.AppendOpenMode
	ExclusiveWriters bool
}

// Engine orchestrates the path mapper, sidecar store, WORM policy and
// handle table on every read, write, open, release, truncate, unlink
// and rename (spec.md §2, §4.5).
type Engine struct {
	mapper *pathmap.Mapper
	store  sidecar.Store
	worm   *worm.Policy
	tab    *handles.Table
	cfg    Config

	nextID atomic.Uint64
	Stats  Stats
}

// New builds an Engine. mapper, store and wormPolicy are the three
// leaf components it orchestrates; worm may be nil, meaning no
// append-only prefixes are configured.
func New(mapper *pathmap.Mapper, store sidecar.Store, wormPolicy *worm.Policy, cfg Config) *Engine {
	return &Engine{
		mapper: mapper,
		store:  store,
		worm:   wormPolicy,
		tab:    handles.New(),
		cfg:    cfg,
	}
}

// Open implements spec.md §4.5's open transition.
func (e *Engine) Open(virtual string, flags OpenFlags) (uint64, error) {
	// Creation is exempt: there is no existing data to lose, so the
	// glossary's "creation and append remain permitted" carve-out
	// applies even though a fresh create also passes Truncate.
	if flags.Truncate && !flags.Create && e.worm.IsAppendOnly(virtual) {
		e.Stats.wormRejections.Add(1)
		logging.Warnf(logging.Fields{"path": virtual}, "rejecting truncating open under WORM prefix")
		return 0, fmt.Errorf("open %s: %w", virtual, ovlerr.ErrPolicy)
	}

	if flags.Write && e.cfg.ExclusiveWriters && len(e.tab.WritersOnPath(virtual)) > 0 {
		return 0, fmt.Errorf("open %s: %w", virtual, ovlerr.ErrBusy)
	}

	backing := e.mapper.Map(virtual)
	fd, err := os.OpenFile(backing, osFlags(flags), 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", virtual, ovlerr.WrapBacking(err))
	}

	id := e.nextID.Add(1)

	if !flags.Write {
		e.tab.Open(&handles.Handle{ID: id, Path: virtual, FD: fd, Role: handles.RoleReader, Verify: handles.Unverified})
		logging.Debugf(logging.Fields{"path": virtual, "handle": id}, "opened reader")
		return id, nil
	}

	if flags.Create || flags.Truncate {
		h := &handles.Handle{ID: id, Path: virtual, FD: fd, Role: handles.RoleWriterFresh}
		if e.cfg.Mode == mountopts.ChecksumWhole {
			h.Accumulator = digest.New()
		}
		if e.cfg.Mode == mountopts.ChecksumBlock && flags.Truncate {
			if err := e.store.DelBlocks(virtual); err != nil {
				logging.Warnf(logging.Fields{"path": virtual}, "sidecar block cleanup on truncating open failed: %v", err)
			}
		}
		e.tab.Open(h)
		logging.Debugf(logging.Fields{"path": virtual, "handle": id}, "opened writer (fresh)")
		return id, nil
	}

	// Append or random-write open without truncate: spec.md §4.5's
	// non-truncating writer-open path.
	h := &handles.Handle{ID: id, Path: virtual, FD: fd, Role: handles.RoleWriterAppend}
	if e.cfg.Mode == mountopts.ChecksumWhole && e.cfg.AppendOpen == mountopts.AppendOpenStrict {
		if err := e.preloadAppendAccumulator(h); err != nil {
			_ = fd.Close()
			return 0, err
		}
	}
	e.tab.Open(h)
	logging.Debugf(logging.Fields{"path": virtual, "handle": id}, "opened writer (append)")
	return id, nil
}

// preloadAppendAccumulator implements the strict branch of spec.md
// §4.5's non-truncating writer open: compute the digest of the
// current backing content, compare to the stored digest, fail closed
// on mismatch, and otherwise seed the handle's accumulator so further
// writes continue from the same running state (the relaxed mode
// leaves Accumulator nil and recomputes fully at release instead).
func (e *Engine) preloadAppendAccumulator(h *handles.Handle) error {
	stat, err := h.FD.Stat()
	if err != nil {
		return fmt.Errorf("open %s: %w", h.Path, ovlerr.WrapBacking(err))
	}
	computedHex, acc, err := digest.WholeFile(io.NewSectionReader(h.FD, 0, stat.Size()))
	if err != nil {
		return fmt.Errorf("open %s: %w", h.Path, ovlerr.WrapBacking(err))
	}
	stored, serr := e.store.GetDigest(h.Path)
	switch {
	case serr == nil:
		if stored != computedHex {
			e.Stats.integrityViolations.Add(1)
			logging.Warnf(logging.Fields{"path": h.Path}, "append-open digest mismatch: stored=%s computed=%s", stored, computedHex)
			return fmt.Errorf("open %s: %w", h.Path, ovlerr.ErrIntegrity)
		}
	case errors.Is(serr, sidecar.ErrNotFound):
		// No stored digest: nothing to verify against, proceed.
	default:
		e.Stats.sidecarFailOpens.Add(1)
		logging.Warnf(logging.Fields{"path": h.Path}, "sidecar digest lookup failed on append-open, failing open: %v", serr)
	}
	h.Accumulator = acc
	return nil
}

func osFlags(flags OpenFlags) int {
	switch {
	case flags.Create && flags.Truncate:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case flags.Create:
		return os.O_RDWR | os.O_CREATE
	case flags.Write && flags.Truncate:
		return os.O_RDWR | os.O_TRUNC
	case flags.Write:
		return os.O_RDWR
	default:
		return os.O_RDONLY
	}
}

// Read implements spec.md §4.5's read transitions (whole-file mode)
// and §4.6's per-block re-verification (block mode).
func (e *Engine) Read(id uint64, buf []byte, offset int64) (int, error) {
	h, ok := e.tab.Get(id)
	if !ok {
		return 0, fmt.Errorf("read: unknown handle %d", id)
	}

	if h.Role.IsWriter() {
		// Writers serve from backing without re-verifying; their
		// accumulator is the authoritative view for this handle.
		return h.FD.ReadAt(buf, offset)
	}

	if e.cfg.Mode == mountopts.ChecksumBlock {
		if err := e.verifyBlocksForRange(h.Path, h.FD, offset, len(buf)); err != nil {
			return 0, fmt.Errorf("read %s: %w", h.Path, err)
		}
		return h.FD.ReadAt(buf, offset)
	}

	switch h.Verify {
	case handles.VerifiedBad:
		return 0, fmt.Errorf("read %s: %w", h.Path, ovlerr.ErrIntegrity)
	case handles.VerifiedOK:
		return h.FD.ReadAt(buf, offset)
	default:
		if err := e.verifyWholeFile(h); err != nil {
			return 0, err
		}
		return h.FD.ReadAt(buf, offset)
	}
}

// verifyWholeFile performs the R-unverified -> {R-ok, R-bad}
// transition, caching the result on the handle.
func (e *Engine) verifyWholeFile(h *handles.Handle) error {
	stat, err := h.FD.Stat()
	if err != nil {
		return fmt.Errorf("read %s: %w", h.Path, ovlerr.WrapBacking(err))
	}
	computedHex, _, err := digest.WholeFile(io.NewSectionReader(h.FD, 0, stat.Size()))
	if err != nil {
		return fmt.Errorf("read %s: %w", h.Path, ovlerr.WrapBacking(err))
	}
	stored, serr := e.store.GetDigest(h.Path)
	switch {
	case serr == nil:
		if stored == computedHex {
			e.tab.SetVerify(h.ID, handles.VerifiedOK)
			return nil
		}
		e.tab.SetVerify(h.ID, handles.VerifiedBad)
		e.Stats.integrityViolations.Add(1)
		logging.Warnf(logging.Fields{"path": h.Path, "handle": h.ID}, "digest mismatch: stored=%s computed=%s", stored, computedHex)
		return fmt.Errorf("read %s: %w", h.Path, ovlerr.ErrIntegrity)
	case errors.Is(serr, sidecar.ErrNotFound):
		e.tab.SetVerify(h.ID, handles.VerifiedOK)
		return nil
	default:
		e.Stats.sidecarFailOpens.Add(1)
		logging.Warnf(logging.Fields{"path": h.Path}, "sidecar digest lookup failed, failing open: %v", serr)
		e.tab.SetVerify(h.ID, handles.VerifiedOK)
		return nil
	}
}

// Write implements spec.md §4.5's write transition (whole-file mode,
// folding into the accumulator regardless of offset) and dispatches
// to the block-indexed write path (§4.6) otherwise.
func (e *Engine) Write(id uint64, buf []byte, offset int64) (int, error) {
	h, ok := e.tab.Get(id)
	if !ok {
		return 0, fmt.Errorf("write: unknown handle %d", id)
	}
	if !h.Role.IsWriter() {
		return 0, fmt.Errorf("write: handle %d is not a writer", id)
	}

	if e.cfg.Mode == mountopts.ChecksumBlock {
		return e.writeBlock(h, buf, offset)
	}

	if h.Accumulator != nil {
		if err := e.tab.WriterFold(id, buf); err != nil {
			return 0, err
		}
	}
	return h.FD.WriteAt(buf, offset)
}

// Release implements spec.md §4.5's release transition: close the
// backing fd, then for writers flush the final digest to the sidecar.
func (e *Engine) Release(id uint64) error {
	h, ok := e.tab.Close(id)
	if !ok {
		return fmt.Errorf("release: unknown handle %d", id)
	}
	closeErr := h.FD.Close()

	if !h.Role.IsWriter() {
		return closeErr
	}

	if e.cfg.Mode == mountopts.ChecksumBlock {
		// Per-block digests are already current as of the last write;
		// nothing to flush at release.
		return closeErr
	}

	finalHex, err := e.finalDigest(h)
	if err != nil {
		return err
	}
	if err := e.store.PutDigest(h.Path, finalHex); err != nil {
		logging.Errorf(logging.Fields{"path": h.Path}, "failed to flush digest on release: %v", err)
		return fmt.Errorf("release %s: %w", h.Path, ovlerr.WrapSidecar(err))
	}
	logging.Debugf(logging.Fields{"path": h.Path, "handle": id}, "released writer, digest=%s", finalHex)
	return closeErr
}

func (e *Engine) finalDigest(h *handles.Handle) (string, error) {
	if h.Accumulator != nil {
		return h.Accumulator.Hex(), nil
	}
	// Relaxed append-open mode left the accumulator empty: recompute
	// fully from backing content now (spec.md §9's relaxed mode). The
	// handle's own descriptor is already closed, so reopen by path.
	f, err := e.backingFile(h.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hexDigest, _, err := digest.WholeFile(f)
	if err != nil {
		return "", fmt.Errorf("release %s: %w", h.Path, ovlerr.WrapBacking(err))
	}
	return hexDigest, nil
}

// Truncate implements spec.md §4.5's truncate transition, which spans
// every concurrently open writer handle on the path.
func (e *Engine) Truncate(virtual string, newSize int64) error {
	if e.worm.IsAppendOnly(virtual) {
		e.Stats.wormRejections.Add(1)
		return fmt.Errorf("truncate %s: %w", virtual, ovlerr.ErrPolicy)
	}
	backing := e.mapper.Map(virtual)
	if err := os.Truncate(backing, newSize); err != nil {
		return fmt.Errorf("truncate %s: %w", virtual, ovlerr.WrapBacking(err))
	}

	if e.cfg.Mode == mountopts.ChecksumBlock {
		return e.truncateBlocks(virtual, newSize)
	}

	f, err := os.Open(backing)
	if err != nil {
		return fmt.Errorf("truncate %s: %w", virtual, ovlerr.WrapBacking(err))
	}
	defer f.Close()
	newHex, acc, err := digest.WholeFile(f)
	if err != nil {
		return fmt.Errorf("truncate %s: %w", virtual, ovlerr.WrapBacking(err))
	}
	if err := e.store.PutDigest(virtual, newHex); err != nil {
		return fmt.Errorf("truncate %s: %w", virtual, ovlerr.WrapSidecar(err))
	}
	for _, w := range e.tab.WritersOnPath(virtual) {
		e.tab.ResetAccumulator(w.ID, digest.Seed(acc.Sum64()))
	}
	return nil
}

// Unlink implements spec.md §4.5's unlink transition.
func (e *Engine) Unlink(virtual string) error {
	if e.worm.IsAppendOnly(virtual) {
		e.Stats.wormRejections.Add(1)
		return fmt.Errorf("unlink %s: %w", virtual, ovlerr.ErrPolicy)
	}
	backing := e.mapper.Map(virtual)
	if err := os.Remove(backing); err != nil {
		return fmt.Errorf("unlink %s: %w", virtual, ovlerr.WrapBacking(err))
	}

	var sidecarErr error
	if err := e.store.DelXattrs(virtual); err != nil {
		sidecarErr = err
	}
	if err := e.store.DelDigest(virtual); err != nil && sidecarErr == nil {
		sidecarErr = err
	}
	if e.cfg.Mode == mountopts.ChecksumBlock {
		if err := e.store.DelBlocks(virtual); err != nil && sidecarErr == nil {
			sidecarErr = err
		}
	}
	if sidecarErr != nil {
		logging.Errorf(logging.Fields{"path": virtual}, "sidecar cleanup after unlink failed: %v", sidecarErr)
		return fmt.Errorf("unlink %s: %w", virtual, ovlerr.WrapSidecar(sidecarErr))
	}
	return nil
}

// Rename implements spec.md §4.5's rename transition.
func (e *Engine) Rename(from, to string) error {
	if e.worm.IsAppendOnly(from) || e.worm.IsAppendOnly(to) {
		e.Stats.wormRejections.Add(1)
		return fmt.Errorf("rename %s -> %s: %w", from, to, ovlerr.ErrPolicy)
	}
	backingFrom := e.mapper.Map(from)
	backingTo := e.mapper.Map(to)
	if err := os.Rename(backingFrom, backingTo); err != nil {
		// Backing rename failed: sidecar untouched, per spec.md I5.
		return fmt.Errorf("rename %s -> %s: %w", from, to, ovlerr.WrapBacking(err))
	}
	if err := e.store.RenamePath(from, to); err != nil {
		logging.Errorf(logging.Fields{"from": from, "to": to}, "sidecar relabel after rename failed: %v", err)
		return fmt.Errorf("rename %s -> %s: %w", from, to, ovlerr.WrapSidecar(err))
	}
	return nil
}

// SetXattr, GetXattr, ListXattr and DelXattr are thin pass-throughs to
// the sidecar store; WORM does not restrict attribute operations
// (spec.md §4.5 only lists data-loss-capable operations).

func (e *Engine) SetXattr(virtual, key string, value []byte) error {
	return e.store.PutXattr(virtual, key, value)
}

func (e *Engine) GetXattr(virtual, key string) ([]byte, error) {
	return e.store.GetXattr(virtual, key)
}

func (e *Engine) ListXattr(virtual string) ([]string, error) {
	return e.store.ListXattr(virtual)
}

// DelXattr removes a single attribute, used by the FUSE removexattr
// call. WORM does not restrict this either, per the comment above.
func (e *Engine) DelXattr(virtual, key string) error {
	return e.store.DelXattr(virtual, key)
}

// GetDigestXattr returns the sidecar's recorded whole-file digest for
// the synthetic read-only xattr of SPEC_FULL.md §12, which states the
// value is "computed from the sidecar": an out-of-band-corrupted file
// must still report the recorded digest, not a freshly computed one,
// so the mismatch stays visible. Only when no digest has ever been
// recorded does this fall back to computing one from live content.
func (e *Engine) GetDigestXattr(virtual string) (string, error) {
	stored, err := e.store.GetDigest(virtual)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sidecar.ErrNotFound) {
		return "", fmt.Errorf("getxattr digest %s: %w", virtual, ovlerr.WrapSidecar(err))
	}

	f, err := e.backingFile(virtual)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hexDigest, _, err := digest.WholeFile(f)
	if err != nil {
		return "", fmt.Errorf("getxattr digest %s: %w", virtual, ovlerr.WrapBacking(err))
	}
	return hexDigest, nil
}
