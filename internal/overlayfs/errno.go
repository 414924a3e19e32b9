package overlayfs

import (
	"errors"
	"syscall"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"

	"github.com/chkoverlay/chkoverlay/internal/ovlerr"
)

// eperm is the errno the synthetic digest xattr's write-side calls
// reject with: it exists, but the mount never lets anyone set it.
const eperm = unix.EPERM

// toErrno maps an ovlerr-tagged error onto the fuse.Errno the kernel
// expects, per SPEC_FULL.md §10.2's kind-to-errno table. A backing
// error that carries its own syscall.Errno is passed through
// unchanged (spec.md §9: never invent synthetic error codes); only
// the integrity, policy, busy, not-found and sidecar kinds (and any
// other error without an errno) get a fixed errno of our choosing.
func toErrno(err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Errno(errno)
	}

	switch {
	case errors.Is(err, ovlerr.ErrIntegrity):
		return fuse.Errno(unix.EIO)
	case errors.Is(err, ovlerr.ErrPolicy):
		return fuse.Errno(unix.EPERM)
	case errors.Is(err, ovlerr.ErrBusy):
		return fuse.Errno(unix.EBUSY)
	case errors.Is(err, ovlerr.ErrNotFound):
		return fuse.Errno(unix.ENODATA)
	case errors.Is(err, ovlerr.ErrSidecar):
		return fuse.Errno(unix.EIO)
	default:
		return fuse.Errno(unix.EIO)
	}
}
