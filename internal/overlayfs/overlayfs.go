// Package overlayfs wires the integrity engine into bazil.org/fuse's
// node/handle model. It is deliberately thin: every decision about
// WORM, checksums and the sidecar lives in internal/integrity, and
// this package's job is only to translate FUSE dispatch calls into
// engine calls and map results onto fuse.Errno, following the
// node/handle struct pattern of upspin's upspinfs, a bazil.org/fuse
// filesystem.
package overlayfs

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	xattrlib "github.com/pkg/xattr"

	"github.com/chkoverlay/chkoverlay/internal/integrity"
	"github.com/chkoverlay/chkoverlay/internal/logging"
	"github.com/chkoverlay/chkoverlay/internal/ovlerr"
	"github.com/chkoverlay/chkoverlay/internal/pathmap"
)

// digestXattrName is the synthetic read-only xattr exposing the
// sidecar's whole-file digest for a path (SPEC_FULL.md §12). It is
// never stored in the sidecar itself; it is read on demand from the
// checksums table, or computed from the backing content when that
// table has no row for the path.
const digestXattrName = "user.chkoverlay.digest"

// attrValid is how long the kernel may cache attributes handed back in
// Attr, matching upspinfs's convention of a short, non-zero TTL rather
// than either extreme.
const attrValid = 1 * time.Second

// FS is the root of the mounted tree.
type FS struct {
	mapper *pathmap.Mapper
	engine *integrity.Engine

	mu    sync.Mutex
	nodes map[string]*Node // virtual path -> node, for identity stability
}

// New builds an FS rooted at the engine's backing directory.
func New(mapper *pathmap.Mapper, engine *integrity.Engine) *FS {
	return &FS{
		mapper: mapper,
		engine: engine,
		nodes:  make(map[string]*Node),
	}
}

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) {
	return f.nodeFor("/"), nil
}

// nodeFor returns the cached Node for a virtual path, creating one if
// necessary. Reusing Node values per path keeps the FUSE kernel cache
// behavior sane across repeated lookups of the same path.
func (f *FS) nodeFor(virtual string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[virtual]; ok {
		return n
	}
	n := &Node{fs: f, path: virtual}
	f.nodes[virtual] = n
	return n
}

func (f *FS) forget(virtual string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, virtual)
}

// Node represents one virtual path, file or directory.
type Node struct {
	fs   *FS
	path string
}

var (
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeOpener         = (*Node)(nil)
	_ fs.NodeCreater        = (*Node)(nil)
	_ fs.NodeMkdirer        = (*Node)(nil)
	_ fs.NodeRemover        = (*Node)(nil)
	_ fs.NodeRenamer        = (*Node)(nil)
	_ fs.NodeSetattrer      = (*Node)(nil)
	_ fs.NodeGetxattrer     = (*Node)(nil)
	_ fs.NodeListxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer     = (*Node)(nil)
	_ fs.NodeRemovexattrer  = (*Node)(nil)
)

func (n *Node) backing() string { return n.fs.mapper.Map(n.path) }

func joinVirtual(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Attr implements fs.Node by stat-ing the backing path directly; the
// overlay never maintains its own notion of size or mode.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	fi, err := os.Lstat(n.backing())
	if err != nil {
		return toErrno(ovlerr.WrapBacking(err))
	}
	a.Valid = attrValid
	a.Size = uint64(fi.Size())
	a.Mode = fi.Mode()
	a.Mtime = fi.ModTime()
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
	return nil
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := joinVirtual(n.path, name)
	if _, err := os.Lstat(n.fs.mapper.Map(child)); err != nil {
		return nil, toErrno(ovlerr.WrapBacking(err))
	}
	return n.fs.nodeFor(child), nil
}

// ReadDirAll implements fs.HandleReadDirAller.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := os.ReadDir(n.backing())
	if err != nil {
		return nil, toErrno(ovlerr.WrapBacking(err))
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		if e.Name() == sidecarBasename {
			continue
		}
		typ := fuse.DT_File
		if e.IsDir() {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name(), Type: typ})
	}
	return out, nil
}

// sidecarBasename is hidden from directory listings; it is overlay
// bookkeeping, not part of the virtual namespace (spec.md §4.2).
const sidecarBasename = ".metadata.db"

// Open implements fs.NodeOpener, translating FUSE's open flags into
// the engine's OpenFlags and wrapping the resulting handle ID.
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	flags := integrity.OpenFlags{
		Write:    req.Flags.IsWriteOnly() || req.Flags.IsReadWrite(),
		Truncate: req.Flags&fuse.OpenTruncate != 0,
	}
	id, err := n.fs.engine.Open(n.path, flags)
	if err != nil {
		return nil, toErrno(err)
	}
	return &Handle{fs: n.fs, path: n.path, id: id}, nil
}

// Create implements fs.NodeCreater: a combined create-and-open.
func (n *Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	child := joinVirtual(n.path, req.Name)
	id, err := n.fs.engine.Open(child, integrity.OpenFlags{Write: true, Create: true, Truncate: true})
	if err != nil {
		return nil, nil, toErrno(err)
	}
	cn := n.fs.nodeFor(child)
	return cn, &Handle{fs: n.fs, path: child, id: id}, nil
}

// Mkdir implements fs.NodeMkdirer directly against the backing
// directory; directories carry no sidecar state of their own.
func (n *Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	child := joinVirtual(n.path, req.Name)
	if err := os.Mkdir(n.fs.mapper.Map(child), req.Mode); err != nil {
		return nil, toErrno(ovlerr.WrapBacking(err))
	}
	return n.fs.nodeFor(child), nil
}

// Remove implements fs.NodeRemover for both file unlink and rmdir.
func (n *Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := joinVirtual(n.path, req.Name)
	if req.Dir {
		if err := os.Remove(n.fs.mapper.Map(child)); err != nil {
			return toErrno(ovlerr.WrapBacking(err))
		}
		n.fs.forget(child)
		return nil
	}
	if err := n.fs.engine.Unlink(child); err != nil {
		return toErrno(err)
	}
	n.fs.forget(child)
	return nil
}

// Rename implements fs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	destDir, ok := newDir.(*Node)
	if !ok {
		return fuse.EIO
	}
	from := joinVirtual(n.path, req.OldName)
	to := joinVirtual(destDir.path, req.NewName)
	if err := n.fs.engine.Rename(from, to); err != nil {
		return toErrno(err)
	}
	n.fs.forget(from)
	return nil
}

// Setattr implements fs.NodeSetattrer, handling truncation through the
// engine so every open writer's accumulator stays consistent.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := n.fs.engine.Truncate(n.path, int64(req.Size)); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Mode() {
		if err := os.Chmod(n.backing(), req.Mode); err != nil {
			return toErrno(ovlerr.WrapBacking(err))
		}
	}
	return n.Attr(ctx, &resp.Attr)
}

// Getxattr implements fs.NodeGetxattrer: the synthetic digest xattr is
// served by Engine.GetDigestXattr (see digestXattrName), everything else mirrors
// best-effort onto the backing file's real extended attributes plus
// whatever the sidecar metadata table records (SPEC_FULL.md §12).
func (n *Node) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	if req.Name == digestXattrName {
		hexDigest, err := n.fs.engine.GetDigestXattr(n.path)
		if err != nil {
			return toErrno(err)
		}
		resp.Xattr = []byte(hexDigest)
		return nil
	}
	if v, err := n.fs.engine.GetXattr(n.path, req.Name); err == nil {
		resp.Xattr = v
		return nil
	}
	v, err := xattrlib.LGet(n.backing(), req.Name)
	if err != nil {
		return toErrno(ovlerr.WrapBacking(err))
	}
	resp.Xattr = v
	return nil
}

// Listxattr implements fs.NodeListxattrer, unioning the sidecar's
// recorded keys, the backing file's mirrored real xattrs, and the
// synthetic digest key. digestXattrName is appended unconditionally
// (SPEC_FULL.md §12): it never lives in the sidecar, so every file
// lists one more name here than the sidecar's own ListXattr reports.
func (n *Node) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	keys, err := n.fs.engine.ListXattr(n.path)
	if err != nil {
		logging.Warnf(logging.Fields{"path": n.path}, "sidecar listxattr failed: %v", err)
	}
	seen := make(map[string]bool, len(keys)+1)
	for _, k := range keys {
		resp.Append(k)
		seen[k] = true
	}
	if backingKeys, err := xattrlib.LList(n.backing()); err == nil {
		for _, k := range backingKeys {
			if !seen[k] {
				resp.Append(k)
				seen[k] = true
			}
		}
	}
	resp.Append(digestXattrName)
	return nil
}

// Setxattr implements fs.NodeSetxattrer: the overlay records the
// attribute in the sidecar (the durable store per spec.md §4.2) and
// best-effort mirrors it onto the backing file's real xattr namespace
// so tools that bypass the mount still see something.
func (n *Node) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	if req.Name == digestXattrName {
		return fuse.Errno(eperm)
	}
	if err := n.fs.engine.SetXattr(n.path, req.Name, req.Xattr); err != nil {
		return toErrno(err)
	}
	if err := xattrlib.LSet(n.backing(), req.Name, req.Xattr); err != nil {
		logging.Warnf(logging.Fields{"path": n.path, "xattr": req.Name}, "best-effort backing xattr mirror failed: %v", err)
	}
	return nil
}

// Removexattr implements fs.NodeRemovexattrer.
func (n *Node) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	if req.Name == digestXattrName {
		return fuse.Errno(eperm)
	}
	if err := n.fs.engine.DelXattr(n.path, req.Name); err != nil {
		return toErrno(err)
	}
	if err := xattrlib.LRemove(n.backing(), req.Name); err != nil {
		logging.Warnf(logging.Fields{"path": n.path, "xattr": req.Name}, "best-effort backing xattr removal failed: %v", err)
	}
	return nil
}

// Handle is one open instance of a Node.
type Handle struct {
	fs   *FS
	path string
	id   uint64
}

var (
	_ fs.HandleReader   = (*Handle)(nil)
	_ fs.HandleWriter   = (*Handle)(nil)
	_ fs.HandleReleaser = (*Handle)(nil)
)

// Read implements fs.HandleReader.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.fs.engine.Read(h.id, buf, req.Offset)
	if err != nil && err != io.EOF {
		return toErrno(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write implements fs.HandleWriter.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.fs.engine.Write(h.id, req.Data, req.Offset)
	if err != nil {
		return toErrno(err)
	}
	resp.Size = n
	return nil
}

// Release implements fs.HandleReleaser.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if err := h.fs.engine.Release(h.id); err != nil {
		return toErrno(err)
	}
	return nil
}
