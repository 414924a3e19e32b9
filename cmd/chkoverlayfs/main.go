// Command chkoverlayfs mounts a userspace overlay over a backing
// directory that records an FNV-1a-64 content digest and arbitrary
// extended attributes per file in a bbolt sidecar database, and can
// enforce write-once-read-many semantics over configured directory
// prefixes (spec.md §1, §6).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/chkoverlay/chkoverlay/internal/integrity"
	"github.com/chkoverlay/chkoverlay/internal/logging"
	"github.com/chkoverlay/chkoverlay/internal/mountopts"
	"github.com/chkoverlay/chkoverlay/internal/overlayfs"
	"github.com/chkoverlay/chkoverlay/internal/pathmap"
	"github.com/chkoverlay/chkoverlay/internal/sidecar"
	"github.com/chkoverlay/chkoverlay/internal/worm"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logging.Errorf(logging.Fields{}, "%v", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	cfg, err := mountopts.Parse(argv)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	logging.SetLevel(cfg.Debug)

	if _, err := os.Stat(cfg.BackingDir); err != nil {
		return fmt.Errorf("backing directory: %w", err)
	}

	store, err := sidecar.Open(filepath.Join(cfg.BackingDir, sidecar.FileName))
	if err != nil {
		// Mount-time sidecar self-check: a corrupt or unreadable
		// sidecar fails the mount outright (spec.md §6).
		return fmt.Errorf("opening sidecar: %w", err)
	}
	defer store.Close()

	wormPolicy := worm.New(cfg.AppendOnlyDirs)
	logging.Infof(logging.Fields{"prefixes": wormPolicy.Prefixes()}, "worm policy configured")

	mapper := pathmap.New(cfg.BackingDir)
	engine := integrity.New(mapper, store, wormPolicy, integrity.Config{
		Mode:             cfg.ChecksumMode,
		AppendOpen:       cfg.AppendOpen,
		ExclusiveWriters: cfg.ExclusiveWriters,
	})

	fuseOpts := []fuse.MountOption{
		fuse.FSName("chkoverlayfs"),
		fuse.Subtype("chkoverlayfs"),
		fuse.LocalVolume(),
	}
	conn, err := fuse.Mount(cfg.MountPoint, fuseOpts...)
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", cfg.MountPoint, err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Infof(logging.Fields{}, "unmounting on signal")
		_ = fuse.Unmount(cfg.MountPoint)
	}()

	overlay := overlayfs.New(mapper, engine)
	logging.Infof(logging.Fields{"backing": cfg.BackingDir, "mount": cfg.MountPoint, "checksum_mode": cfg.ChecksumMode}, "mounted")

	srv := fs.New(conn, nil)
	if err := srv.Serve(overlay); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	<-conn.Ready
	if err := conn.MountError; err != nil {
		return fmt.Errorf("mount error: %w", err)
	}

	snap := engine.Stats.Snapshot()
	logging.Infof(logging.Fields{
		"integrity_violations": snap.IntegrityViolations,
		"worm_rejections":      snap.WormRejections,
		"sidecar_fail_opens":   snap.SidecarFailOpens,
	}, "unmounted")
	return nil
}
